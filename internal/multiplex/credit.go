package multiplex

import (
	"encoding/binary"
	"errors"
)

const (
	DefaultStreamWindow = 64 << 10
	DefaultConnWindow   = 1 << 20

	// a credit update is emitted once this percentage of a window has been consumed
	defaultCreditThreshold = 50
)

var ErrCreditUnderflow = errors.New("peer sent beyond its credit window")

// sendWindow is how many bytes we may still put on the wire. It only grows on a
// received credit update and only shrinks when we send.
type sendWindow struct {
	credit int64
}

func (w *sendWindow) grant(n uint32) { w.credit += int64(n) }

func (w *sendWindow) available() int64 { return w.credit }

func (w *sendWindow) take(n int) error {
	if int64(n) > w.credit {
		return ErrCreditUnderflow
	}
	w.credit -= int64(n)
	return nil
}

// recvWindow mirrors the window the peer believes it has against us.
type recvWindow struct {
	size      int64
	threshold int64
	// what the peer may still send before hearing from us
	avail int64
	// bytes read by the application but not yet advertised back
	consumed int64
}

func newRecvWindow(size uint32, thresholdPercent int) recvWindow {
	if thresholdPercent <= 0 || thresholdPercent > 100 {
		thresholdPercent = defaultCreditThreshold
	}
	th := int64(size) * int64(thresholdPercent) / 100
	if th == 0 {
		th = 1
	}
	return recvWindow{size: int64(size), threshold: th, avail: int64(size)}
}

func (w *recvWindow) receive(n int) error {
	if int64(n) > w.avail {
		return ErrCreditUnderflow
	}
	w.avail -= int64(n)
	return nil
}

// consume records n bytes handed to the application. It returns the increment
// to advertise when the threshold has been crossed.
func (w *recvWindow) consume(n int) (update uint32, due bool) {
	w.consumed += int64(n)
	if w.consumed < w.threshold {
		return 0, false
	}
	update = uint32(w.consumed)
	w.avail += w.consumed
	w.consumed = 0
	return update, true
}

func creditPayload(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

func parseCredit(f *Frame) uint32 { return binary.BigEndian.Uint32(f.Payload) }
