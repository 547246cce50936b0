package multiplex

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Sebx/mitoxide/internal/fault"
)

var ErrBrokenStream = errors.New("broken stream")

type StreamState uint32

const (
	StreamIdle StreamState = iota
	StreamOpen
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamOpen:
		return "open"
	case StreamHalfClosedLocal:
		return "half-closed (local)"
	case StreamHalfClosedRemote:
		return "half-closed (remote)"
	case StreamClosed:
		return "closed"
	default:
		return fmt.Sprintf("StreamState(%d)", uint32(s))
	}
}

type ResetCode uint8

const (
	ResetCancel ResetCode = iota + 1
	ResetRefused
	ResetInternal
)

// StreamResetError is what a stream reports after being reset by either side.
type StreamResetError struct {
	Code ResetCode
}

func (e *StreamResetError) Error() string {
	switch e.Code {
	case ResetCancel:
		return "stream reset: cancelled"
	case ResetRefused:
		return "stream reset: refused"
	default:
		return fmt.Sprintf("stream reset: code %d", e.Code)
	}
}

// Unwrap lets a refused stream match ErrStreamLimitExceeded.
func (e *StreamResetError) Unwrap() error {
	if e.Code == ResetRefused {
		return ErrStreamLimitExceeded
	}
	return ErrBrokenStream
}

// Stream is one logical, ordered, bidirectional channel of a Session. It
// implements io.ReadWriteCloser and additionally supports half-closing.
type Stream struct {
	id      uint32
	session *Session

	recvBuf *streamBufferedPipe

	// atomic StreamState
	state uint32

	// below is owned by the session's event loop
	send        sendWindow
	recv        recvWindow
	sendSeq     uint32
	recvSeq     uint32
	writes      []*writeReq
	endQueued   bool
	localEnded  bool
	remoteEnded bool
	// Close was called, incoming data is thrown away
	discard  bool
	resetErr error
	broken   chan struct{}
	isBroken bool
}

func makeStream(sesh *Session, id uint32) *Stream {
	return &Stream{
		id:      id,
		session: sesh,
		recvBuf: NewStreamBufferedPipe(),
		state:   uint32(StreamOpen),
		send:    sendWindow{credit: int64(sesh.StreamWindow)},
		recv:    newRecvWindow(sesh.StreamWindow, sesh.CreditThreshold),
		broken:  make(chan struct{}),
	}
}

func (s *Stream) markBroken() {
	if !s.isBroken {
		s.isBroken = true
		close(s.broken)
	}
}

// writeReq is a Write, or with end set a CloseWrite, waiting in the loop for credit.
type writeReq struct {
	data     []byte
	off      int
	end      bool
	finished bool
	done     chan error
	progress chan struct{}
}

func newWriteReq(data []byte, end bool) *writeReq {
	return &writeReq{data: data, end: end, done: make(chan error, 1), progress: make(chan struct{}, 1)}
}

func (r *writeReq) finish(err error) {
	if r.finished {
		return
	}
	r.finished = true
	r.done <- err
}

func (r *writeReq) notify() {
	select {
	case r.progress <- struct{}{}:
	default:
	}
}

func (s *Stream) failWrites(err error) {
	for _, r := range s.writes {
		r.finish(err)
	}
	s.writes = nil
}

func (s *Stream) setState(st StreamState) { atomic.StoreUint32(&s.state, uint32(st)) }

func (s *Stream) ID() uint32 { return s.id }

func (s *Stream) State() StreamState { return StreamState(atomic.LoadUint32(&s.state)) }

// Read blocks until data is available, the peer ends its direction (io.EOF),
// or the stream breaks.
func (s *Stream) Read(buf []byte) (int, error) {
	n, err := s.recvBuf.Read(buf)
	if n > 0 {
		id := s.id
		sesh := s.session
		_ = sesh.submit(func() { sesh.consumed(id, n) })
	}
	return n, err
}

// Write returns once all of in has been handed to the transport. It blocks while
// the stream or the connection is out of credit.
func (s *Stream) Write(in []byte) (int, error) {
	if len(in) == 0 {
		return 0, nil
	}
	req := newWriteReq(in, false)
	if err := s.session.submit(func() { s.session.queueWrite(s, req) }); err != nil {
		return 0, err
	}
	err := s.session.await(s, req)
	// req.off is settled once await has seen req.done
	return req.off, err
}

// CloseWrite ends our direction after every earlier Write has gone out. Reads
// carry on until the peer ends its own.
func (s *Stream) CloseWrite() error {
	req := newWriteReq(nil, true)
	if err := s.session.submit(func() { s.session.queueWrite(s, req) }); err != nil {
		return err
	}
	return s.session.await(s, req)
}

// Close ends our direction and stops reading. Data the peer still sends is
// acknowledged and dropped so that it does not stall on credit.
func (s *Stream) Close() error {
	err := s.CloseWrite()
	var pe *fault.ProtocolError
	if errors.As(err, &pe) {
		// already half-closed locally
		err = nil
	}
	sesh := s.session
	_ = sesh.submit(func() {
		s.discard = true
		if dropped := s.recvBuf.Fail(ErrBrokenStream); dropped > 0 {
			sesh.consumed(s.id, dropped)
		}
	})
	return err
}

// Reset aborts the stream in both directions.
func (s *Stream) Reset(code ResetCode) error {
	sesh := s.session
	return sesh.call(func() error {
		if _, live := sesh.streams[s.id]; !live || s.resetErr != nil {
			return nil
		}
		sesh.sendFrame(s, FlagReset, []byte{byte(code)})
		sesh.dropStream(s, &StreamResetError{Code: code})
		return nil
	})
}

func (s *Stream) SetReadDeadline(t time.Time) { s.recvBuf.SetReadDeadline(t) }

// Broken is closed when the stream is reset or its session dies. A stream that
// ends cleanly in both directions never breaks.
func (s *Stream) Broken() <-chan struct{} { return s.broken }

// Session is the session s belongs to.
func (s *Stream) Session() *Session { return s.session }
