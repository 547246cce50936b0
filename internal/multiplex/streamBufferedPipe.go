// This is base on https://github.com/golang/go/blob/0436b162397018c45068b47ca1b5924a3eafdee0/src/net/net_fake.go#L173

package multiplex

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

var ErrTimeout = errors.New("deadline exceeded")

// The point of a streamBufferedPipe is that Read() will block until data is available.
// Writes never block: the amount buffered is bounded by the stream's receive window.
type streamBufferedPipe struct {
	// only alloc when on first Read or Write
	buf *bytes.Buffer

	// no more writes will come; reads drain buf then get io.EOF
	eof bool
	// reads fail with err straight away, buffered data is dropped
	err error

	rwCond    *sync.Cond
	rDeadline time.Time
}

func NewStreamBufferedPipe() *streamBufferedPipe {
	return &streamBufferedPipe{
		rwCond: sync.NewCond(&sync.Mutex{}),
	}
}

func (p *streamBufferedPipe) Read(target []byte) (int, error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		p.buf = new(bytes.Buffer)
	}
	for {
		if p.err != nil {
			return 0, p.err
		}
		if p.buf.Len() > 0 {
			break
		}
		if p.eof {
			return 0, io.EOF
		}
		if !p.rDeadline.IsZero() {
			d := time.Until(p.rDeadline)
			if d <= 0 {
				return 0, ErrTimeout
			}
			time.AfterFunc(d, p.rwCond.Broadcast)
		}
		p.rwCond.Wait()
	}
	// err will always be nil because we have already verified that buf.Len() != 0
	n, _ := p.buf.Read(target)
	return n, nil
}

func (p *streamBufferedPipe) Write(input []byte) (int, error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		p.buf = new(bytes.Buffer)
	}
	if p.eof || p.err != nil {
		return 0, io.ErrClosedPipe
	}
	n, _ := p.buf.Write(input)
	p.rwCond.Broadcast()
	return n, nil
}

// CloseWrite marks the end of input.
func (p *streamBufferedPipe) CloseWrite() {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	p.eof = true
	p.rwCond.Broadcast()
}

// Fail makes every pending and future Read return err and reports how many
// unread bytes were dropped. The first error sticks.
func (p *streamBufferedPipe) Fail(err error) (dropped int) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	if p.err == nil {
		p.err = err
	}
	if p.buf != nil {
		dropped = p.buf.Len()
		p.buf.Reset()
	}
	p.rwCond.Broadcast()
	return dropped
}

func (p *streamBufferedPipe) Buffered() int {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		return 0
	}
	return p.buf.Len()
}

func (p *streamBufferedPipe) SetReadDeadline(t time.Time) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	p.rDeadline = t
	p.rwCond.Broadcast()
}
