package multiplex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/Sebx/mitoxide/internal/fault"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxStreams         = 100
	defaultFragmentSize       = 16 << 10
	defaultFlowControlTimeout = 30 * time.Second
	controlBacklog            = 16
)

var ErrBrokenSession = errors.New("broken session")
var ErrStreamLimitExceeded = errors.New("stream limit exceeded")
var ErrStreamIDReuse = errors.New("stream id reused")
var ErrStreamIDExhausted = errors.New("stream ids exhausted, the connection needs rotating")
var ErrSequence = errors.New("frame out of sequence")
var ErrWriteAfterClose = errors.New("data after end of stream")
var ErrFlowControlTimeout = errors.New("timed out waiting for send credit")
var ErrVersionMismatch = errors.New("frame version mismatch")
var errRepeatSessionClosing = errors.New("trying to close a closed session")
var errClosedByPeer = fmt.Errorf("%w: closed by peer", ErrBrokenSession)

type SessionConfig struct {
	// Initiator sessions allocate odd stream ids, the other end even ones.
	Initiator bool

	// Valve is used to limit transmission rates and record usage
	Valve *Valve

	// MaxStreams caps the live streams either side may have open at once
	MaxStreams int

	// initial credit of each stream, and of the connection as a whole
	StreamWindow uint32
	ConnWindow   uint32
	// percentage of a window consumed before a credit update is sent
	CreditThreshold int

	// MaxFramePayload bounds a decoded frame. FragmentSize is how large the
	// frames we cut writes into are.
	MaxFramePayload uint32
	FragmentSize    int

	// FlowControlTimeout is how long a write may wait without receiving any credit.
	// It is retried once before the write fails.
	FlowControlTimeout time.Duration

	// Version is stamped on every frame we send and required on every stream frame we receive.
	Version uint8
}

func (c *SessionConfig) applyDefaults() {
	if c.Valve == nil {
		c.Valve = UnlimitedValve()
	}
	if c.MaxStreams <= 0 {
		c.MaxStreams = defaultMaxStreams
	}
	if c.StreamWindow == 0 {
		c.StreamWindow = DefaultStreamWindow
	}
	if c.ConnWindow == 0 {
		c.ConnWindow = DefaultConnWindow
	}
	if c.MaxFramePayload == 0 {
		c.MaxFramePayload = DefaultMaxFramePayload
	}
	if c.FragmentSize <= 0 {
		c.FragmentSize = defaultFragmentSize
	}
	if c.FragmentSize > int(c.MaxFramePayload) {
		c.FragmentSize = int(c.MaxFramePayload)
	}
	if c.FlowControlTimeout <= 0 {
		c.FlowControlTimeout = defaultFlowControlTimeout
	}
	if c.Version == 0 {
		c.Version = ProtocolVersion
	}
}

var sessionCounter uint32

// A Session multiplexes Streams over one ordered byte pipe.
//
// All stream and credit bookkeeping belongs to a single event loop goroutine.
// Stream methods hand their work to the loop through cmds and wait for the
// outcome; nothing outside the loop touches the stream table.
type Session struct {
	id uint32

	SessionConfig

	codec Codec
	sb    *switchboard

	cmds      chan func()
	inbound   chan *Frame
	fatal     chan error
	acceptCh  chan *Stream
	controlCh chan []byte

	done chan struct{}
	// only read after done is closed
	err error

	// atomic
	creditSent     uint64
	creditReceived uint64
	exhausted      uint32

	// below is owned by the event loop
	streams       map[uint32]*Stream
	nextID        uint32
	highestPeerID uint32
	connSend      sendWindow
	connRecv      recvWindow
	loopErr       error
}

// MakeSession starts multiplexing over conn. The Session owns conn from now on
// and closes it when the Session ends.
func MakeSession(conn io.ReadWriteCloser, config SessionConfig) *Session {
	config.applyDefaults()
	sesh := &Session{
		id:            atomic.AddUint32(&sessionCounter, 1),
		SessionConfig: config,
		codec:         Codec{MaxPayload: config.MaxFramePayload},
		cmds:          make(chan func()),
		inbound:       make(chan *Frame),
		fatal:         make(chan error, 1),
		acceptCh:      make(chan *Stream, config.MaxStreams),
		controlCh:     make(chan []byte, controlBacklog),
		done:          make(chan struct{}),
		streams:       map[uint32]*Stream{},
		connSend:      sendWindow{credit: int64(config.ConnWindow)},
		connRecv:      newRecvWindow(config.ConnWindow, config.CreditThreshold),
	}
	if config.Initiator {
		sesh.nextID = 1
	} else {
		sesh.nextID = 2
	}
	sesh.sb = makeSwitchboard(sesh, conn)
	sesh.sb.start()
	go sesh.run()
	log.Debugf("session %v started, initiator=%v", sesh.id, config.Initiator)
	return sesh
}

func (sesh *Session) run() {
	defer sesh.teardown()
	for {
		select {
		case f := <-sesh.inbound:
			if err := sesh.handleFrame(f); err != nil {
				sesh.abort(protocolErr(err))
			}
		case cmd := <-sesh.cmds:
			cmd()
		case err := <-sesh.fatal:
			sesh.abort(err)
		}
		if sesh.loopErr != nil {
			return
		}
	}
}

// abort ends the loop after the current event. The first error wins.
func (sesh *Session) abort(err error) {
	if sesh.loopErr == nil {
		sesh.loopErr = err
	}
}

// fail may be called from any goroutine.
func (sesh *Session) fail(err error) {
	select {
	case sesh.fatal <- err:
	default:
	}
}

func (sesh *Session) teardown() {
	err := sesh.loopErr
	sesh.err = err
	close(sesh.done)

	for _, s := range sesh.streams {
		s.failWrites(err)
		if !s.remoteEnded {
			s.recvBuf.Fail(err)
		}
		s.setState(StreamClosed)
		s.markBroken()
	}
	sesh.streams = nil
	graceful := errors.Is(err, ErrBrokenSession)
	// only the side that sent GOAWAY waits for the other to hang up
	sesh.sb.shutdown(graceful, err == ErrBrokenSession)
	if graceful {
		log.Debugf("session %v closed: %v", sesh.id, err)
	} else {
		log.Errorf("session %v torn down: %v", sesh.id, err)
	}
}

// submit hands cmd to the event loop without waiting for it to run.
func (sesh *Session) submit(cmd func()) error {
	select {
	case sesh.cmds <- cmd:
		return nil
	case <-sesh.done:
		return sesh.err
	}
}

// call runs fn on the event loop and returns its result.
func (sesh *Session) call(fn func() error) error {
	res := make(chan error, 1)
	if err := sesh.submit(func() { res <- fn() }); err != nil {
		return err
	}
	return <-res
}

func (sesh *Session) isLocalID(id uint32) bool { return (id%2 == 1) == sesh.Initiator }

// OpenStream allocates the next local stream id and announces it to the peer.
func (sesh *Session) OpenStream() (*Stream, error) {
	var stream *Stream
	err := sesh.call(func() error {
		if atomic.LoadUint32(&sesh.exhausted) == 1 {
			return ErrStreamIDExhausted
		}
		if len(sesh.streams) >= sesh.MaxStreams {
			return ErrStreamLimitExceeded
		}
		id := sesh.nextID
		if id > math.MaxUint32-2 {
			atomic.StoreUint32(&sesh.exhausted, 1)
			log.Warnf("session %v used its last stream id", sesh.id)
		} else {
			sesh.nextID += 2
		}
		stream = makeStream(sesh, id)
		sesh.streams[id] = stream
		// empty opening frame so the peer can accept before any data is written
		sesh.sendFrame(stream, 0, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Tracef("stream %v of session %v opened", stream.id, sesh.id)
	return stream, nil
}

// Accept blocks until the peer opens a stream.
func (sesh *Session) Accept() (*Stream, error) {
	select {
	case s := <-sesh.acceptCh:
		log.Tracef("stream %v of session %v accepted", s.id, sesh.id)
		return s, nil
	case <-sesh.done:
		return nil, sesh.err
	}
}

// SendControl sends payload on the connection's control channel (stream 0).
func (sesh *Session) SendControl(payload []byte) error {
	if uint64(len(payload)) > uint64(sesh.MaxFramePayload) {
		return ErrFrameTooLarge
	}
	return sesh.call(func() error {
		sesh.sendControlFrame(FlagControl, payload)
		return nil
	})
}

// ReadControl waits for the next control payload from the peer.
func (sesh *Session) ReadControl(ctx context.Context) ([]byte, error) {
	select {
	case p := <-sesh.controlCh:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sesh.done:
		return nil, sesh.err
	}
}

// Close tells the peer we are going away and tears the session down. Whatever
// is already queued is still written out.
func (sesh *Session) Close() error {
	err := sesh.call(func() error {
		sesh.sendControlFrame(FlagControl|FlagEndStream, nil)
		sesh.abort(ErrBrokenSession)
		return nil
	})
	if err != nil {
		return errRepeatSessionClosing
	}
	<-sesh.done
	return nil
}

func (sesh *Session) IsClosed() bool {
	select {
	case <-sesh.done:
		return true
	default:
		return false
	}
}

// Done is closed once the session has ended.
func (sesh *Session) Done() <-chan struct{} { return sesh.done }

// Err is why the session ended, or nil while it is alive.
func (sesh *Session) Err() error {
	select {
	case <-sesh.done:
		return sesh.err
	default:
		return nil
	}
}

// NeedsRotation reports that stream ids have run out and the connection should be replaced.
func (sesh *Session) NeedsRotation() bool { return atomic.LoadUint32(&sesh.exhausted) == 1 }

func (sesh *Session) NumStreams() int {
	var n int
	_ = sesh.call(func() error {
		n = len(sesh.streams)
		return nil
	})
	return n
}

func (sesh *Session) CreditUpdatesSent() uint64     { return atomic.LoadUint64(&sesh.creditSent) }
func (sesh *Session) CreditUpdatesReceived() uint64 { return atomic.LoadUint64(&sesh.creditReceived) }

func (sesh *Session) sendFrame(s *Stream, flags Flag, payload []byte) {
	f := &Frame{StreamID: s.id, Seq: s.sendSeq, Flags: flags, Version: sesh.Version, Payload: payload}
	s.sendSeq++
	sesh.writeFrame(f)
}

func (sesh *Session) sendControlFrame(flags Flag, payload []byte) {
	sesh.writeFrame(&Frame{StreamID: 0, Flags: flags, Version: sesh.Version, Payload: payload})
}

func (sesh *Session) writeFrame(f *Frame) {
	buf, err := sesh.codec.Encode(f)
	if err != nil {
		// payloads are cut to FragmentSize, which never exceeds the frame limit
		sesh.abort(protocolErr(err))
		return
	}
	log.Tracef("session %v: send stream %v seq %v %v len %v", sesh.id, f.StreamID, f.Seq, f.Flags, len(f.Payload))
	sesh.sb.send(buf)
}

func (sesh *Session) handleFrame(f *Frame) error {
	if f.StreamID == 0 {
		return sesh.handleControl(f)
	}
	if f.Version != sesh.Version {
		return fmt.Errorf("%w: stream %v carries version %v, want %v", ErrVersionMismatch, f.StreamID, f.Version, sesh.Version)
	}
	s, ok := sesh.streams[f.StreamID]
	if !ok {
		var err error
		s, err = sesh.peerStream(f)
		if err != nil || s == nil {
			return err
		}
	}
	return sesh.deliver(s, f)
}

// peerStream finds out what a frame for an unknown stream id means. A nil
// stream with a nil error means the frame is to be dropped.
func (sesh *Session) peerStream(f *Frame) (*Stream, error) {
	id := f.StreamID
	if sesh.isLocalID(id) {
		if id < sesh.nextID || sesh.NeedsRotation() {
			// late frame for a stream we have finished with
			return nil, sesh.absorb(f)
		}
		return nil, fmt.Errorf("%w: frame for unopened local stream %v", ErrMalformedFrame, id)
	}
	if id <= sesh.highestPeerID {
		if f.Seq == 0 && !f.has(FlagReset) {
			return nil, fmt.Errorf("%w: %v", ErrStreamIDReuse, id)
		}
		return nil, sesh.absorb(f)
	}
	if f.Seq != 0 {
		return nil, fmt.Errorf("%w: stream %v opened with seq %v", ErrSequence, id, f.Seq)
	}
	sesh.highestPeerID = id
	if f.has(FlagReset) {
		return nil, nil
	}
	stream := makeStream(sesh, id)
	if len(sesh.streams) >= sesh.MaxStreams {
		log.Warnf("session %v refusing stream %v: %v", sesh.id, id, ErrStreamLimitExceeded)
		sesh.refuse(stream)
		return nil, sesh.absorb(f)
	}
	select {
	case sesh.acceptCh <- stream:
	default:
		log.Warnf("session %v refusing stream %v: accept backlog full", sesh.id, id)
		sesh.refuse(stream)
		return nil, sesh.absorb(f)
	}
	sesh.streams[id] = stream
	return stream, nil
}

func (sesh *Session) refuse(s *Stream) {
	sesh.sendFrame(s, FlagReset, []byte{byte(ResetRefused)})
}

// absorb accounts for data arriving on a stream we no longer track, so that
// the connection window is not leaked.
func (sesh *Session) absorb(f *Frame) error {
	if f.has(FlagCreditUpdate) || f.has(FlagReset) || len(f.Payload) == 0 {
		return nil
	}
	if err := sesh.connRecv.receive(len(f.Payload)); err != nil {
		return err
	}
	sesh.consumed(f.StreamID, len(f.Payload))
	return nil
}

func (sesh *Session) handleControl(f *Frame) error {
	switch {
	case f.has(FlagCreditUpdate):
		sesh.connSend.grant(parseCredit(f))
		atomic.AddUint64(&sesh.creditReceived, 1)
		return sesh.pumpAll()
	case f.Flags == FlagControl|FlagEndStream:
		log.Debugf("session %v: peer is going away", sesh.id)
		sesh.abort(errClosedByPeer)
		return nil
	default:
		select {
		case sesh.controlCh <- f.Payload:
		default:
			log.Warnf("session %v: control backlog full, dropping %v bytes", sesh.id, len(f.Payload))
		}
		return nil
	}
}

func (sesh *Session) deliver(s *Stream, f *Frame) error {
	if f.Seq != s.recvSeq {
		if f.Seq == 0 {
			return fmt.Errorf("%w: %v", ErrStreamIDReuse, s.id)
		}
		return fmt.Errorf("%w: stream %v expected %v got %v", ErrSequence, s.id, s.recvSeq, f.Seq)
	}
	s.recvSeq++

	switch {
	case f.has(FlagReset):
		sesh.dropStream(s, &StreamResetError{Code: ResetCode(f.Payload[0])})
		return nil
	case f.has(FlagCreditUpdate):
		s.send.grant(parseCredit(f))
		atomic.AddUint64(&sesh.creditReceived, 1)
		return sesh.pump(s)
	}

	if s.remoteEnded {
		return fmt.Errorf("%w: stream %v", ErrWriteAfterClose, s.id)
	}
	if n := len(f.Payload); n > 0 {
		if err := s.recv.receive(n); err != nil {
			return fmt.Errorf("stream %v: %w", s.id, err)
		}
		if err := sesh.connRecv.receive(n); err != nil {
			return fmt.Errorf("connection: %w", err)
		}
		if s.discard {
			sesh.consumed(s.id, n)
		} else {
			_, _ = s.recvBuf.Write(f.Payload)
		}
	}
	if f.has(FlagEndStream) {
		s.remoteEnded = true
		sesh.settle(s)
		s.recvBuf.CloseWrite()
	}
	return nil
}

// consumed is told about every byte taken off a stream, read or discarded. It
// replenishes the peer's credit once the threshold is crossed.
func (sesh *Session) consumed(id uint32, n int) {
	if s, ok := sesh.streams[id]; ok && !s.remoteEnded {
		if upd, due := s.recv.consume(n); due {
			sesh.sendFrame(s, FlagCreditUpdate, creditPayload(upd))
			atomic.AddUint64(&sesh.creditSent, 1)
		}
	}
	if upd, due := sesh.connRecv.consume(n); due {
		sesh.sendControlFrame(FlagCreditUpdate, creditPayload(upd))
		atomic.AddUint64(&sesh.creditSent, 1)
	}
}

// settle moves s to the state its two directions describe, and forgets it once both have ended.
func (sesh *Session) settle(s *Stream) {
	switch {
	case s.localEnded && s.remoteEnded:
		s.setState(StreamClosed)
		delete(sesh.streams, s.id)
		log.Tracef("stream %v of session %v closed", s.id, sesh.id)
	case s.localEnded:
		s.setState(StreamHalfClosedLocal)
	case s.remoteEnded:
		s.setState(StreamHalfClosedRemote)
	}
}

// dropStream ends s abortively.
func (sesh *Session) dropStream(s *Stream, err error) {
	s.resetErr = err
	s.setState(StreamClosed)
	delete(sesh.streams, s.id)
	s.failWrites(err)
	s.markBroken()
	if dropped := s.recvBuf.Fail(err); dropped > 0 {
		sesh.consumed(0, dropped)
	}
	log.Debugf("stream %v of session %v reset: %v", s.id, sesh.id, err)
}

func (sesh *Session) queueWrite(s *Stream, req *writeReq) {
	switch {
	case s.resetErr != nil:
		req.finish(s.resetErr)
		return
	case s.endQueued:
		req.finish(&fault.ProtocolError{Err: ErrWriteAfterClose})
		return
	}
	if req.end {
		s.endQueued = true
	}
	s.writes = append(s.writes, req)
	if err := sesh.pump(s); err != nil {
		sesh.abort(protocolErr(err))
	}
}

// pump puts as much of s's queued writes on the wire as credit allows.
func (sesh *Session) pump(s *Stream) error {
	for len(s.writes) > 0 {
		req := s.writes[0]
		if req.end {
			sesh.sendFrame(s, FlagEndStream, nil)
			s.localEnded = true
			s.writes = s.writes[1:]
			sesh.settle(s)
			req.finish(nil)
			continue
		}
		for req.off < len(req.data) {
			n := len(req.data) - req.off
			if n > sesh.FragmentSize {
				n = sesh.FragmentSize
			}
			if c := s.send.available(); int64(n) > c {
				n = int(c)
			}
			if c := sesh.connSend.available(); int64(n) > c {
				n = int(c)
			}
			if n <= 0 {
				// parked until credit arrives
				return nil
			}
			if err := s.send.take(n); err != nil {
				return err
			}
			if err := sesh.connSend.take(n); err != nil {
				return err
			}
			sesh.sendFrame(s, 0, req.data[req.off:req.off+n])
			req.off += n
			req.notify()
		}
		s.writes = s.writes[1:]
		req.finish(nil)
	}
	return nil
}

func (sesh *Session) pumpAll() error {
	for _, s := range sesh.streams {
		if len(s.writes) == 0 {
			continue
		}
		if err := sesh.pump(s); err != nil {
			return err
		}
	}
	return nil
}

// cancelWrite gives up on req if it is still queued, resetting the stream
// since part of it may already be on the wire.
func (sesh *Session) cancelWrite(s *Stream, req *writeReq, err error) {
	if req.finished {
		return
	}
	if _, live := sesh.streams[s.id]; live && s.resetErr == nil {
		sesh.sendFrame(s, FlagReset, []byte{byte(ResetCancel)})
		sesh.dropStream(s, err)
		return
	}
	for i, r := range s.writes {
		if r == req {
			s.writes = append(s.writes[:i], s.writes[i+1:]...)
			break
		}
	}
	req.finish(err)
}

// await waits on req while the loop works on it, giving up only after two
// consecutive flow control timeouts without progress.
func (sesh *Session) await(s *Stream, req *writeReq) error {
	timer := time.NewTimer(sesh.FlowControlTimeout)
	defer timer.Stop()
	retried := false
	for {
		select {
		case err := <-req.done:
			return err
		case <-req.progress:
			retried = false
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(sesh.FlowControlTimeout)
		case <-timer.C:
			if !retried {
				retried = true
				log.Debugf("stream %v of session %v still waiting for credit", s.id, sesh.id)
				timer.Reset(sesh.FlowControlTimeout)
				continue
			}
			err := sesh.submit(func() { sesh.cancelWrite(s, req, ErrFlowControlTimeout) })
			if err != nil {
				return err
			}
			return <-req.done
		}
	}
}

func transportErr(op string, err error) error { return &fault.TransportError{Op: op, Err: err} }

func protocolErr(err error) error {
	var pe *fault.ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return &fault.ProtocolError{Err: err}
}

func isMalformed(err error) bool { return errors.Is(err, ErrMalformedFrame) }
