package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"time"

	"github.com/Sebx/mitoxide/internal/fault"
	"github.com/Sebx/mitoxide/internal/multiplex"
	"github.com/Sebx/mitoxide/internal/proto"
	log "github.com/sirupsen/logrus"
)

// Context issues requests to the agent at the end of a route. It holds no
// reference to the connection, only a handle the Router resolves per call.
type Context struct {
	r    *Router
	slot int
	gen  uint32
}

func (c *Context) target() (*link, int, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	s, err := c.r.resolve(c.slot, c.gen)
	if err != nil {
		return nil, 0, err
	}
	return s.link, len(s.route), nil
}

// Route is the hop list the Context was connected with.
func (c *Context) Route() []proto.Hop {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	s, err := c.r.resolve(c.slot, c.gen)
	if err != nil {
		return nil
	}
	return s.route
}

// Peer is the handshake answer of the agent the Context talks to.
func (c *Context) Peer() *proto.Hello {
	l, _, err := c.target()
	if err != nil {
		return nil
	}
	return l.peer
}

// Close cancels outstanding calls and lets go of the route's connections.
// Calls waiting for a response get a locally made Cancelled one.
func (c *Context) Close() error {
	l, calls, err := c.r.unbind(c.slot, c.gen)
	if err != nil {
		return err
	}
	for _, call := range calls {
		call.abort(errClosed)
	}
	c.r.release(chainOf(l))
	return nil
}

var errClosed = errors.New("closed")

// Call is one request in flight on its own stream.
type Call struct {
	c        *Context
	req      *proto.Message
	link     *link
	routeLen int
	stream   *multiplex.Stream
	reader   *proto.Reader

	timer   *time.Timer
	stopCtx func() bool

	mu       sync.Mutex
	aborted  error
	finished bool
}

// OpenStream sends req and returns the call, whose StreamData and final
// Response are read with Next.
func (c *Context) OpenStream(ctx context.Context, req *proto.Message) (*Call, error) {
	c.r.mu.Lock()
	s, err := c.r.resolve(c.slot, c.gen)
	if err != nil {
		c.r.mu.Unlock()
		return nil, err
	}
	l, routeLen := s.link, len(s.route)
	c.r.mu.Unlock()

	stream, err := l.sesh.OpenStream()
	if err != nil {
		return nil, c.r.attribute(l, routeLen, err)
	}
	call := &Call{c: c, req: req, link: l, routeLen: routeLen, stream: stream, reader: proto.NewReader(stream)}

	c.r.mu.Lock()
	if s, err = c.r.resolve(c.slot, c.gen); err != nil {
		c.r.mu.Unlock()
		_ = stream.Reset(multiplex.ResetCancel)
		return nil, err
	}
	s.pending[call] = struct{}{}
	c.r.mu.Unlock()

	timeout := c.r.opts.RequestTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	call.timer = time.AfterFunc(timeout, func() { call.abort(fault.ErrTimeout) })
	call.stopCtx = context.AfterFunc(ctx, func() { call.abort(ctx.Err()) })

	err = proto.WriteMessage(stream, req)
	if err == nil {
		err = stream.CloseWrite()
	}
	if err != nil {
		if err = call.fail(err); err == nil {
			err = ErrContextClosed
		}
		call.Close()
		return nil, err
	}
	return call, nil
}

// abort ends the call locally with why, which the next read reports.
func (call *Call) abort(why error) {
	call.mu.Lock()
	if call.aborted != nil || call.finished {
		call.mu.Unlock()
		return
	}
	call.aborted = why
	call.mu.Unlock()
	_ = call.stream.Reset(multiplex.ResetCancel)
}

func (call *Call) id() string { return call.req.ID.String() }

// fail explains a read or write error on the call's stream.
func (call *Call) fail(err error) error {
	call.mu.Lock()
	why := call.aborted
	call.mu.Unlock()
	switch {
	case why == fault.ErrTimeout:
		return &fault.RequestError{ID: call.id(), Code: string(proto.CodeTimeout), Err: fault.ErrTimeout}
	case why != nil && why != errClosed:
		return &fault.RequestError{ID: call.id(), Code: string(proto.CodeCancelled), Err: fmt.Errorf("%w: %v", fault.ErrCancelled, why)}
	case why == errClosed:
		return nil
	}
	if err == io.EOF {
		return &fault.ProtocolError{Err: fmt.Errorf("stream of request %v ended without a response", call.id())}
	}
	return call.c.r.attribute(call.link, call.routeLen, err)
}

// Next returns the next message for the call: StreamData, then the Response.
// After the Response it returns io.EOF.
func (call *Call) Next() (*proto.Message, error) {
	call.mu.Lock()
	done := call.finished
	call.mu.Unlock()
	if done {
		return nil, io.EOF
	}
	m, err := call.reader.Read()
	if err != nil {
		if ferr := call.fail(err); ferr != nil {
			return nil, ferr
		}
		// Context closed under us
		m = proto.NewErrorResponse(call.req.ID, call.req.Kind, proto.CodeCancelled, "context closed")
	} else if m.ID != call.req.ID {
		_ = call.stream.Reset(multiplex.ResetInternal)
		return nil, &fault.ProtocolError{Err: fmt.Errorf("response %v on the stream of request %v", m.ID, call.req.ID)}
	}
	if m.Type == proto.TypeResponse {
		call.mu.Lock()
		call.finished = true
		call.mu.Unlock()
		call.Close()
	}
	return m, nil
}

// Close abandons the call if it has not finished.
func (call *Call) Close() {
	call.timer.Stop()
	call.stopCtx()
	call.mu.Lock()
	finished := call.finished
	call.mu.Unlock()
	if !finished {
		call.abort(errClosed)
	}
	_ = call.stream.Close()

	r := call.c.r
	r.mu.Lock()
	if s, err := r.resolve(call.c.slot, call.c.gen); err == nil {
		delete(s.pending, call)
	}
	r.mu.Unlock()
}

// Call sends req and waits for its response, skipping any streamed output.
// A response that is not OK comes back along with a *fault.RequestError.
func (c *Context) Call(ctx context.Context, req *proto.Message) (*proto.Message, error) {
	call, err := c.OpenStream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer call.Close()
	for {
		m, err := call.Next()
		if err != nil {
			return nil, err
		}
		if m.Type != proto.TypeResponse {
			log.Tracef("request %v: dropping %v on channel %v", req.ID, m.Type, m.Channel)
			continue
		}
		if err := m.Err(); err != nil {
			var details *proto.ErrorDetails
			code := ""
			if errors.As(err, &details) {
				code = string(details.Code)
			}
			if details != nil && details.Code == proto.CodeCancelled {
				err = fmt.Errorf("%w: %v", fault.ErrCancelled, details.Message)
			}
			return m, &fault.RequestError{ID: req.ID.String(), Code: code, Err: err}
		}
		return m, nil
	}
}

func (c *Context) call(ctx context.Context, kind proto.Kind, body, result interface{}) error {
	req, err := proto.NewRequest(kind, body)
	if err != nil {
		return err
	}
	resp, err := c.Call(ctx, req)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := resp.Decode(result); err != nil {
		return &fault.ProtocolError{Err: err}
	}
	return nil
}

// Exec runs a command on the target and waits for it.
func (c *Context) Exec(ctx context.Context, p *proto.ProcessExec) (*proto.ProcessResult, error) {
	var res proto.ProcessResult
	if err := c.call(ctx, proto.KindProcessExec, p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Context) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var fc proto.FileContent
	if err := c.call(ctx, proto.KindFileGet, &proto.FileGet{Path: path}, &fc); err != nil {
		return nil, err
	}
	return fc.Content, nil
}

// WriteFile replaces path on the target, creating missing directories.
func (c *Context) WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error {
	return c.call(ctx, proto.KindFilePut, &proto.FilePut{Path: path, Content: data, Mode: uint32(mode.Perm()), CreateDirs: true}, nil)
}

func (c *Context) ListDir(ctx context.Context, p *proto.DirList) ([]proto.DirEntry, error) {
	var listing proto.DirListing
	if err := c.call(ctx, proto.KindDirList, p, &listing); err != nil {
		return nil, err
	}
	return listing.Entries, nil
}

// Ping measures a round trip to the agent.
func (c *Context) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var pong proto.Pong
	if err := c.call(ctx, proto.KindPing, &proto.Ping{Timestamp: start.UnixMilli()}, &pong); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
