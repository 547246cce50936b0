// Package agent is the remote end: it serves requests arriving on a
// multiplexed session and relays streams on to further hops.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"sync"

	"github.com/Sebx/mitoxide/internal/bootstrap"
	"github.com/Sebx/mitoxide/internal/multiplex"
	"github.com/Sebx/mitoxide/internal/proto"
	log "github.com/sirupsen/logrus"
)

// HandlerFunc serves one request. It either returns the final response, or
// an error that is turned into one. Streamed output goes through out first.
type HandlerFunc func(ctx context.Context, req *proto.Message, out *Output) (*proto.Message, error)

// Router dispatches requests to handlers by kind. Each stream carries one
// request and is served on its own goroutine.
type Router struct {
	Hello proto.Hello

	mu       sync.RWMutex
	handlers map[proto.Kind]HandlerFunc
	wg       sync.WaitGroup
}

// NewRouter returns a router with the built in handlers registered.
func NewRouter(hello proto.Hello) *Router {
	r := &Router{Hello: hello, handlers: make(map[proto.Kind]HandlerFunc)}
	r.Handle(proto.KindProcessExec, execProcess)
	r.Handle(proto.KindFileGet, getFile)
	r.Handle(proto.KindFilePut, putFile)
	r.Handle(proto.KindDirList, listDir)
	r.Handle(proto.KindPing, ping)
	return r
}

func (r *Router) Handle(kind proto.Kind, h HandlerFunc) {
	r.mu.Lock()
	r.handlers[kind] = h
	r.mu.Unlock()
}

func (r *Router) handler(kind proto.Kind) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[kind]
}

func (r *Router) capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var caps []string
	for k := range r.handlers {
		caps = append(caps, k.String())
	}
	sort.Strings(caps)
	return caps
}

// Serve answers the handshake and serves streams until the session ends or
// ctx is cancelled, then waits for in flight requests to finish.
func (r *Router) Serve(ctx context.Context, sesh *multiplex.Session) error {
	stop := context.AfterFunc(ctx, func() { _ = sesh.Close() })
	defer stop()

	hello := r.Hello
	hello.Capabilities = r.capabilities()
	go func() {
		err := bootstrap.AnswerHello(ctx, sesh, hello, func(m *proto.Message) {
			log.Debugf("control: ignoring %v %v", m.Type, m.Kind)
		})
		log.Tracef("control: %v", err)
	}()

	defer r.wg.Wait()
	for {
		s, err := sesh.Accept()
		if err != nil {
			if errors.Is(err, multiplex.ErrBrokenSession) {
				return nil
			}
			return err
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.serveStream(ctx, s)
		}()
	}
}

func (r *Router) serveStream(ctx context.Context, s *multiplex.Stream) {
	defer s.Close()
	req, err := proto.NewReader(s).Read()
	if err != nil {
		if err != io.EOF {
			log.Debugf("stream %v: unreadable request: %v", s.ID(), err)
			_ = s.Reset(multiplex.ResetInternal)
		}
		return
	}
	out := &Output{stream: s, req: req}
	if err := req.Validate(); err != nil || req.Type != proto.TypeRequest {
		if err == nil {
			err = fmt.Errorf("expected a request, got %v", req.Type)
		}
		out.finish(proto.NewErrorResponse(req.ID, req.Kind, proto.CodeInvalidRequest, err.Error()))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.Broken():
			cancel()
		case <-ctx.Done():
		}
	}()

	h := r.handler(req.Kind)
	if h == nil {
		out.finish(proto.NewErrorResponse(req.ID, req.Kind, proto.CodeUnsupported, fmt.Sprintf("%v is not supported by this agent", req.Kind)))
		return
	}
	log.Debugf("stream %v: %v request %v", s.ID(), req.Kind, req.ID)
	resp, err := h(ctx, req, out)
	if out.hijacked {
		return
	}
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// the caller went away, nobody to answer
			log.Debugf("stream %v: %v request %v abandoned", s.ID(), req.Kind, req.ID)
			return
		}
		resp = errorResponse(req, err)
	}
	out.finish(resp)
}

// Output carries what a handler sends before its final response.
type Output struct {
	mu       sync.Mutex
	stream   *multiplex.Stream
	req      *proto.Message
	hijacked bool
}

func (o *Output) write(m *proto.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return proto.WriteMessage(o.stream, m)
}

func (o *Output) finish(resp *proto.Message) {
	if err := o.write(resp); err != nil {
		log.Debugf("stream %v: writing response: %v", o.stream.ID(), err)
		return
	}
	_ = o.stream.CloseWrite()
}

// Send emits a chunk of streamed output.
func (o *Output) Send(ch proto.Channel, data []byte) error {
	return o.write(proto.NewStreamData(o.req, ch, data))
}

// Writer returns an io.Writer sending everything written as chunks on ch.
func (o *Output) Writer(ch proto.Channel) io.Writer { return &chanWriter{o: o, ch: ch} }

// Hijack takes the stream over. The router writes nothing more to it.
func (o *Output) Hijack() *multiplex.Stream {
	o.hijacked = true
	return o.stream
}

type chanWriter struct {
	o  *Output
	ch proto.Channel
}

func (w *chanWriter) Write(p []byte) (int, error) {
	if err := w.o.Send(w.ch, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Fail builds an error carrying a distinct error code back to the caller.
func Fail(code proto.ErrorCode, format string, a ...interface{}) error {
	return &proto.ErrorDetails{Code: code, Message: fmt.Sprintf(format, a...)}
}

func errorResponse(req *proto.Message, err error) *proto.Message {
	var details *proto.ErrorDetails
	if errors.As(err, &details) {
		resp := proto.NewErrorResponse(req.ID, req.Kind, details.Code, details.Message)
		resp.Error.Context = details.Context
		return resp
	}
	code := proto.CodeInternalError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = proto.CodeTimeout
	case errors.Is(err, context.Canceled):
		code = proto.CodeCancelled
	case errors.Is(err, fs.ErrNotExist):
		code = proto.CodeFileNotFound
	case errors.Is(err, fs.ErrPermission):
		code = proto.CodePermissionDenied
	case errors.Is(err, proto.ErrMalformedMessage):
		code = proto.CodeInvalidRequest
	}
	return proto.NewErrorResponse(req.ID, req.Kind, code, err.Error())
}
