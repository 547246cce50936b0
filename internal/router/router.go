// Package router is the client side: it brings up connections along routes
// of hops and hands out Contexts that issue requests over them.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Sebx/mitoxide/internal/bootstrap"
	"github.com/Sebx/mitoxide/internal/fault"
	"github.com/Sebx/mitoxide/internal/multiplex"
	"github.com/Sebx/mitoxide/internal/proto"
	"github.com/Sebx/mitoxide/internal/transport"
	log "github.com/sirupsen/logrus"
)

const DefaultRequestTimeout = 30 * time.Second

var ErrContextClosed = errors.New("context closed")
var ErrRouterClosed = errors.New("router closed")

type Options struct {
	Spawner    transport.Spawner
	Agents     *bootstrap.Agents
	Strategies []bootstrap.Strategy

	// Probe overrides the platform probe of first hops
	Probe func(ctx context.Context, sh *transport.Shell) (*bootstrap.Platform, error)

	Session multiplex.SessionConfig
	// NewValve, when set, rate limits each connection separately
	NewValve func() *multiplex.Valve

	Hello            proto.Hello
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration

	// OnState sees bootstrap progress of first hops
	OnState func(hop int, s bootstrap.State)
}

// link is one live connection to a hop. The first hop's runs over a spawned
// process, later hops' over a relayed stream of their parent.
type link struct {
	key    string
	hop    int
	target proto.Hop
	parent *link

	sesh  *multiplex.Session
	proc  transport.Process
	relay *multiplex.Stream
	peer  *proto.Hello

	// guarded by Router.mu
	refs    int
	shipped bool
}

type slot struct {
	gen     uint32
	route   []proto.Hop
	link    *link
	pending map[*Call]struct{}
	live    bool
}

// Router shares connections between Contexts whose routes have a common
// prefix. Contexts refer to their slot by index and generation only.
type Router struct {
	opts Options

	mu     sync.Mutex
	links  map[string]*link
	slots  []slot
	free   []int
	closed bool
}

func New(opts Options) *Router {
	if opts.Agents == nil {
		opts.Agents = bootstrap.NewAgents(nil)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Hello.Version == 0 {
		opts.Hello.Version = proto.Version
	}
	return &Router{opts: opts, links: make(map[string]*link)}
}

func routeKey(route []proto.Hop) string {
	parts := make([]string, len(route))
	for i, h := range route {
		parts[i] = h.String()
	}
	return strings.Join(parts, ",")
}

// Connect brings up every hop of route not already connected and returns a
// Context bound to the last one. Nothing is kept from a failed attempt.
func (r *Router) Connect(ctx context.Context, route []proto.Hop) (*Context, error) {
	if len(route) == 0 {
		return nil, errors.New("empty route")
	}
	var chain []*link
	var parent *link
	for i, hop := range route {
		key := routeKey(route[:i+1])
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			r.release(chain)
			return nil, ErrRouterClosed
		}
		l := r.links[key]
		if l != nil && !l.sesh.IsClosed() && !l.sesh.NeedsRotation() {
			l.refs++
			r.mu.Unlock()
			log.WithField("hop", i).Debugf("reusing connection to %v", hop)
			chain = append(chain, l)
			parent = l
			continue
		}
		r.mu.Unlock()

		l, err := r.dial(ctx, key, i, hop, parent)
		if err != nil {
			r.release(chain)
			if len(route) > 1 {
				err = &fault.RouteError{Hop: i, Target: hop.String(), Err: err}
			}
			return nil, err
		}
		r.mu.Lock()
		if existing := r.links[key]; existing != nil && !existing.sesh.IsClosed() && !existing.sesh.NeedsRotation() {
			// a concurrent Connect got there first
			existing.refs++
			r.mu.Unlock()
			r.closeLink(l)
			l = existing
		} else {
			l.refs = 1
			r.links[key] = l
			r.mu.Unlock()
			go r.watch(l)
		}
		chain = append(chain, l)
		parent = l
	}
	return r.bind(route, parent), nil
}

func (r *Router) dial(ctx context.Context, key string, i int, hop proto.Hop, parent *link) (*link, error) {
	l := &link{key: key, hop: i, target: hop, parent: parent}
	logger := log.WithField("hop", i)
	cfg := r.opts.Session
	cfg.Initiator = true
	if r.opts.NewValve != nil {
		cfg.Valve = r.opts.NewValve()
	}

	if parent == nil {
		logger.Infof("connecting to %v", hop)
		proc, err := r.opts.Spawner.Spawn(ctx, hop)
		if err != nil {
			return nil, &fault.BootstrapError{Phase: fault.PhaseSpawn, Err: err}
		}
		sq := &bootstrap.Sequencer{
			Agents:           r.opts.Agents,
			Strategies:       r.opts.Strategies,
			Probe:            r.opts.Probe,
			Session:          cfg,
			Hello:            r.opts.Hello,
			HandshakeTimeout: r.opts.HandshakeTimeout,
		}
		if r.opts.OnState != nil {
			sq.OnState = func(s bootstrap.State) { r.opts.OnState(i, s) }
		}
		res, err := sq.Run(ctx, proc)
		if err != nil {
			_ = proc.Close()
			return nil, err
		}
		logger.Infof("agent on %v ready (%v/%v via %v)", hop, res.Platform.OS, res.Platform.Arch, res.Strategy)
		l.sesh, l.proc, l.peer = res.Session, proc, res.Peer
		return l, nil
	}

	if !parent.peer.Supports(proto.KindRelay) {
		return nil, fmt.Errorf("%w: agent on %v cannot relay", fault.ErrIncompatibleAgent, parent.target)
	}
	logger.Infof("connecting to %v through %v", hop, parent.target)
	s, err := parent.sesh.OpenStream()
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = s.Reset(multiplex.ResetCancel)
		}
	}()

	body := proto.Relay{Next: hop}
	r.mu.Lock()
	if !parent.shipped {
		body.Agents = r.opts.Agents.Binaries()
	}
	r.mu.Unlock()
	req, err := proto.NewRequest(proto.KindRelay, &body)
	if err != nil {
		return nil, err
	}
	if err := proto.WriteMessage(s, req); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Reset(multiplex.ResetCancel) })
	resp, err := proto.ReadOne(s)
	if !stop() {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	parent.shipped = true
	r.mu.Unlock()
	if resp.Type != proto.TypeResponse || resp.ID != req.ID {
		return nil, &fault.ProtocolError{Err: fmt.Errorf("unexpected %v %v answering relay %v", resp.Type, resp.ID, req.ID)}
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	var res proto.RelayResult
	if err := resp.Decode(&res); err != nil {
		return nil, &fault.ProtocolError{Err: err}
	}

	sesh := multiplex.MakeSession(s, cfg)
	peer, err := bootstrap.Handshake(ctx, sesh, r.opts.Hello, r.opts.HandshakeTimeout)
	if err != nil {
		_ = sesh.Close()
		return nil, &fault.BootstrapError{Phase: fault.PhaseHandshake, Err: err}
	}
	ok = true
	logger.Infof("agent on %v ready (%v/%v via %v)", hop, res.OS, res.Arch, res.Strategy)
	l.sesh, l.relay, l.peer = sesh, s, peer
	return l, nil
}

func (r *Router) watch(l *link) {
	<-l.sesh.Done()
	err := l.sesh.Err()
	r.mu.Lock()
	if r.links[l.key] == l {
		delete(r.links, l.key)
	}
	r.mu.Unlock()
	logger := log.WithField("hop", l.hop)
	if errors.Is(err, multiplex.ErrBrokenSession) {
		logger.Debugf("connection to %v closed", l.target)
	} else {
		logger.Warnf("connection to %v lost: %v", l.target, err)
	}
	if l.proc != nil {
		_ = l.proc.Close()
	}
}

func (r *Router) closeLink(l *link) {
	_ = l.sesh.Close()
	if l.proc != nil {
		_ = l.proc.Close()
	}
}

// release drops one reference on every link of chain, closing those no longer
// used. Later hops go first since they run over earlier ones.
func (r *Router) release(chain []*link) {
	var dead []*link
	r.mu.Lock()
	for i := len(chain) - 1; i >= 0; i-- {
		l := chain[i]
		l.refs--
		if l.refs <= 0 {
			if r.links[l.key] == l {
				delete(r.links, l.key)
			}
			dead = append(dead, l)
		}
	}
	r.mu.Unlock()
	for _, l := range dead {
		r.closeLink(l)
	}
}

func chainOf(l *link) []*link {
	var chain []*link
	for ; l != nil; l = l.parent {
		chain = append([]*link{l}, chain...)
	}
	return chain
}

// attribute explains a failure on l's chain by the first connection that
// died, counting from the client.
func (r *Router) attribute(l *link, routeLen int, err error) error {
	for _, c := range chainOf(l) {
		if !c.sesh.IsClosed() {
			continue
		}
		cause := c.sesh.Err()
		if routeLen > 1 {
			return &fault.RouteError{Hop: c.hop, Target: c.target.String(), Err: cause}
		}
		return cause
	}
	return err
}

func (r *Router) bind(route []proto.Hop, l *link) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	var idx int
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot{})
		idx = len(r.slots) - 1
	}
	s := &r.slots[idx]
	s.gen++
	s.route = route
	s.link = l
	s.pending = make(map[*Call]struct{})
	s.live = true
	return &Context{r: r, slot: idx, gen: s.gen}
}

// resolve finds the slot a Context refers to, if it is still the same one.
func (r *Router) resolve(idx int, gen uint32) (*slot, error) {
	if idx >= len(r.slots) {
		return nil, ErrContextClosed
	}
	s := &r.slots[idx]
	if !s.live || s.gen != gen {
		return nil, ErrContextClosed
	}
	return s, nil
}

// unbind frees a slot and returns what was bound to it.
func (r *Router) unbind(idx int, gen uint32) (*link, []*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.resolve(idx, gen)
	if err != nil {
		return nil, nil, err
	}
	var calls []*Call
	for c := range s.pending {
		calls = append(calls, c)
	}
	l := s.link
	*s = slot{gen: s.gen}
	r.free = append(r.free, idx)
	return l, calls, nil
}

// Close closes every Context and connection.
func (r *Router) Close() error {
	r.mu.Lock()
	r.closed = true
	var open []*Context
	for i := range r.slots {
		if r.slots[i].live {
			open = append(open, &Context{r: r, slot: i, gen: r.slots[i].gen})
		}
	}
	r.mu.Unlock()
	for _, c := range open {
		_ = c.Close()
	}
	r.mu.Lock()
	var rest []*link
	for _, l := range r.links {
		rest = append(rest, l)
	}
	r.links = make(map[string]*link)
	r.mu.Unlock()
	for _, l := range rest {
		r.closeLink(l)
	}
	return nil
}

// NumConnections counts live connections, relayed ones included.
func (r *Router) NumConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}
