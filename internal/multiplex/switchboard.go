package multiplex

import (
	"io"
	"sync"
	"time"

	"github.com/eapache/queue"
	log "github.com/sirupsen/logrus"
)

// switchboard sits between a Session's event loop and the underlying byte pipe.
// It constantly reads frames off the pipe and hands them to the loop, and it
// drains an unbounded queue of encoded frames onto the pipe so the loop never
// blocks on a slow writer. Both directions are metered through the Valve.
type switchboard struct {
	session *Session
	conn    io.ReadWriteCloser
	valve   *Valve

	qM      sync.Mutex
	qCond   *sync.Cond
	q       *queue.Queue
	qClosed bool
	// close conn once the queue is empty instead of right away
	flush bool
	// after flushing, wait for the peer to hang up before closing conn
	linger bool

	readDone      chan struct{}
	closeConnOnce sync.Once
}

// how long a closing session waits for the peer to act on its GOAWAY
const closeLinger = time.Second

// maximum number of queued frames coalesced into a single write
const writeBatch = 64

func makeSwitchboard(sesh *Session, conn io.ReadWriteCloser) *switchboard {
	sb := &switchboard{
		session: sesh,
		conn:    conn,
		valve:    sesh.Valve,
		q:        queue.New(),
		readDone: make(chan struct{}),
	}
	sb.qCond = sync.NewCond(&sb.qM)
	return sb
}

func (sb *switchboard) start() {
	go sb.deplex()
	go sb.drain()
}

// send queues an encoded frame. It never blocks.
func (sb *switchboard) send(data []byte) {
	sb.qM.Lock()
	if !sb.qClosed {
		sb.q.Add(data)
		sb.qCond.Signal()
	}
	sb.qM.Unlock()
}

func (sb *switchboard) pending() int {
	sb.qM.Lock()
	defer sb.qM.Unlock()
	return sb.q.Length()
}

// shutdown stops accepting frames. With flush, what is already queued is
// written out before the pipe is closed. With linger as well, the pipe is
// left open until the peer closes its end, so that it reads everything we
// sent before the pipe goes away.
func (sb *switchboard) shutdown(flush, linger bool) {
	sb.qM.Lock()
	sb.qClosed = true
	sb.flush = flush
	sb.linger = flush && linger
	sb.qCond.Broadcast()
	sb.qM.Unlock()
	if !flush {
		sb.closeConn()
	}
}

func (sb *switchboard) closeConn() {
	sb.closeConnOnce.Do(func() {
		if err := sb.conn.Close(); err != nil {
			log.Tracef("closing transport of session %v: %v", sb.session.id, err)
		}
	})
}

func (sb *switchboard) drain() {
	var batch []byte
	for {
		sb.qM.Lock()
		for sb.q.Length() == 0 && !sb.qClosed {
			sb.qCond.Wait()
		}
		if sb.q.Length() == 0 || (sb.qClosed && !sb.flush) {
			linger := sb.linger && sb.q.Length() == 0
			sb.qM.Unlock()
			if linger {
				sb.awaitPeer()
			}
			sb.closeConn()
			return
		}
		batch = batch[:0]
		for i := 0; i < writeBatch && sb.q.Length() > 0; i++ {
			batch = append(batch, sb.q.Remove().([]byte)...)
		}
		sb.qM.Unlock()

		sb.valve.txWait(len(batch))
		n, err := sb.conn.Write(batch)
		sb.valve.AddTx(int64(n))
		if err != nil {
			sb.session.fail(transportErr("write", err))
			sb.closeConn()
			return
		}
	}
}

// awaitPeer waits until the peer closes its end. Half-closing ours is not an
// option: on some transports, such as a spawned process whose CloseWrite ends
// the process, it would discard what we just wrote.
func (sb *switchboard) awaitPeer() {
	t := time.NewTimer(closeLinger)
	defer t.Stop()
	select {
	case <-sb.readDone:
	case <-t.C:
		log.Debugf("session %v: peer did not hang up after %v", sb.session.id, closeLinger)
	}
}

// deplex reads frames off the pipe and feeds them to the event loop.
func (sb *switchboard) deplex() {
	defer close(sb.readDone)
	fr := NewFrameReader(meteredReader{sb.conn, sb.valve}, sb.session.codec)
	for {
		f, err := fr.Next()
		if err != nil {
			if err == ErrFrameTooLarge || isMalformed(err) {
				sb.session.fail(protocolErr(err))
			} else {
				sb.session.fail(transportErr("read", err))
			}
			return
		}
		log.Tracef("session %v: recv stream %v seq %v %v len %v", sb.session.id, f.StreamID, f.Seq, f.Flags, len(f.Payload))
		select {
		case sb.session.inbound <- f:
		case <-sb.session.done:
			// dropped, we keep reading until the peer hangs up
		}
	}
}

type meteredReader struct {
	r     io.Reader
	valve *Valve
}

func (m meteredReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		m.valve.AddRx(int64(n))
		m.valve.rxWait(n)
	}
	return n, err
}
