package multiplex

import (
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Valve meters and optionally throttles the bytes a connection moves.
// rx is what we read off the transport, tx is what we write to it.
type Valve struct {
	// nil buckets mean unlimited
	rxtb atomic.Value // *ratelimit.Bucket
	txtb atomic.Value // *ratelimit.Bucket

	rx *int64
	tx *int64
}

// MakeValve builds a Valve limited to the given bytes per second. A rate of 0
// or less means unlimited.
func MakeValve(rxRate, txRate int64) *Valve {
	var rx, tx int64
	v := &Valve{
		rx: &rx,
		tx: &tx,
	}
	v.SetRxRate(rxRate)
	v.SetTxRate(txRate)
	return v
}

// UnlimitedValve throttles nothing. It still counts, so don't share it between
// connections whose usage you want to tell apart.
func UnlimitedValve() *Valve { return MakeValve(0, 0) }

// bucket returns nil for unlimited rates. A bucket sized to the largest
// int64 overflows its token arithmetic and stalls.
func bucket(rate int64) *ratelimit.Bucket {
	if rate <= 0 {
		return nil
	}
	return ratelimit.NewBucketWithRate(float64(rate), rate)
}

func wait(tb *atomic.Value, n int) {
	if b := tb.Load().(*ratelimit.Bucket); b != nil {
		b.Wait(int64(n))
	}
}

func (v *Valve) SetRxRate(rate int64) { v.rxtb.Store(bucket(rate)) }
func (v *Valve) SetTxRate(rate int64) { v.txtb.Store(bucket(rate)) }
func (v *Valve) rxWait(n int)         { wait(&v.rxtb, n) }
func (v *Valve) txWait(n int)         { wait(&v.txtb, n) }
func (v *Valve) AddRx(n int64)        { atomic.AddInt64(v.rx, n) }
func (v *Valve) AddTx(n int64)        { atomic.AddInt64(v.tx, n) }
func (v *Valve) GetRx() int64         { return atomic.LoadInt64(v.rx) }
func (v *Valve) GetTx() int64         { return atomic.LoadInt64(v.tx) }
func (v *Valve) Nullify() (int64, int64) {
	rx := atomic.SwapInt64(v.rx, 0)
	tx := atomic.SwapInt64(v.tx, 0)
	return rx, tx
}
