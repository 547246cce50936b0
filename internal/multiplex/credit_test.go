package multiplex

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSendWindowNeverNegative(t *testing.T) {
	w := sendWindow{credit: 100}
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		if r.Intn(3) == 0 {
			w.grant(uint32(r.Intn(50)))
			continue
		}
		n := r.Intn(80)
		before := w.available()
		err := w.take(n)
		if int64(n) > before {
			assert.Equal(t, ErrCreditUnderflow, err)
			assert.Equal(t, before, w.available())
		} else {
			assert.NoError(t, err)
		}
		if w.available() < 0 {
			t.Fatalf("credit went negative: %v", w.available())
		}
	}
}

func TestRecvWindowThreshold(t *testing.T) {
	w := newRecvWindow(1000, 50)
	assert.NoError(t, w.receive(1000))
	assert.Equal(t, ErrCreditUnderflow, w.receive(1))

	_, due := w.consume(499)
	assert.False(t, due)
	upd, due := w.consume(1)
	assert.True(t, due)
	assert.EqualValues(t, 500, upd)

	assert.NoError(t, w.receive(500))
	assert.Equal(t, ErrCreditUnderflow, w.receive(1))
}

func TestRecvWindowBadThreshold(t *testing.T) {
	w := newRecvWindow(100, 0)
	assert.EqualValues(t, 50, w.threshold)
	w = newRecvWindow(1, 50)
	assert.EqualValues(t, 1, w.threshold)
}
