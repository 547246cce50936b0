package fault

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLayersUnwrap(t *testing.T) {
	leaf := errors.New("leaf")
	cases := []struct {
		name string
		err  error
		leaf error
	}{
		{"transport", &TransportError{Op: "read", Err: io.EOF}, io.EOF},
		{"protocol", &ProtocolError{Err: leaf}, leaf},
		{"bootstrap", &BootstrapError{Phase: PhaseLaunch, Strategy: "memfd", Err: leaf}, leaf},
		{"request", &RequestError{ID: "x", Err: ErrCancelled}, ErrCancelled},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.ErrorIs(t, c.err, c.leaf)
			assert.NotEmpty(t, c.err.Error())
		})
	}
	var be *BootstrapError
	assert.True(t, errors.As(error(&BootstrapError{Phase: PhaseProbe, Err: ErrProbeFailed}), &be))
	assert.Equal(t, PhaseProbe, be.Phase)
}

func TestRouteErrorCarriesHop(t *testing.T) {
	inner := &TransportError{Op: "read", Err: io.ErrUnexpectedEOF}
	err := error(&RouteError{Hop: 1, Target: "bastion", Err: inner})

	hop, ok := HopOf(err)
	assert.True(t, ok)
	assert.Equal(t, 1, hop)
	var te *TransportError
	assert.True(t, errors.As(err, &te))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, ok = HopOf(inner)
	assert.False(t, ok)
}
