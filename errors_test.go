package onion

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err   error
		kind  ErrorKind
		fatal bool
	}{
		{err: nil, kind: KindOther},
		{err: errors.New("transport down"), kind: KindOther},
		{err: ErrInvalidState, kind: KindOther},
		{err: ErrCircuitClosed, kind: KindOther},
		{err: ErrMalformedCell, kind: KindMalformed, fatal: true},
		{err: ErrUnrecognizedCell, kind: KindMalformed, fatal: true},
		{err: ErrPayloadTooLarge, kind: KindMalformed, fatal: true},
		{err: ErrInvalidAddress, kind: KindMalformed, fatal: true},
		{err: ErrHandshakeAuth, kind: KindAuthentication, fatal: true},
		{err: ErrDegenerateKey, kind: KindAuthentication, fatal: true},
		{err: fmt.Errorf("hop 2: %w", ErrDigestMismatch), kind: KindAuthentication, fatal: true},
		{err: ErrFlowControl, kind: KindFlowControl},
		{err: ErrStreamClosed, kind: KindFlowControl},
		{err: ErrSendQueueFull, kind: KindFlowControl},
		{err: ErrCircuitDestroyed, kind: KindProtocolSignal},
		{err: fmt.Errorf("%w: at hop 1", ErrCircuitTruncated), kind: KindProtocolSignal},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
		})
	}
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "malformed", KindMalformed.String())
	assert.Equal(t, "authentication", KindAuthentication.String())
	assert.Equal(t, "flow-control", KindFlowControl.String())
	assert.Equal(t, "protocol-signal", KindProtocolSignal.String())
	assert.Equal(t, "other", ErrorKind(42).String())
}
