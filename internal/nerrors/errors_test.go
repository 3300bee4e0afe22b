package nerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	e := NewChannel("work_submit", 0, 3, CodeTransientBusy, "spinlock contended")
	require.Contains(t, e.Error(), "dev=0")
	require.Contains(t, e.Error(), "chan=3")
	require.Contains(t, e.Error(), "spinlock contended")
}

func TestInvariantBrokenSentinel(t *testing.T) {
	e := NewInvariantBroken("refc_parse", SentinelBadOpcode, "unrecognized opcode")
	assert.Contains(t, e.Error(), "0xb16b00b1e5")
	assert.Equal(t, CodeInvariantBroken, e.Code)
}

func TestIsByCode(t *testing.T) {
	e := New("fault_handler", CodeNotOurs, "")
	assert.True(t, errors.Is(e, New("", CodeNotOurs, "")))
	assert.False(t, errors.Is(e, New("", CodeLeakAtFini, "")))
}

func TestWrapPreservesCode(t *testing.T) {
	inner := NewChannel("arm", 1, 2, CodeResourceExhaustion, "alloc failed")
	wrapped := Wrap("track_init", inner)
	assert.Equal(t, CodeResourceExhaustion, wrapped.Code)
	assert.Equal(t, 1, wrapped.DeviceID)
	assert.ErrorIs(t, wrapped, inner)
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap("op", nil))
}

func TestIsCodeHelper(t *testing.T) {
	err := New("x", CodeUnexpectedState, "weird")
	assert.True(t, IsCode(err, CodeUnexpectedState))
	assert.False(t, IsCode(err, CodeNotOurs))
	assert.False(t, IsCode(errors.New("plain"), CodeUnexpectedState))
}
