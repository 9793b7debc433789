package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPreemptionFlag_SetReset(t *testing.T) {
	f := NewPreemptionFlag()
	assert.False(t, f.IsSet())

	f.Set()
	assert.True(t, f.IsSet())

	f.Reset()
	assert.False(t, f.IsSet())
}

func TestPreemptionFlag_NilIsNeverSet(t *testing.T) {
	var f *PreemptionFlag
	assert.False(t, f.IsSet())
}

func TestPreemptionFlag_NilResetIsNoop(t *testing.T) {
	var f *PreemptionFlag
	assert.NotPanics(t, func() { f.Reset() })
}
