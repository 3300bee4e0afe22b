//go:build neon_kernelcallcounting

package devprofile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKernelCallFlagWhenEnabled(t *testing.T) {
	tail := wordsToTail(3, OpKeplerA, 0x2000, 0, 11)
	res, err := FamilyKepler.ParseTail(tail)
	assert.NoError(t, err)
	assert.True(t, res.PartOfCall)

	tail = wordsToTail(1, OpKeplerA, 0x2000, 0, 11)
	res, err = FamilyKepler.ParseTail(tail)
	assert.NoError(t, err)
	assert.False(t, res.PartOfCall)
}
