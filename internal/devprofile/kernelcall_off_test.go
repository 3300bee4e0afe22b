//go:build !neon_kernelcallcounting

package devprofile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKernelCallFlagDisabledByDefault(t *testing.T) {
	tail := wordsToTail(3, OpKeplerA, 0x2000, 0, 11)
	res, err := FamilyKepler.ParseTail(tail)
	assert.NoError(t, err)
	assert.False(t, res.PartOfCall, "kernel-call counting must be off without the build tag")
}
