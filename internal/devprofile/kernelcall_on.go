//go:build neon_kernelcallcounting

package devprofile

// kernelCallFlag implements the Kepler graphics-path heuristic: a word
// of exactly 3 immediately before the opcode marks this submission as
// the second of a three-part kernel call, used by the sampling policy to
// count whole kernel calls instead of individual submissions. The
// heuristic is unverified against real command streams, so it stays
// behind a build tag; its absence is never an error.
func kernelCallFlag(prevWord uint32) bool {
	return prevWord == 3
}
