// Package knobs holds NEON's runtime-tunable parameters. Typed setters
// reject out-of-range values instead of clamping silently, so a bad knob
// write surfaces at the call site.
package knobs

import (
	"fmt"
	"time"
)

// Policy names the active scheduling discipline.
type Policy string

const (
	PolicyFCFS      Policy = "fcfs"
	PolicyTimeslice Policy = "timeslice"
	PolicySampling  Policy = "sampling"
)

// Default values and validation bounds for each knob.
const (
	DefaultPollingT   = 1 * time.Millisecond
	DefaultMaliciousT = 60000 * time.Millisecond
	DefaultPolicy     = PolicyFCFS
	DefaultTimesliceT = 30 * time.Millisecond
	DefaultDisengage  = true
	DefaultSamplingT  = 5 * time.Millisecond
	DefaultSamplingX  = 5

	minPollingT   = 1 * time.Millisecond
	maxPollingT   = 1000 * time.Millisecond
	maxTimesliceT = 1000 * time.Millisecond
	maxSamplingT  = 1000 * time.Millisecond
)

// Knobs is the full set of runtime tunables. All fields are accessed only
// through the typed setters/getters below, which validate ranges;
// TaskRegistry only actually applies staged writes at ctx_live 0<->1
// checkpoints (see Gate).
type Knobs struct {
	pollingT   time.Duration
	maliciousT time.Duration
	policy     Policy
	timesliceT time.Duration
	disengage  bool
	samplingT  time.Duration
	samplingX  int
}

// New returns a Knobs populated with defaults.
func New() *Knobs {
	return &Knobs{
		pollingT: DefaultPollingT,
		maliciousT: DefaultMaliciousT,
		policy: DefaultPolicy,
		timesliceT: DefaultTimesliceT,
		disengage: DefaultDisengage,
		samplingT: DefaultSamplingT,
		samplingX: DefaultSamplingX,
	}
}

func (k *Knobs) PollingT() time.Duration { return k.pollingT }
func (k *Knobs) MaliciousT() time.Duration { return k.maliciousT }
func (k *Knobs) Policy() Policy { return k.policy }
func (k *Knobs) TimesliceT() time.Duration { return k.timesliceT }
func (k *Knobs) Disengage() bool { return k.disengage }
func (k *Knobs) SamplingT() time.Duration { return k.samplingT }
func (k *Knobs) SamplingX() int { return k.samplingX }

// SetPollingT validates and stores the polling worker period.
func (k *Knobs) SetPollingT(d time.Duration) error {
	if d < minPollingT || d > maxPollingT {
		return fmt.Errorf("polling_T must be in [%s, %s], got %s", minPollingT, maxPollingT, d)
	}
	k.pollingT = d
	return nil
}

// SetMaliciousT validates and stores the liveness timeout for kill. Zero
// disables malicious-process detection entirely; any positive value must
// exceed the current polling period.
func (k *Knobs) SetMaliciousT(d time.Duration) error {
	if d != 0 && d <= k.pollingT {
		return fmt.Errorf("malicious_T must be 0 or greater than polling_T (%s), got %s", k.pollingT, d)
	}
	k.maliciousT = d
	return nil
}

// SetPolicy validates and stores the active scheduling policy name.
func (k *Knobs) SetPolicy(p Policy) error {
	switch p {
	case PolicyFCFS, PolicyTimeslice, PolicySampling:
		k.policy = p
		return nil
	default:
		return fmt.Errorf("unknown policy %q", p)
	}
}

// SetTimesliceT validates and stores the timeslice length.
func (k *Knobs) SetTimesliceT(d time.Duration) error {
	if d < minPollingT || d > maxTimesliceT {
		return fmt.Errorf("timeslice_T must be in [%s, %s], got %s", minPollingT, maxTimesliceT, d)
	}
	k.timesliceT = d
	return nil
}

// SetDisengage stores whether non-holders have pages re-armed on hand-off.
func (k *Knobs) SetDisengage(v bool) { k.disengage = v }

// SetSamplingT validates and stores the per-task sampling window. The
// floor is the polling period.
func (k *Knobs) SetSamplingT(d time.Duration) error {
	if d < k.pollingT || d > maxSamplingT {
		return fmt.Errorf("sampling_T must be in [%s, %s], got %s", k.pollingT, maxSamplingT, d)
	}
	k.samplingT = d
	return nil
}

// SetSamplingX validates and stores the freerun/sampling duration ratio.
func (k *Knobs) SetSamplingX(x int) error {
	if x < 1 {
		return fmt.Errorf("sampling_X must be >= 1, got %d", x)
	}
	k.samplingX = x
	return nil
}

// Checkpoint represents a safe point at which pending knob writes may be
// applied: ctx_live transitioning 0->1 or 1->0.
type Checkpoint int

const (
	CheckpointNone Checkpoint = iota
	CheckpointFirstContext
	CheckpointLastContext
)

// Gate defers Set* calls until a checkpoint is reached: knobs only take
// effect when no context is live or when the first one is being
// created. Each Set call is
// validated immediately (so a caller gets feedback right away) but only
// committed to the live Knobs by Commit.
type Gate struct {
	live   *Knobs
	staged Knobs
}

// NewGate creates a Gate wrapping live, copying its current values as the
// staging area.
func NewGate(live *Knobs) *Gate {
	return &Gate{live: live, staged: *live}
}

// Stage validates fn against a scratch copy and, on success, records it to
// be applied at the next Commit.
func (g *Gate) Stage(fn func(*Knobs) error) error {
	scratch := g.staged
	if err := fn(&scratch); err != nil {
		return err
	}
	g.staged = scratch
	return nil
}

// Commit applies all staged values to the live Knobs. Safe to call only at
// a Checkpoint per the contract above; the caller (TaskRegistry) is
// responsible for calling it only then.
func (g *Gate) Commit() {
	*g.live = g.staged
}
