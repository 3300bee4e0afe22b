// Package nerrors provides the structured error type shared by every NEON
// component, mapping the error kinds of the scheduler's design (NotOurs,
// InvariantBroken, TransientBusy, LeakAtFini, ResourceExhaustion,
// UnexpectedState) onto a single comparable type with errno-style wrapping.
package nerrors

import (
	"errors"
	"fmt"
)

// Code is a closed set of high-level error categories.
type Code string

const (
	// CodeNotOurs means a fault/ioctl/vma does not belong to a
	// NEON-tracked process; callers should fall back to the default
	// handler. Never logged as an error.
	CodeNotOurs Code = "not ours"
	// CodeInvariantBroken means a parsed command tail did not match any
	// known byte pattern. Carries a sentinel value in Sentinel.
	CodeInvariantBroken Code = "invariant broken"
	// CodeTransientBusy means a channel spinlock was contended during
	// polling; the caller should retry next tick.
	CodeTransientBusy Code = "transient busy"
	// CodeLeakAtFini means a work/map/task was torn down with a nonzero
	// live counter or nonempty outstanding list.
	CodeLeakAtFini Code = "leak at fini"
	// CodeResourceExhaustion means an allocation failed during an init
	// path.
	CodeResourceExhaustion Code = "resource exhaustion"
	// CodeUnexpectedState means a state-machine transition that should be
	// unreachable occurred; some of these are known to be legitimately
	// reachable and are logged, not fatal.
	CodeUnexpectedState Code = "unexpected state"
)

// Sentinel values surfaced alongside CodeInvariantBroken: distinctive
// magic numbers so a reader can tell at a glance which invariant failed
// without chasing a stack trace.
const (
	SentinelBadOpcode   uint64 = 0xB16B00B1E5
	SentinelBadTail     uint64 = 0xDEADC0DE
	SentinelNoRingEntry uint64 = 0xDEAD10CC
)

// Error is the structured error type returned by NEON's core paths. Core
// paths never panic on user-triggered input; they return an *Error, log it
// at the appropriate level, and leave their state safe.
type Error struct {
	Op        string // operation that failed, e.g. "work_update", "arm"
	DeviceID  int    // -1 if not applicable
	ChannelID int    // -1 if not applicable
	PID       int    // 0 if not applicable
	Code      Code
	Sentinel  uint64 // only meaningful for CodeInvariantBroken
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	parts := make([]string, 0, 4)
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DeviceID >= 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DeviceID))
	}
	if e.ChannelID >= 0 {
		parts = append(parts, fmt.Sprintf("chan=%d", e.ChannelID))
	}
	if e.PID != 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.PID))
	}
	if e.Code == CodeInvariantBroken && e.Sentinel != 0 {
		parts = append(parts, fmt.Sprintf("sentinel=0x%x", e.Sentinel))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("neon: %s", msg)
	}
	joined := parts[0]
	for _, p := range parts[1:] {
		joined += " " + p
	}
	return fmt.Sprintf("neon: %s (%s)", msg, joined)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison against another *Error by Code only,
// so callers can write errors.Is(err, nerrors.New("", nerrors.CodeNotOurs, "")).
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// New creates a structured error with DeviceID/ChannelID unset (-1).
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, DeviceID: -1, ChannelID: -1, Code: code, Msg: msg}
}

// NewInvariantBroken builds a CodeInvariantBroken error carrying sentinel.
func NewInvariantBroken(op string, sentinel uint64, msg string) *Error {
	return &Error{Op: op, DeviceID: -1, ChannelID: -1, Code: CodeInvariantBroken, Sentinel: sentinel, Msg: msg}
}

// NewChannel builds an error scoped to a (device, channel) pair.
func NewChannel(op string, deviceID, channelID int, code Code, msg string) *Error {
	return &Error{Op: op, DeviceID: deviceID, ChannelID: channelID, Code: code, Msg: msg}
}

// Wrap wraps inner with op, preserving inner's code/sentinel if it is
// already a structured error.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	var ie *Error
	if errors.As(inner, &ie) {
		cp := *ie
		cp.Op = op
		cp.Inner = ie
		return &cp
	}
	return &Error{Op: op, DeviceID: -1, ChannelID: -1, Code: CodeUnexpectedState, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err (or something it wraps) carries code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
