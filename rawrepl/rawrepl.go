// Package rawrepl drives a MicroPython-style interactive interpreter over a
// single serial byte stream.
//
// The transport gives no framing, flow control or acknowledgement, only raw
// bytes and reads that time out. This package turns the interpreter's prompt
// into a command and file-transfer channel: it interrupts whatever program is
// running, walks the device through its prompt modes with single control
// bytes, executes source text in raw mode and recovers the output, and moves
// file contents across as escaped bytes literals.
//
// The package is designed as a library around a Channel (serial port, SSH
// bridge, pseudo-terminal or a test harness) and provides callback hooks for
// passive line messages, progress tracking and protocol events.
package rawrepl

import "time"

// Control bytes understood by the interpreter prompt.
const (
	// CtrlEnterRaw switches the normal prompt into raw mode (Ctrl-A)
	CtrlEnterRaw = 0x01

	// CtrlExitRaw leaves raw mode for the normal prompt (Ctrl-B)
	CtrlExitRaw = 0x02

	// CtrlInterrupt raises KeyboardInterrupt in the running program (Ctrl-C)
	CtrlInterrupt = 0x03

	// CtrlExecute executes the buffered raw-mode source. At an empty
	// prompt the same byte performs a soft reset (Ctrl-D).
	CtrlExecute = 0x04

	// CtrlPaste enters paste mode, an echoing line-input mode (Ctrl-E)
	CtrlPaste = 0x05

	// CtrlSoftReset is the soft-reset byte; identical to CtrlExecute
	CtrlSoftReset = CtrlExecute

	// CtrlTerminalExit ends an interactive Terminal session (Ctrl-])
	CtrlTerminalExit = 0x1d
)

// Prompt markers emitted by the device.
const (
	// RawBanner is printed on entering raw mode
	RawBanner = "raw REPL; CTRL-B to exit"

	// RawPrompt follows the raw banner and each raw execution
	RawPrompt = ">"

	// NormalPrompt is the line-editing prompt
	NormalPrompt = ">>> "

	// PasteBanner is printed on entering paste mode
	PasteBanner = "paste mode; Ctrl-C to cancel, Ctrl-D to finish"

	// RawAck is the raw-mode acknowledgement that precedes execution output
	RawAck = "OK"

	// TracebackMarker starts every interpreter traceback
	TracebackMarker = "Traceback (most recent call last)"

	// ErrorMarker is printed by generated source on a handled failure
	ErrorMarker = "ERROR:"
)

// Completion markers printed by generated source.
const (
	WriteMarker     = "__RAWREPL_WRITE_OK__"
	DoneMarker      = "__RAWREPL_DONE__"
	ReadBeginMarker = "__RAWREPL_READ_BEGIN__"
	ReadEndMarker   = "__RAWREPL_READ_END__"
)

// ProductMarker prefixes the board identification line.
const ProductMarker = "MicroPython"

// Hard floors for pacing delays. Constrained receivers drop control bytes
// when these are shortened, so Config.Validate rejects anything below them.
const (
	MinControlPacing   = 10 * time.Millisecond
	MinInterruptPacing = 10 * time.Millisecond
	MinChunkDelay      = 10 * time.Millisecond
	MinSettleDelay     = 50 * time.Millisecond
)

// SnippetLimit bounds the device output carried inside an execution error.
const SnippetLimit = 200

// State is the logical state of the session's ownership of the channel.
type State int

const (
	// StateDetached means nobody is reading the channel. It is the initial
	// state and the state after any reset (passive-pending).
	StateDetached State = iota

	// StatePassive means the MessageReader owns the channel
	StatePassive

	// StateNormal means the device shows the echoing line prompt
	StateNormal

	// StateRaw means the device accepts unechoed source until CtrlExecute
	StateRaw

	// StateExecuting means submitted source is running
	StateExecuting
)

var stateNames = []string{
	"detached",
	"passive",
	"normal",
	"raw",
	"executing",
}

// String returns the human-readable name of a state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
