package rawrepl

import (
	"time"
)

// Callbacks provides hooks for session events.
// All callbacks are optional - nil callbacks use default behavior.
type Callbacks struct {
	// OnMessage is called for each complete line read in passive mode.
	// It runs on the reader goroutine and must not call Session methods.
	OnMessage func(msg Message)

	// OnConnectionLost is called once when the channel goes away while the
	// message reader owns it.
	OnConnectionLost func(err error)

	// OnProgress is called while source is sent to the device.
	// name: file path for transfers, "<exec>" for plain execution
	// sent: bytes written so far
	// total: total bytes to write
	// rate: write rate in bytes per second
	OnProgress func(name string, sent, total int64, rate float64)

	// OnEvent is called for protocol events (debugging/logging).
	OnEvent func(event Event)
}

// Event represents a protocol event for logging/debugging.
type Event struct {
	Type      EventType
	Message   string
	State     State
	Timestamp time.Time
}

// EventType categorizes protocol events.
type EventType int

const (
	EventStateChange EventType = iota
	EventBannerMissing
	EventPromptMissing
	EventMarkerMissing
	EventPendingDiscarded
	EventChunkSent
	EventReset
	EventConnectionLost
	EventResync
)

func (t EventType) String() string {
	switch t {
	case EventStateChange:
		return "state change"
	case EventBannerMissing:
		return "banner missing"
	case EventPromptMissing:
		return "prompt missing"
	case EventMarkerMissing:
		return "marker missing"
	case EventPendingDiscarded:
		return "pending discarded"
	case EventChunkSent:
		return "chunk sent"
	case EventReset:
		return "reset"
	case EventConnectionLost:
		return "connection lost"
	case EventResync:
		return "resync"
	default:
		return "unknown"
	}
}

// defaultCallbacks returns a set of callbacks with default implementations.
func defaultCallbacks() *Callbacks {
	return &Callbacks{
		OnMessage:        func(Message) {},
		OnConnectionLost: func(error) {},
		OnProgress:       func(string, int64, int64, float64) {},
		OnEvent:          func(Event) {},
	}
}

// mergeCallbacks merges user callbacks with defaults.
// User callbacks override defaults, nil callbacks use defaults.
func mergeCallbacks(user *Callbacks) *Callbacks {
	if user == nil {
		return defaultCallbacks()
	}

	result := defaultCallbacks()

	if user.OnMessage != nil {
		result.OnMessage = user.OnMessage
	}
	if user.OnConnectionLost != nil {
		result.OnConnectionLost = user.OnConnectionLost
	}
	if user.OnProgress != nil {
		result.OnProgress = user.OnProgress
	}
	if user.OnEvent != nil {
		result.OnEvent = user.OnEvent
	}

	return result
}
