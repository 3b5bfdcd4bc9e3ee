package rawrepl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// LineMode selects how passive-mode lines are delivered.
type LineMode int

const (
	// LineModeJSON decodes each line as a JSON object; malformed lines are
	// dropped.
	LineModeJSON LineMode = iota

	// LineModeRaw forwards every line verbatim, for non-JSON protocols.
	LineModeRaw
)

func (m LineMode) String() string {
	if m == LineModeRaw {
		return "raw"
	}
	return "json"
}

// Message is one newline-terminated line read in passive mode.
type Message struct {
	// Line is the trimmed line text
	Line string

	// Type is the "type" field of a JSON message, if present
	Type string

	// Fields holds the decoded JSON object (nil in LineModeRaw)
	Fields map[string]any
}

// MessageReader reads the channel in the background while the device runs
// its own program, splitting the stream into messages.
type MessageReader struct {
	channel Channel
	mode    LineMode
	poll    time.Duration
	logger  Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	// pending holds bytes after the last newline; owned by the loop
	// goroutine until done is closed
	pending []byte
}

// NewMessageReader creates a reader. poll bounds how long Stop can wait for
// an in-flight read.
func NewMessageReader(ch Channel, mode LineMode, poll time.Duration, logger Logger) *MessageReader {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	if logger == nil {
		logger = NoopLogger{}
	}
	return &MessageReader{
		channel: ch,
		mode:    mode,
		poll:    poll,
		logger:  logger,
	}
}

// Start begins reading in the background. onMessage receives each parsed
// line; onError is called at most once, when the channel fails.
func (r *MessageReader) Start(onMessage func(Message), onError func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.alive() {
		return NewError(ErrInvalidState, "start reader", "reader already running")
	}
	if onMessage == nil {
		onMessage = func(Message) {}
	}
	if onError == nil {
		onError = func(error) {}
	}

	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.pending = nil

	go r.loop(r.stop, r.done, onMessage, onError)
	return nil
}

// Running reports whether the background loop is active. A loop that ended
// on a channel error is not running even before Stop is called.
func (r *MessageReader) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive()
}

// alive must be called with mu held.
func (r *MessageReader) alive() bool {
	if !r.running {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Stop halts delivery and waits for the loop goroutine to exit. No callback
// fires after Stop returns. The returned bytes are what was read after the
// last newline; the caller decides what to do with them.
func (r *MessageReader) Stop() []byte {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	pending := r.pending
	r.pending = nil
	return pending
}

func (r *MessageReader) loop(stop, done chan struct{}, onMessage func(Message), onError func(error)) {
	defer close(done)

	var pending []byte
	defer func() {
		r.mu.Lock()
		r.pending = pending
		r.mu.Unlock()
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		data, err := r.channel.Read(r.poll)
		if err != nil {
			r.logger.Error("reader: channel lost: %v", err)
			r.finish(stop, func() { onError(wrapError("passive read", err)) })
			return
		}

		select {
		case <-stop:
			// Stop raced with this read; keep the bytes undelivered
			pending = append(pending, data...)
			return
		default:
		}

		if len(data) == 0 {
			continue
		}

		pending = append(pending, data...)
		for {
			idx := bytes.IndexByte(pending, '\n')
			if idx < 0 {
				break
			}
			line := string(bytes.TrimSpace(pending[:idx]))
			pending = pending[idx+1:]
			if line == "" {
				continue
			}
			if msg, ok := r.parse(line); ok {
				r.deliver(onMessage, msg)
			}
		}
		// Reclaim the consumed prefix
		if len(pending) == 0 {
			pending = nil
		}
	}
}

// finish runs fn unless the reader is being stopped.
func (r *MessageReader) finish(stop chan struct{}, fn func()) {
	select {
	case <-stop:
	default:
		fn()
	}
}

func (r *MessageReader) parse(line string) (Message, bool) {
	if r.mode == LineModeRaw {
		return Message{Line: line}, true
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		r.logger.Debug("reader: dropping non-JSON line %q", truncate(line, 128))
		return Message{}, false
	}
	msg := Message{Line: line, Fields: fields}
	if t, ok := fields["type"].(string); ok {
		msg.Type = t
	}
	return msg, true
}

func (r *MessageReader) deliver(onMessage func(Message), msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reader: message callback panicked: %v", fmt.Sprint(rec))
		}
	}()
	onMessage(msg)
}
