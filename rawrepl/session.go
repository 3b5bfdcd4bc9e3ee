package rawrepl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Session owns one Channel and moves the device between passive message mode
// and the interpreter's prompt states. Every public operation holds the
// session lock for its whole duration, so at most one transition or
// execution is in flight and nothing else writes to the channel.
type Session struct {
	// I/O
	channel Channel

	// Configuration
	config *Config

	// Callbacks
	callbacks *Callbacks

	// Logger
	logger Logger

	// mu serializes operations; stateMu guards state for State()
	mu      sync.Mutex
	stateMu sync.Mutex
	state   State

	reader *MessageReader

	// resyncPending is set when an execution was abandoned on the device
	resyncPending bool

	// sleep is the pacing primitive; replaced in tests
	sleep func(time.Duration)
}

// Config holds session configuration.
type Config struct {
	// Interrupt sequence (Passive -> Normal)
	InterruptCount   int
	InterruptPacing  time.Duration
	SettleDelay      time.Duration
	DrainReadTimeout time.Duration
	DrainLimit       time.Duration

	// Pause after each single control byte
	ControlPacing time.Duration

	// How long to wait for the raw banner and the normal prompt
	BannerTimeout time.Duration
	PromptTimeout time.Duration

	// ReadTimeout is the poll unit while collecting execution output
	ReadTimeout time.Duration

	// IdleTimeout ends collection of acknowledged output that never
	// reaches the completion sequence
	IdleTimeout time.Duration

	// PassivePoll is the message reader's read timeout; it bounds how long
	// stopping the reader can take
	PassivePoll time.Duration
	LineMode    LineMode

	// Chunking of submitted source for constrained receive buffers
	ChunkSize      int
	ChunkThreshold int
	ChunkDelay     time.Duration

	// Timeouts
	ExecTimeout            time.Duration
	RunTimeout             time.Duration
	TransferTimeoutFloor   time.Duration
	TransferBytesPerSecond int
	BoardInfoTimeout       time.Duration
	HardResetTimeout       time.Duration

	// UsePasteMode selects paste mode for board identification
	UsePasteMode bool

	// Progress update interval
	ProgressInterval time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		InterruptCount:         3,
		InterruptPacing:        50 * time.Millisecond,
		SettleDelay:            200 * time.Millisecond,
		DrainReadTimeout:       50 * time.Millisecond,
		DrainLimit:             2 * time.Second,
		ControlPacing:          100 * time.Millisecond,
		BannerTimeout:          5 * time.Second,
		PromptTimeout:          time.Second,
		ReadTimeout:            100 * time.Millisecond,
		IdleTimeout:            2 * time.Second,
		PassivePoll:            50 * time.Millisecond,
		LineMode:               LineModeJSON,
		ChunkSize:              256,
		ChunkThreshold:         1024,
		ChunkDelay:             20 * time.Millisecond,
		ExecTimeout:            10 * time.Second,
		RunTimeout:             30 * time.Second,
		TransferTimeoutFloor:   10 * time.Second,
		TransferBytesPerSecond: 1000,
		BoardInfoTimeout:       3 * time.Second,
		HardResetTimeout:       time.Second,
		UsePasteMode:           true,
		ProgressInterval:       100 * time.Millisecond,
	}
}

// Validate rejects configurations that would break the protocol. Pacing
// delays below their floors are errors, not tuning choices.
func (c *Config) Validate() error {
	check := func(name string, got, floor time.Duration) error {
		if got < floor {
			return NewError(ErrInvalidConfig, "validate config",
				fmt.Sprintf("%s %v is below the minimum %v", name, got, floor))
		}
		return nil
	}

	if err := check("InterruptPacing", c.InterruptPacing, MinInterruptPacing); err != nil {
		return err
	}
	if err := check("ControlPacing", c.ControlPacing, MinControlPacing); err != nil {
		return err
	}
	if err := check("ChunkDelay", c.ChunkDelay, MinChunkDelay); err != nil {
		return err
	}
	if err := check("SettleDelay", c.SettleDelay, MinSettleDelay); err != nil {
		return err
	}
	if c.InterruptCount < 1 {
		return NewError(ErrInvalidConfig, "validate config", "InterruptCount must be at least 1")
	}
	if c.ChunkSize < 0 {
		return NewError(ErrInvalidConfig, "validate config", "ChunkSize must not be negative")
	}
	if c.ReadTimeout <= 0 || c.DrainReadTimeout <= 0 || c.PassivePoll <= 0 || c.IdleTimeout <= 0 {
		return NewError(ErrInvalidConfig, "validate config", "read timeouts must be positive")
	}
	if c.TransferBytesPerSecond <= 0 {
		return NewError(ErrInvalidConfig, "validate config", "TransferBytesPerSecond must be positive")
	}
	return nil
}

// Option configures a Session.
type Option func(*Session)

// WithConfig sets the session configuration.
func WithConfig(config *Config) Option {
	return func(s *Session) {
		s.config = config
	}
}

// WithCallbacks sets the session callbacks.
func WithCallbacks(callbacks *Callbacks) Option {
	return func(s *Session) {
		s.callbacks = mergeCallbacks(callbacks)
	}
}

// WithLogger sets a logger for protocol debugging.
func WithLogger(logger Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession creates a session that owns ch. The session starts detached:
// call StartPassive, EnterNormal or EnterRaw to take control of the device.
func NewSession(ch Channel, opts ...Option) (*Session, error) {
	s := &Session{
		channel:   ch,
		config:    DefaultConfig(),
		callbacks: defaultCallbacks(),
		logger:    NoopLogger{},
		state:     StateDetached,
		sleep:     time.Sleep,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.config == nil {
		s.config = DefaultConfig()
	}
	if s.logger == nil {
		s.logger = NoopLogger{}
	}
	if err := s.config.Validate(); err != nil {
		return nil, err
	}

	s.reader = NewMessageReader(ch, s.config.LineMode, s.config.PassivePoll, s.logger)
	return s, nil
}

// State returns the current logical state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Config returns the session configuration.
func (s *Session) Config() Config {
	return *s.config
}

func (s *Session) setState(state State) {
	s.stateMu.Lock()
	prev := s.state
	s.state = state
	s.stateMu.Unlock()

	if prev != state {
		s.logger.Debug("state %s -> %s", prev, state)
		s.emit(EventStateChange, fmt.Sprintf("%s -> %s", prev, state))
	}
}

func (s *Session) emit(t EventType, msg string) {
	s.callbacks.OnEvent(Event{
		Type:      t,
		Message:   msg,
		State:     s.State(),
		Timestamp: time.Now(),
	})
}

// StartPassive hands the channel to the message reader. Lines are delivered
// through Callbacks.OnMessage in the given mode.
func (s *Session) StartPassive(ctx context.Context, mode LineMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StatePassive:
		if s.reader.Running() {
			return nil
		}
	case StateRaw:
		if err := s.exitRaw(ctx); err != nil {
			return err
		}
	}

	s.reader = NewMessageReader(s.channel, mode, s.config.PassivePoll, s.logger)
	onError := func(err error) {
		s.logger.Error("passive mode: connection lost: %v", err)
		s.emit(EventConnectionLost, err.Error())
		s.callbacks.OnConnectionLost(err)
	}
	if err := s.reader.Start(s.callbacks.OnMessage, onError); err != nil {
		return err
	}
	s.setState(StatePassive)
	s.logger.Info("passive mode started (%s lines)", mode)
	return nil
}

// StopPassive stops the message reader and leaves the session detached.
func (s *Session) StopPassive(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StatePassive {
		return nil
	}
	s.stopPassive()
	s.setState(StateDetached)
	return nil
}

// stopPassive waits for the reader to exit. Bytes it read after the last
// newline belong to the device program, not to the prompt; they are logged
// and discarded here so they cannot be mistaken for prompt output.
func (s *Session) stopPassive() {
	pending := s.reader.Stop()
	if len(pending) > 0 {
		s.logger.Debug("discarding %d pending passive bytes: %q", len(pending), truncate(string(pending), 128))
		s.emit(EventPendingDiscarded, fmt.Sprintf("%d bytes", len(pending)))
	}
}

// SendMessage writes v as one JSON line. Only valid in passive mode.
func (s *Session) SendMessage(ctx context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireState("send message", StatePassive); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')
	return s.write("send message", data)
}

// EnterNormal interrupts whatever runs on the device and leaves it at the
// normal prompt with the input drained.
func (s *Session) EnterNormal(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enterNormal(ctx)
}

func (s *Session) enterNormal(ctx context.Context) error {
	const phase = "enter normal"

	if s.State() == StatePassive {
		s.stopPassive()
	}

	for i := 0; i < s.config.InterruptCount; i++ {
		if err := s.write(phase, []byte{CtrlInterrupt}); err != nil {
			return err
		}
		if err := s.pause(ctx, s.config.InterruptPacing); err != nil {
			return wrapError(phase, err)
		}
	}

	if err := s.pause(ctx, s.config.SettleDelay); err != nil {
		return wrapError(phase, err)
	}
	if _, err := s.drain(ctx, phase); err != nil {
		return err
	}

	s.resyncPending = false
	s.setState(StateNormal)
	return nil
}

// EnterRaw switches the device into raw mode. From passive or detached it
// interrupts first. A missing raw banner is logged and tolerated: the
// session proceeds in raw mode.
func (s *Session) EnterRaw(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enterRaw(ctx)
}

func (s *Session) enterRaw(ctx context.Context) error {
	const phase = "enter raw"

	switch s.State() {
	case StateRaw:
		return nil
	case StatePassive, StateDetached:
		if err := s.enterNormal(ctx); err != nil {
			return err
		}
	}

	if err := s.write(phase, []byte{CtrlEnterRaw}); err != nil {
		return err
	}
	if err := s.pause(ctx, s.config.ControlPacing); err != nil {
		return wrapError(phase, err)
	}

	out, found, err := s.readUntil(ctx, phase, RawBanner, s.config.BannerTimeout)
	if err != nil {
		return err
	}
	if !found {
		s.logger.Warn("raw banner not seen within %v (got %q); continuing in raw mode",
			s.config.BannerTimeout, truncate(out, 64))
		s.emit(EventBannerMissing, truncate(out, 64))
	} else {
		// Consume the raw prompt that follows the banner
		tail := out[strings.Index(out, RawBanner)+len(RawBanner):]
		if !strings.Contains(tail, RawPrompt) {
			if _, _, err := s.readUntil(ctx, phase, RawPrompt, s.config.PromptTimeout); err != nil {
				return err
			}
		}
	}

	s.setState(StateRaw)
	return nil
}

// ExitRaw returns from raw mode to the normal prompt. A missing prompt is
// logged and tolerated.
func (s *Session) ExitRaw(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateNormal:
		return nil
	case StateRaw:
		return s.exitRaw(ctx)
	default:
		return s.requireState("exit raw", StateRaw)
	}
}

func (s *Session) exitRaw(ctx context.Context) error {
	const phase = "exit raw"

	if s.resyncPending {
		if err := s.resync(ctx, phase); err != nil {
			return err
		}
	}

	if err := s.write(phase, []byte{CtrlExitRaw}); err != nil {
		return err
	}
	if err := s.pause(ctx, s.config.ControlPacing); err != nil {
		return wrapError(phase, err)
	}

	out, found, err := s.readUntil(ctx, phase, NormalPrompt, s.config.PromptTimeout)
	if err != nil {
		return err
	}
	if !found {
		s.logger.Warn("normal prompt not seen after leaving raw mode (got %q)", truncate(out, 64))
		s.emit(EventPromptMissing, truncate(out, 64))
	}

	s.setState(StateNormal)
	return nil
}

// Close stops the reader and closes the channel.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopPassive()
	s.setState(StateDetached)
	return s.channel.Close()
}

// requireState rejects an operation unless the session is in want.
func (s *Session) requireState(phase string, want State) error {
	if got := s.State(); got != want {
		return NewError(ErrInvalidState, phase, fmt.Sprintf("requires %s state, session is %s", want, got))
	}
	return nil
}

// prepareRaw makes sure the device is in raw mode for a high-level
// operation. A detached session is refused: after a reset nobody owns the
// prompt until the caller re-establishes it.
func (s *Session) prepareRaw(ctx context.Context, phase string) error {
	switch s.State() {
	case StateRaw:
		return nil
	case StatePassive, StateNormal:
		return s.enterRaw(ctx)
	default:
		return NewError(ErrInvalidState, phase,
			fmt.Sprintf("session is %s; call StartPassive, EnterNormal or EnterRaw first", s.State()))
	}
}

func (s *Session) write(phase string, p []byte) error {
	if err := s.channel.Write(p); err != nil {
		return wrapError(phase, err)
	}
	return nil
}

// pause sleeps for a mandated pacing interval.
func (s *Session) pause(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		s.sleep(d)
	}
	return ctx.Err()
}

// readUntil accumulates output until marker appears or timeout elapses.
// found reports whether the marker was seen; a timeout alone is not an error.
func (s *Session) readUntil(ctx context.Context, phase, marker string, timeout time.Duration) (string, bool, error) {
	var acc bytes.Buffer
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return acc.String(), false, wrapError(phase, err)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return acc.String(), false, nil
		}
		wait := s.config.ReadTimeout
		if remaining < wait {
			wait = remaining
		}

		data, err := s.channel.Read(wait)
		if err != nil {
			return acc.String(), false, wrapError(phase, err)
		}
		acc.Write(data)
		if strings.Contains(acc.String(), marker) {
			return acc.String(), true, nil
		}
	}
}

// drain discards input until a read comes back empty or DrainLimit elapses.
func (s *Session) drain(ctx context.Context, phase string) (int, error) {
	discarded := 0
	deadline := time.Now().Add(s.config.DrainLimit)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return discarded, wrapError(phase, err)
		}
		data, err := s.channel.Read(s.config.DrainReadTimeout)
		if err != nil {
			return discarded, wrapError(phase, err)
		}
		if len(data) == 0 {
			break
		}
		discarded += len(data)
	}

	if discarded > 0 {
		s.logger.Debug("%s: drained %d bytes", phase, discarded)
	}
	return discarded, nil
}
