package rawrepl

import (
	"context"
	"time"
)

// hardResetSource reboots the device; it normally never answers.
const hardResetSource = "import machine\nmachine.reset()\n"

// SoftReset sends the soft-reset byte and waits for the device to reboot
// into its startup program. Reboot is not verified. The session is left
// detached: the caller re-establishes passive mode or a prompt afterwards.
func (s *Session) SoftReset(ctx context.Context, wait time.Duration) error {
	const phase = "soft reset"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StatePassive {
		s.stopPassive()
	}

	if err := s.write(phase, []byte{CtrlSoftReset}); err != nil {
		return err
	}
	s.resyncPending = false
	s.setState(StateDetached)
	s.emit(EventReset, "soft")
	s.logger.Info("soft reset sent, waiting %v", wait)

	if err := s.pause(ctx, wait); err != nil {
		return wrapError(phase, err)
	}
	return nil
}

// HardReset reboots the device through machine.reset(). It works from any
// state: a detached or passive device is interrupted and put in raw mode
// first. No response is expected: a timeout, a closed channel or boot noise
// in place of the completion sequence all count as success.
func (s *Session) HardReset(ctx context.Context, wait time.Duration) error {
	const phase = "hard reset"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enterRaw(ctx); err != nil {
		return wrapError(phase, err)
	}

	_, err := s.execute(ctx, execName, []byte(hardResetSource), s.config.HardResetTimeout, 0)
	switch {
	case err == nil:
	case IsTimeout(err), IsChannelClosed(err):
		s.logger.Debug("hard reset: no response (%v)", err)
	case IsProtocolDesync(err):
		s.logger.Debug("hard reset: unrecognized output while rebooting (%v)", err)
	default:
		return err
	}

	s.resyncPending = false
	s.setState(StateDetached)
	s.emit(EventReset, "hard")
	s.logger.Info("hard reset sent, waiting %v", wait)

	if err := s.pause(ctx, wait); err != nil {
		return wrapError(phase, err)
	}
	return nil
}
