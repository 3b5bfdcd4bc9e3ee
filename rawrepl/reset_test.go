package rawrepl

import (
	"context"
	"testing"
	"time"
)

func TestSoftResetThenExecuteRejected(t *testing.T) {
	ctx := context.Background()
	d := newFakeDevice()
	s, rec := rawSession(t, d, nil)

	if err := s.SoftReset(ctx, 500*time.Millisecond); err != nil {
		t.Fatalf("SoftReset: %v", err)
	}
	if d.softResets != 1 {
		t.Fatalf("expected one soft reset, got=%d", d.softResets)
	}
	if rec.count(500*time.Millisecond) != 1 {
		t.Fatalf("SoftReset did not wait for the reboot")
	}
	if s.State() != StateDetached {
		t.Fatalf("expected detached after reset, got=%s", s.State())
	}

	if _, err := s.Execute(ctx, "print(1+1)", 0, 0); !IsInvalidState(err) {
		t.Fatalf("expected precondition failure, got=%v", err)
	}
	if err := s.WriteFile(ctx, "/x.py", []byte("x")); !IsInvalidState(err) {
		t.Fatalf("expected precondition failure from WriteFile, got=%v", err)
	}

	// Re-establishing the prompt makes the session usable again
	if err := s.EnterRaw(ctx); err != nil {
		t.Fatalf("EnterRaw: %v", err)
	}
	if out, err := s.Execute(ctx, "print(1+1)", 0, 0); err != nil || out != "2\r\n" {
		t.Fatalf("Execute after re-entering raw got=%q err=%v", out, err)
	}
}

func TestSoftResetFromPassive(t *testing.T) {
	ctx := context.Background()
	d := newFakeDevice()
	s, _ := newTestSession(t, d, nil)

	if err := s.StartPassive(ctx, LineModeJSON); err != nil {
		t.Fatalf("StartPassive: %v", err)
	}
	if err := s.SoftReset(ctx, 0); err != nil {
		t.Fatalf("SoftReset: %v", err)
	}
	if s.reader.Running() {
		t.Fatalf("reader still running after reset")
	}
	if s.State() != StateDetached {
		t.Fatalf("expected detached, got=%s", s.State())
	}
}

func TestHardReset(t *testing.T) {
	ctx := context.Background()
	d := newFakeDevice()
	s, rec := rawSession(t, d, nil)

	if err := s.HardReset(ctx, 2*time.Second); err != nil {
		t.Fatalf("HardReset: %v", err)
	}
	if d.hardResets != 1 {
		t.Fatalf("expected machine.reset() to run once, got=%d", d.hardResets)
	}
	if rec.count(2*time.Second) != 1 {
		t.Fatalf("HardReset did not wait for the reboot")
	}
	if s.State() != StateDetached {
		t.Fatalf("expected detached, got=%s", s.State())
	}
}

func TestHardResetChannelCloses(t *testing.T) {
	ctx := context.Background()
	d := newFakeDevice()
	d.closeOnRun = "machine.reset()"
	s, _ := rawSession(t, d, nil)

	if err := s.HardReset(ctx, 0); err != nil {
		t.Fatalf("channel closure during hard reset should be success, got=%v", err)
	}
	if s.State() != StateDetached {
		t.Fatalf("expected detached, got=%s", s.State())
	}
}

func TestHardResetNoMachineModule(t *testing.T) {
	ctx := context.Background()
	d := newFakeDevice()
	d.noMachine = true
	s, _ := rawSession(t, d, nil)

	if err := s.HardReset(ctx, 0); !IsExecution(err) {
		t.Fatalf("expected execution error, got=%v", err)
	}
	if s.State() != StateRaw {
		t.Fatalf("a failed hard reset leaves the prompt in raw mode, got=%s", s.State())
	}
}

func TestHardResetAfterSoftReset(t *testing.T) {
	ctx := context.Background()
	d := newFakeDevice()
	s, _ := rawSession(t, d, nil)

	if err := s.SoftReset(ctx, 0); err != nil {
		t.Fatalf("SoftReset: %v", err)
	}
	if s.State() != StateDetached {
		t.Fatalf("expected detached after soft reset, got=%s", s.State())
	}

	// The rebooted program is interrupted and raw mode re-entered first
	if err := s.HardReset(ctx, 0); err != nil {
		t.Fatalf("HardReset from detached: %v", err)
	}
	if d.hardResets != 1 {
		t.Fatalf("expected one hard reset, got=%d", d.hardResets)
	}
	if s.State() != StateDetached {
		t.Fatalf("expected detached after hard reset, got=%s", s.State())
	}
}
