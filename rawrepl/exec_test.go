package rawrepl

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func rawSession(t *testing.T, d *fakeDevice, cbs *Callbacks) (*Session, *recordingSleeper) {
	t.Helper()
	s, rec := newTestSession(t, d, cbs)
	if err := s.EnterRaw(context.Background()); err != nil {
		t.Fatalf("EnterRaw: %v", err)
	}
	return s, rec
}

func TestParseRawResponse(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want rawResponse
	}{
		{"empty", "", rawResponse{undecided: true}},
		{"partial ack", "O", rawResponse{undecided: true}},
		{"prompt then partial ack", ">O", rawResponse{undecided: true}},
		{"ack only", "OK", rawResponse{ack: true}},
		{"stdout streaming", "OKhello\r\n", rawResponse{ack: true, stdout: "hello\r\n"}},
		{"stderr streaming", "OKhi\x04Trace", rawResponse{ack: true, stdout: "hi", stderr: "Trace"}},
		{"complete", "OKhi\r\n\x04\x04>", rawResponse{ack: true, stdout: "hi\r\n", complete: true}},
		{"leading prompt", ">OK\x04\x04>", rawResponse{ack: true, complete: true}},
		{"desync", ">>> print(1)", rawResponse{}},
		{"desync short", "x", rawResponse{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseRawResponse([]byte(tc.in))
			if got != tc.want {
				t.Fatalf("parseRawResponse(%q) got=%+v want=%+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestExecuteRequiresRaw(t *testing.T) {
	s, _ := newTestSession(t, newFakeDevice(), nil)
	if _, err := s.Execute(context.Background(), "print(1+1)", 0, 0); !IsInvalidState(err) {
		t.Fatalf("expected invalid state, got=%v", err)
	}
}

func TestExecuteOutput(t *testing.T) {
	d := newFakeDevice()
	s, _ := rawSession(t, d, nil)

	out, err := s.Execute(context.Background(), "print(40+2)\nprint('done')", 0, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "42\r\ndone\r\n" {
		t.Fatalf("unexpected output: %q", out)
	}
	if s.State() != StateRaw {
		t.Fatalf("expected raw after execute, got=%s", s.State())
	}
}

func TestExecuteFragmentedOutput(t *testing.T) {
	d := newFakeDevice()
	s, _ := rawSession(t, d, nil)
	d.maxRead = 1

	out, err := s.Execute(context.Background(), "print('one byte at a time')", 0, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "one byte at a time\r\n" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestExecuteTraceback(t *testing.T) {
	d := newFakeDevice()
	s, _ := rawSession(t, d, nil)

	out, err := s.Execute(context.Background(), "print('before')\nraise ValueError('bad value')", 0, 0)
	if !IsExecution(err) {
		t.Fatalf("expected execution error, got=%v", err)
	}
	var e *Error
	if !errors.As(err, &e) || !strings.Contains(e.Snippet, "ValueError") {
		t.Fatalf("snippet should carry the exception, got=%v", err)
	}
	if out != "before\r\n" {
		t.Fatalf("stdout should still be returned, got=%q", out)
	}
	if s.State() != StateRaw {
		t.Fatalf("expected raw after failure, got=%s", s.State())
	}

	// The response was fully consumed; the next execution is clean
	next, err := s.Execute(context.Background(), "print(1+1)", 0, 0)
	if err != nil || next != "2\r\n" {
		t.Fatalf("next execute got=%q err=%v", next, err)
	}
}

func TestExecuteErrorMarker(t *testing.T) {
	d := newFakeDevice()
	d.handler = func(src string) (string, string, bool) {
		return "ERROR: sensor not found\r\n", "", true
	}
	s, _ := rawSession(t, d, nil)

	if _, err := s.Execute(context.Background(), "probe()", 0, 0); !IsExecution(err) {
		t.Fatalf("expected execution error, got=%v", err)
	}
}

func TestExecuteSnippetTruncated(t *testing.T) {
	d := newFakeDevice()
	d.handler = func(src string) (string, string, bool) {
		return "", traceback("MemoryError", strings.Repeat("x", 1000)), true
	}
	s, _ := rawSession(t, d, nil)

	_, err := s.Execute(context.Background(), "alloc()", 0, 0)
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got=%v", err)
	}
	if len(e.Snippet) > SnippetLimit+len("...[truncated]") {
		t.Fatalf("snippet not truncated: %d bytes", len(e.Snippet))
	}
}

func TestExecuteTimeoutBounded(t *testing.T) {
	d := newFakeDevice()
	s, _ := rawSession(t, d, nil)
	d.hang = true

	timeout := 80 * time.Millisecond
	start := time.Now()
	_, err := s.Execute(context.Background(), "while True: pass", timeout, 0)
	elapsed := time.Since(start)

	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got=%v", err)
	}
	// One read unit of overrun plus scheduling slack
	if limit := timeout + s.config.ReadTimeout + 50*time.Millisecond; elapsed > limit {
		t.Fatalf("timeout overrun: elapsed=%v limit=%v", elapsed, limit)
	}
}

func TestExecuteChunkedTimeoutBounded(t *testing.T) {
	d := newFakeDevice()
	s, _ := rawSession(t, d, nil)
	s.sleep = time.Sleep

	// 202 paced chunks need far longer than the timeout
	source := "print('x')\n" + strings.Repeat("#", 2000)
	timeout := 100 * time.Millisecond
	start := time.Now()
	_, err := s.Execute(context.Background(), source, timeout, 10)
	elapsed := time.Since(start)

	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got=%v", err)
	}
	if limit := timeout + s.config.ReadTimeout + 50*time.Millisecond; elapsed > limit {
		t.Fatalf("chunked submission overran the timeout: elapsed=%v limit=%v", elapsed, limit)
	}

	d.mu.Lock()
	executed := len(d.executed)
	d.mu.Unlock()
	if executed != 0 {
		t.Fatalf("a partial submission must not be executed, got=%d executions", executed)
	}
	if s.State() != StateRaw {
		t.Fatalf("expected raw after timeout, got=%s", s.State())
	}
}

func TestExecuteAfterSubmitTimeoutReturnsOwnOutput(t *testing.T) {
	ctx := context.Background()
	d := newFakeDevice()
	s, _ := rawSession(t, d, nil)
	s.sleep = time.Sleep

	first := "print('first')\n" + strings.Repeat("#", 500)
	if _, err := s.Execute(ctx, first, 50*time.Millisecond, 10); !IsTimeout(err) {
		t.Fatalf("expected timeout, got=%v", err)
	}

	out, err := s.Execute(ctx, "print('second')\n", time.Second, 0)
	if err != nil {
		t.Fatalf("retry after timeout: %v", err)
	}
	if out != "second\r\n" {
		t.Fatalf("retry returned stale output: %q", out)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.executed) != 1 || d.executed[0] != "print('second')\n" {
		t.Fatalf("partial source leaked into the retry: %q", d.executed)
	}
}

func TestExecuteAfterCollectTimeoutReturnsOwnOutput(t *testing.T) {
	ctx := context.Background()
	d := newFakeDevice()
	var resyncs int
	s, _ := rawSession(t, d, &Callbacks{OnEvent: func(e Event) {
		if e.Type == EventResync {
			resyncs++
		}
	}})

	d.mu.Lock()
	d.hang = true
	d.mu.Unlock()
	if _, err := s.Execute(ctx, "while True: pass", 50*time.Millisecond, 0); !IsTimeout(err) {
		t.Fatalf("expected timeout, got=%v", err)
	}
	if s.State() != StateRaw {
		t.Fatalf("expected raw after timeout, got=%s", s.State())
	}

	// The interrupted execution's KeyboardInterrupt is waiting on the wire
	d.mu.Lock()
	d.hang = false
	pending := string(d.out)
	d.mu.Unlock()
	if !strings.Contains(pending, "KeyboardInterrupt") {
		t.Fatalf("abandoned execution was not interrupted: %q", pending)
	}

	out, err := s.Execute(ctx, "print(1+1)", 0, 0)
	if err != nil {
		t.Fatalf("retry after timeout: %v", err)
	}
	if out != "2\r\n" {
		t.Fatalf("retry returned stale output: %q", out)
	}
	if resyncs != 1 {
		t.Fatalf("expected one resync, got=%d", resyncs)
	}
}

func TestExecuteCancelledMidSubmit(t *testing.T) {
	d := newFakeDevice()
	s, _ := rawSession(t, d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	chunks := 0
	s.sleep = func(time.Duration) {
		chunks++
		if chunks == 3 {
			cancel()
		}
	}

	source := "print('lost')\n" + strings.Repeat("#", 200)
	if _, err := s.Execute(ctx, source, time.Second, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got=%v", err)
	}

	out, err := s.Execute(context.Background(), "print(2+3)", 0, 0)
	if err != nil || out != "5\r\n" {
		t.Fatalf("execute after cancellation got=%q err=%v", out, err)
	}
}

func TestExecuteIdleAfterAck(t *testing.T) {
	d := newFakeDevice()
	s, _ := rawSession(t, d, nil)

	// Device acknowledges and prints, but never sends the completion sequence
	d.mu.Lock()
	d.stall = "partial"
	d.mu.Unlock()

	start := time.Now()
	out, err := s.Execute(context.Background(), "print('partial')", time.Second, 0)
	if err != nil {
		t.Fatalf("idle completion should succeed: %v", err)
	}
	if out != "partial" {
		t.Fatalf("unexpected output: %q", out)
	}
	if time.Since(start) >= time.Second {
		t.Fatalf("idle completion waited for the full timeout")
	}
}

func TestExecuteDesync(t *testing.T) {
	d := newFakeDevice()
	s, _ := rawSession(t, d, nil)

	// The device fell back to the normal prompt behind the session's back
	d.mu.Lock()
	d.mode = fakeNormal
	d.mu.Unlock()

	if _, err := s.Execute(context.Background(), "print(1+1)", 0, 0); !IsProtocolDesync(err) {
		t.Fatalf("expected protocol desync, got=%v", err)
	}
}

func TestExecuteChunkedEquivalent(t *testing.T) {
	source := strings.Repeat("print('chunk')\n", 40) + "print(1+2)\n"

	run := func(chunkSize int) (string, int) {
		d := newFakeDevice()
		s, rec := rawSession(t, d, nil)
		out, err := s.Execute(context.Background(), source, 0, chunkSize)
		if err != nil {
			t.Fatalf("Execute chunk=%d: %v", chunkSize, err)
		}
		return out, rec.count(s.config.ChunkDelay)
	}

	whole, wholeDelays := run(0)
	chunked, chunkedDelays := run(37)

	if whole != chunked {
		t.Fatalf("chunked output differs: whole=%q chunked=%q", whole, chunked)
	}
	if wholeDelays != 0 {
		t.Fatalf("unchunked submission should not pace, got=%d delays", wholeDelays)
	}
	if want := (len(source) + 36) / 37; chunkedDelays != want {
		t.Fatalf("expected %d chunk delays, got=%d", want, chunkedDelays)
	}
}

func TestExecuteChannelClosed(t *testing.T) {
	d := newFakeDevice()
	s, _ := rawSession(t, d, nil)
	d.disconnect()

	if _, err := s.Execute(context.Background(), "print(1+1)", 0, 0); !IsChannelClosed(err) {
		t.Fatalf("expected channel closed, got=%v", err)
	}
}

func TestExecuteProgress(t *testing.T) {
	d := newFakeDevice()
	var last [2]int64
	s, _ := rawSession(t, d, &Callbacks{OnProgress: func(name string, sent, total int64, rate float64) {
		last = [2]int64{sent, total}
	}})

	source := strings.Repeat("print('x')\n", 20)
	if _, err := s.Execute(context.Background(), source, 0, 32); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if last[0] != int64(len(source)) || last[1] != int64(len(source)) {
		t.Fatalf("final progress got=%v want=%d", last, len(source))
	}
}
