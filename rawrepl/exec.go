package rawrepl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// execName labels progress for plain execution.
const execName = "<exec>"

// Execute runs source in raw mode and returns its standard output. The
// session must be in raw mode. timeout bounds the whole submission including
// output collection; zero selects Config.ExecTimeout. chunkSize splits the
// submitted source into paced writes; zero writes it in one piece.
//
// A traceback, an ERROR: line or anything written to standard error yields
// an execution error carrying the device output. A response that does not
// start with the raw acknowledgement is a protocol desync.
func (s *Session) Execute(ctx context.Context, source string, timeout time.Duration, chunkSize int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireState("execute", StateRaw); err != nil {
		return "", err
	}
	return s.execute(ctx, execName, []byte(source), timeout, chunkSize)
}

// rawResponse is a parse of accumulated raw-mode output:
// OK<stdout>\x04<stderr>\x04>
type rawResponse struct {
	undecided bool // too short to tell whether the ack is present
	ack       bool
	stdout    string
	stderr    string
	complete  bool
}

func (r rawResponse) failed() bool {
	return (r.complete && r.stderr != "") ||
		strings.Contains(r.stdout, TracebackMarker) ||
		strings.Contains(r.stderr, TracebackMarker) ||
		containsErrorLine(r.stdout)
}

func containsErrorLine(out string) bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), ErrorMarker) {
			return true
		}
	}
	return false
}

// parseRawResponse interprets everything received so far. Leading prompt
// characters left over from entering raw mode are skipped.
func parseRawResponse(b []byte) rawResponse {
	b = bytes.TrimLeft(b, ">\r\n ")

	if len(b) < len(RawAck) {
		return rawResponse{undecided: strings.HasPrefix(RawAck, string(b))}
	}
	if !bytes.HasPrefix(b, []byte(RawAck)) {
		return rawResponse{}
	}

	res := rawResponse{ack: true}
	body := b[len(RawAck):]

	first := bytes.IndexByte(body, CtrlExecute)
	if first < 0 {
		res.stdout = string(body)
		return res
	}
	res.stdout = string(body[:first])

	rest := body[first+1:]
	second := bytes.IndexByte(rest, CtrlExecute)
	if second < 0 {
		res.stderr = string(rest)
		return res
	}
	res.stderr = string(rest[:second])
	res.complete = true
	return res
}

// execute submits source and collects the response. Caller holds mu and has
// put the session in raw mode.
func (s *Session) execute(ctx context.Context, name string, source []byte, timeout time.Duration, chunkSize int) (string, error) {
	const phase = "execute"

	if s.resyncPending {
		if err := s.resync(ctx, phase); err != nil {
			return "", err
		}
	}

	if timeout <= 0 {
		timeout = s.config.ExecTimeout
	}
	deadline := time.Now().Add(timeout)

	s.setState(StateExecuting)
	defer s.setState(StateRaw)

	if err := s.discardResidue(ctx, phase, deadline); err != nil {
		return "", err
	}
	if err := s.submit(ctx, name, source, chunkSize, deadline); err != nil {
		if abandoned(err) {
			s.abandon(phase, err)
		}
		return "", err
	}
	if !time.Now().Before(deadline) {
		err := submitTimeout(phase, len(source), len(source))
		s.abandon(phase, err)
		return "", err
	}
	if err := s.write(phase, []byte{CtrlExecute}); err != nil {
		return "", err
	}

	return s.collect(ctx, phase, deadline)
}

// abandoned reports whether err left an execution unfinished on a device
// that is still attached.
func abandoned(err error) bool {
	return IsTimeout(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// abandon stops an execution that ran out of time or was cancelled. The
// interrupt clears a partly received source or stops the running code; the
// output that follows is drained by resync before the next execution.
func (s *Session) abandon(phase string, cause error) {
	s.resyncPending = true
	if err := s.channel.Write([]byte{CtrlInterrupt}); err != nil {
		s.logger.Debug("%s: interrupt after abandoning failed: %v", phase, err)
	}
	s.logger.Warn("%s abandoned (%v); resynchronizing before the next operation", phase, cause)
}

// resync interrupts whatever an abandoned execution left running and drains
// its output, leaving the device at an empty raw prompt.
func (s *Session) resync(ctx context.Context, phase string) error {
	for i := 0; i < s.config.InterruptCount; i++ {
		if err := s.write(phase, []byte{CtrlInterrupt}); err != nil {
			return err
		}
		if err := s.pause(ctx, s.config.InterruptPacing); err != nil {
			return wrapError(phase, err)
		}
	}
	n, err := s.drain(ctx, phase)
	if err != nil {
		return err
	}
	s.resyncPending = false
	s.emit(EventResync, fmt.Sprintf("%d bytes discarded", n))
	return nil
}

// discardResidue drops anything the device sent since the last exchange so
// it cannot be parsed as this execution's response.
func (s *Session) discardResidue(ctx context.Context, phase string, deadline time.Time) error {
	discarded := 0
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return wrapError(phase, err)
		}
		wait := s.config.DrainReadTimeout
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		data, err := s.channel.Read(wait)
		if err != nil {
			return wrapError(phase, err)
		}
		if len(data) == 0 {
			break
		}
		discarded += len(data)
	}
	if discarded > 0 {
		s.logger.Debug("%s: discarded %d bytes of residue", phase, discarded)
	}
	return nil
}

func submitTimeout(phase string, sent, total int) error {
	return NewError(ErrTimeout, phase, fmt.Sprintf("deadline passed after %d of %d bytes", sent, total))
}

// submit writes source, paced in chunks when chunkSize is set. It gives up
// with a timeout once the deadline leaves no room for the next chunk and its
// delay.
func (s *Session) submit(ctx context.Context, name string, source []byte, chunkSize int, deadline time.Time) error {
	const phase = "submit source"

	total := int64(len(source))
	progress := newSubmitProgress(s.callbacks.OnProgress, s.config.ProgressInterval, name, total)

	if chunkSize <= 0 || chunkSize >= len(source) {
		if !time.Now().Before(deadline) {
			return submitTimeout(phase, 0, len(source))
		}
		if err := s.write(phase, source); err != nil {
			return err
		}
		progress.finish(total)
		return nil
	}

	sent := 0
	for sent < len(source) {
		if time.Until(deadline) < s.config.ChunkDelay {
			return submitTimeout(phase, sent, len(source))
		}
		end := sent + chunkSize
		if end > len(source) {
			end = len(source)
		}
		if err := s.write(phase, source[sent:end]); err != nil {
			return err
		}
		sent = end
		progress.advance(int64(sent))
		s.emit(EventChunkSent, fmt.Sprintf("%s %d/%d", name, sent, total))

		// Every chunk, the last included, is followed by the delay so the
		// receive buffer is empty before the execute byte arrives
		if err := s.pause(ctx, s.config.ChunkDelay); err != nil {
			return wrapError(phase, err)
		}
	}

	duration := progress.finish(total)
	s.logger.Debug("submitted %s: %d bytes in %d chunks (%v)", name, total, (len(source)+chunkSize-1)/chunkSize, duration)
	return nil
}

// collect reads until the response is complete, the device stays idle for
// IdleTimeout after acknowledging, or the deadline passes. Each read waits
// at most ReadTimeout so the deadline is overrun by no more than one read.
func (s *Session) collect(ctx context.Context, phase string, deadline time.Time) (string, error) {
	var acc bytes.Buffer
	var res rawResponse
	failing := false
	lastData := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			s.abandon(phase, err)
			return "", wrapError(phase, err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			e := NewError(ErrTimeout, phase, "no complete response before deadline")
			e.Snippet = truncate(acc.String(), SnippetLimit)
			s.abandon(phase, e)
			if failing {
				break
			}
			return "", e
		}
		wait := s.config.ReadTimeout
		if remaining < wait {
			wait = remaining
		}

		data, err := s.channel.Read(wait)
		if err != nil {
			return "", wrapError(phase, err)
		}
		if len(data) == 0 {
			if res.ack && time.Since(lastData) >= s.config.IdleTimeout {
				// Idle after the acknowledgement: accept what arrived
				s.logger.Debug("%s: device idle for %v before completion sequence", phase, s.config.IdleTimeout)
				break
			}
			continue
		}

		lastData = time.Now()
		acc.Write(data)
		res = parseRawResponse(acc.Bytes())
		if !res.ack && !res.undecided {
			s.drainAfter(ctx, deadline)
			e := NewError(ErrProtocolDesync, phase, "response does not start with the raw acknowledgement")
			e.Snippet = truncate(acc.String(), SnippetLimit)
			return "", e
		}
		if res.complete {
			break
		}
		// Keep reading after a failure signature so the device output is
		// consumed up to the completion sequence
		if res.failed() {
			failing = true
		}
	}

	res = parseRawResponse(acc.Bytes())
	if !res.ack {
		e := NewError(ErrProtocolDesync, phase, "response does not start with the raw acknowledgement")
		e.Snippet = truncate(acc.String(), SnippetLimit)
		return "", e
	}
	if res.failed() {
		out := strings.TrimSpace(res.stderr)
		if out == "" {
			out = strings.TrimSpace(res.stdout)
		}
		e := NewError(ErrExecution, phase, "device reported an error")
		e.Snippet = truncate(out, SnippetLimit)
		return res.stdout, e
	}
	return res.stdout, nil
}

// drainAfter consumes leftover output after a desync so the next operation
// does not start in the middle of it.
func (s *Session) drainAfter(ctx context.Context, deadline time.Time) {
	for time.Now().Before(deadline) && ctx.Err() == nil {
		data, err := s.channel.Read(s.config.DrainReadTimeout)
		if err != nil || len(data) == 0 {
			return
		}
	}
}
