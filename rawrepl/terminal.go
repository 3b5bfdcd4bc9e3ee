package rawrepl

import (
	"bytes"
	"context"
	"io"
)

// Terminal connects an interactive user to the device prompt. Device output
// is copied to out and bytes read from in are written to the channel, until
// ctx is done, in reaches EOF or the user types CtrlTerminalExit (Ctrl-]).
//
// The user may start programs or switch modes, so the session is detached
// afterwards.
//
// Example:
//
//	old, _ := term.MakeRaw(int(os.Stdin.Fd()))
//	defer term.Restore(int(os.Stdin.Fd()), old)
//	err := sess.Terminal(ctx, os.Stdin, os.Stdout)
func (s *Session) Terminal(ctx context.Context, in io.Reader, out io.Writer) error {
	const phase = "terminal"

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StatePassive:
		s.stopPassive()
	case StateRaw:
		if err := s.exitRaw(ctx); err != nil {
			return err
		}
	}
	s.setState(StateNormal)
	defer s.setState(StateDetached)

	// The input reader blocks and cannot be interrupted; the goroutine ends
	// with the next read after the session returns.
	input := make(chan inputChunk, 16)
	stop := make(chan struct{})
	defer close(stop)
	go readInput(in, input, stop)

	s.logger.Info("terminal attached (exit with Ctrl-])")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		data, err := s.channel.Read(s.config.PassivePoll)
		if err != nil {
			return wrapError(phase, err)
		}
		if len(data) > 0 {
			if _, err := out.Write(data); err != nil {
				return err
			}
		}

		for pending := true; pending; {
			select {
			case chunk := <-input:
				if chunk.err != nil {
					if chunk.err == io.EOF {
						return nil
					}
					return chunk.err
				}
				if idx := bytes.IndexByte(chunk.data, CtrlTerminalExit); idx >= 0 {
					if idx > 0 {
						if err := s.write(phase, chunk.data[:idx]); err != nil {
							return err
						}
					}
					s.logger.Info("terminal detached")
					return nil
				}
				if err := s.write(phase, chunk.data); err != nil {
					return err
				}
			default:
				pending = false
			}
		}
	}
}

// inputChunk carries user input in order, with the terminating error last.
type inputChunk struct {
	data []byte
	err  error
}

func readInput(in io.Reader, input chan<- inputChunk, stop <-chan struct{}) {
	buf := make([]byte, 256)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case input <- inputChunk{data: data}:
			case <-stop:
				return
			}
		}
		if err != nil {
			select {
			case input <- inputChunk{err: err}:
			case <-stop:
			}
			return
		}
	}
}
