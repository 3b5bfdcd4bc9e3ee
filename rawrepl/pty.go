package rawrepl

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// DefaultPTYCommand is the unix port of MicroPython, which speaks the same
// raw REPL as boards do.
const DefaultPTYCommand = "micropython"

// PTYChannel is a Channel to a local interpreter process running under a
// pseudo-terminal.
type PTYChannel struct {
	*StreamChannel
	cmd  *exec.Cmd
	ptmx *os.File

	waitOnce sync.Once
	waitErr  error
}

// StartPTY starts name with args under a pseudo-terminal. The terminal is
// switched to raw mode so control bytes reach the interpreter unmodified.
func StartPTY(name string, args ...string) (*PTYChannel, error) {
	if name == "" {
		name = DefaultPTYCommand
	}
	cmd := exec.Command(name, args...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, fmt.Errorf("start %s under pty: %w", name, err)
	}

	if _, err := term.MakeRaw(int(ptmx.Fd())); err != nil {
		ptmx.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("raw mode on pty: %w", err)
	}

	ch := &PTYChannel{
		cmd:  cmd,
		ptmx: ptmx,
	}
	ch.StreamChannel = NewStreamChannel(ptmx, ptmx, closerFunc(ch.closePTY))
	return ch, nil
}

// Wait blocks until the interpreter process exits.
func (p *PTYChannel) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

func (p *PTYChannel) closePTY() error {
	err := p.ptmx.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	p.Wait()
	return err
}
