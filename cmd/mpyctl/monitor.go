package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/drunlade/go-rawrepl/rawrepl"
)

func newMonitorCmd(root *rootOptions) *cobra.Command {
	var (
		raw  bool
		send bool
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Print lines the board's own program writes, without interrupting it",
		Long: "Listen to the device in passive mode. JSON lines are printed with their type; " +
			"with --send, each JSON line read from stdin is forwarded to the device.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			out := cmd.OutOrStdout()
			var mu sync.Mutex
			callbacks := &rawrepl.Callbacks{
				OnMessage: func(msg rawrepl.Message) {
					mu.Lock()
					defer mu.Unlock()
					fmt.Fprintln(out, formatMessage(msg))
				},
				OnConnectionLost: func(err error) {
					fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
					cancel()
				},
			}

			mode := rawrepl.LineModeJSON
			if raw {
				mode = rawrepl.LineModeRaw
			}
			return root.withSession(callbacks, func(s *rawrepl.Session) error {
				if err := s.StartPassive(ctx, mode); err != nil {
					return err
				}
				if send {
					go forwardMessages(ctx, s, cmd.InOrStdin())
				}
				<-ctx.Done()
				return s.StopPassive(context.Background())
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print every line verbatim instead of decoding JSON")
	cmd.Flags().BoolVar(&send, "send", false, "forward JSON lines from stdin to the device")
	return cmd
}

func formatMessage(msg rawrepl.Message) string {
	if msg.Type != "" {
		return fmt.Sprintf("[%s] %s", msg.Type, msg.Line)
	}
	return msg.Line
}

func forwardMessages(ctx context.Context, s *rawrepl.Session, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			fmt.Fprintf(os.Stderr, "not JSON, dropped: %s\n", line)
			continue
		}
		if err := s.SendMessage(ctx, json.RawMessage(line)); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			return
		}
	}
}

func newReplCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Attach the terminal to the board's interactive prompt (Ctrl-] to exit)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withSession(nil, func(s *rawrepl.Session) error {
				fd := int(os.Stdin.Fd())
				if term.IsTerminal(fd) {
					oldState, err := term.MakeRaw(fd)
					if err != nil {
						return fmt.Errorf("raw terminal: %w", err)
					}
					defer term.Restore(fd, oldState)
				}
				fmt.Fprint(os.Stderr, "Connected. Press Ctrl-] to exit.\r\n")
				return s.Terminal(cmd.Context(), os.Stdin, os.Stdout)
			})
		},
	}
}
