package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drunlade/go-rawrepl/internal/cliconfig"
	"github.com/drunlade/go-rawrepl/rawrepl"
)

type rootOptions struct {
	configPath string
	port       string
	transport  string
	logLevel   string
	traceIO    bool
	timeout    time.Duration

	config cliconfig.Config
	logger *rawrepl.ZerologLogger
}

func (r *rootOptions) prepare(cmd *cobra.Command) error {
	explicit := cmd.Flags().Changed("config")
	cfg, err := cliconfig.Load(r.configPath, explicit)
	if err != nil {
		return err
	}
	if r.port != "" {
		cfg.Port = r.port
	}
	if r.transport != "" {
		cfg.Transport = r.transport
	}
	if r.logLevel != "" {
		cfg.LogLevel = r.logLevel
	}
	if r.traceIO {
		cfg.TraceIO = true
	}
	if r.timeout > 0 {
		cfg.Session.ExecTimeout = r.timeout
		cfg.Session.RunTimeout = r.timeout
	}

	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}
	r.config = cfg
	r.logger = logger
	return nil
}

// withSession connects, runs fn and closes the session.
func (r *rootOptions) withSession(callbacks *rawrepl.Callbacks, fn func(*rawrepl.Session) error) error {
	s, err := r.config.Connect(r.logger, callbacks)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// withRaw is withSession with the device already in raw mode. The prompt
// is handed back in normal mode unless fn left the session elsewhere.
func (r *rootOptions) withRaw(ctx context.Context, fn func(*rawrepl.Session) error) error {
	return r.withSession(nil, func(s *rawrepl.Session) error {
		if err := s.EnterRaw(ctx); err != nil {
			return err
		}
		fnErr := fn(s)
		if s.State() == rawrepl.StateRaw {
			if err := s.ExitRaw(ctx); err != nil && fnErr == nil {
				return err
			}
		}
		return fnErr
	})
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "mpyctl",
		Short:         "Control a MicroPython board over its raw REPL",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", cliconfig.DefaultPath(), "path to config file")
	rootCmd.PersistentFlags().StringVarP(&opts.port, "port", "p", "", "serial port or remote device (overrides config and RAWREPL_PORT)")
	rootCmd.PersistentFlags().StringVar(&opts.transport, "transport", "", "serial, ssh or pty (overrides config)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&opts.traceIO, "trace-io", false, "log every byte read from and written to the device")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "execution timeout; defaults to config")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "ports" {
			return nil
		}
		return opts.prepare(cmd)
	}
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		if opts.logger != nil {
			opts.logger.Close()
		}
	}

	rootCmd.AddCommand(newPortsCmd())
	rootCmd.AddCommand(newInfoCmd(opts))
	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newLsCmd(opts))
	rootCmd.AddCommand(newMkdirCmd(opts))
	rootCmd.AddCommand(newRmCmd(opts))
	rootCmd.AddCommand(newPutCmd(opts))
	rootCmd.AddCommand(newGetCmd(opts))
	rootCmd.AddCommand(newResetCmd(opts))
	rootCmd.AddCommand(newMonitorCmd(opts))
	rootCmd.AddCommand(newReplCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		log.Fatal(err)
	}
}

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := rawrepl.ListPorts()
			if err != nil {
				return err
			}
			return printPorts(cmd.OutOrStdout(), ports)
		},
	}
}

func newInfoCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the board's MicroPython version line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withSession(nil, func(s *rawrepl.Session) error {
				line, err := s.GetBoardInfo(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
				return nil
			})
		},
	}
}

func newResetCmd(root *rootOptions) *cobra.Command {
	var (
		hard bool
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Soft reset the board (Ctrl-D), or hard reset with --hard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return root.withSession(nil, func(s *rawrepl.Session) error {
				if hard {
					if err := s.EnterRaw(ctx); err != nil {
						return err
					}
					return s.HardReset(ctx, wait)
				}
				if err := s.EnterNormal(ctx); err != nil {
					return err
				}
				return s.SoftReset(ctx, wait)
			})
		},
	}
	cmd.Flags().BoolVar(&hard, "hard", false, "run machine.reset() instead of a soft reset")
	cmd.Flags().DurationVar(&wait, "wait", time.Second, "time to wait for the board to reboot")
	return cmd
}
