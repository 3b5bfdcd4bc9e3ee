package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"

	"github.com/drunlade/go-rawrepl/internal/cliconfig"
	"github.com/drunlade/go-rawrepl/rawrepl"
)

var (
	verbose    = flag.Bool("v", false, "verbose mode")
	quiet      = flag.Bool("q", false, "quiet mode")
	configPath = flag.String("c", "", "config file")
	port       = flag.String("p", "", "serial port (overrides config)")
	localDir   = flag.String("o", ".", "local output directory")
	overwrite  = flag.Bool("y", false, "overwrite existing files")
	help       = flag.Bool("h", false, "show help")
	version    = flag.Bool("version", false, "show version")
)

const versionString = "mpyget version 0.1.0"

func main() {
	flag.Parse()

	if *help {
		showUsage(0)
	}

	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "%s: no files specified\n", os.Args[0])
		showUsage(1)
	}

	os.Exit(download(files))
}

// download runs the whole transfer and returns the exit code, so deferred
// cleanup has run before main exits.
func download(files []string) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	ctx, cancel := signalContext(sigChan)
	defer cancel()

	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer logger.Close()

	logger.Info("downloading %d file(s) from %s", len(files), cfg.Port)
	session, err := cfg.Connect(logger, nil)
	if err != nil {
		logger.Error("connect: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer session.Close()

	return receive(ctx, session, files)
}

func receive(ctx context.Context, session *rawrepl.Session, files []string) int {
	if err := session.EnterRaw(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	failed := 0
	for _, remote := range files {
		local := filepath.Join(*localDir, path.Base(remote))
		if _, err := os.Stat(local); err == nil && !*overwrite {
			if !*quiet {
				fmt.Fprintf(os.Stderr, "Skipping %s (exists, use -y to overwrite)\n", local)
			}
			continue
		}

		if *verbose && !*quiet {
			fmt.Fprintf(os.Stderr, "Receiving: %s\n", remote)
		}
		content, err := session.ReadFile(ctx, remote)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", remote, err)
			failed++
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if err := os.WriteFile(local, content, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", local, err)
			failed++
			continue
		}

		if !*quiet {
			if *verbose {
				fmt.Fprintf(os.Stderr, "Completed: %s (%d bytes)\n", local, len(content))
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", local)
			}
		}
	}

	if err := session.ExitRaw(ctx); err != nil && !*quiet {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func loadConfig() (cliconfig.Config, error) {
	path, explicit := *configPath, *configPath != ""
	if !explicit {
		path = cliconfig.DefaultPath()
	}
	cfg, err := cliconfig.Load(path, explicit)
	if err != nil {
		return cfg, err
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}
	if *quiet {
		cfg.LogLevel = "error"
	}
	return cfg, nil
}

func signalContext(sigChan chan os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx, cancel
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - download files from a MicroPython board over its raw REPL

Usage: %s [options] remote-file...

Options:
  -c FILE          config file (default: $XDG_CONFIG_HOME/rawrepl/config.toml)
  -h               show this help message
  -o DIR           local output directory (default: .)
  -p PORT          serial port, overrides config and RAWREPL_PORT
  -q               quiet mode, minimal output
  -v               verbose mode
  -y               overwrite existing files
  --version        show version

Examples:
  %s /main.py                  # Download main.py into the current directory
  %s -o backup /boot.py /main.py
  %s -y -v /lib/util.py        # Replace a local copy

`, versionString, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
