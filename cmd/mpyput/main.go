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
	"time"

	"github.com/drunlade/go-rawrepl/internal/cliconfig"
	"github.com/drunlade/go-rawrepl/rawrepl"
)

var (
	verbose    = flag.Bool("v", false, "verbose mode")
	quiet      = flag.Bool("q", false, "quiet mode")
	configPath = flag.String("c", "", "config file")
	port       = flag.String("p", "", "serial port (overrides config)")
	remoteDir  = flag.String("d", "/", "destination directory on the device")
	run        = flag.Bool("r", false, "run the last file after uploading")
	reset      = flag.Bool("reset", false, "soft reset the board when done")
	timeout    = flag.Int("t", 0, "run timeout in seconds (0: config default)")
	help       = flag.Bool("h", false, "show help")
	version    = flag.Bool("version", false, "show version")
)

const versionString = "mpyput version 0.1.0"

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

	os.Exit(upload(files))
}

// upload runs the whole transfer and returns the exit code, so deferred
// cleanup has run before main exits.
func upload(files []string) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *timeout > 0 {
		cfg.Session.RunTimeout = time.Duration(*timeout) * time.Second
	}

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	ctx, cancel := signalContext(sigChan)
	defer cancel()

	uploads := make([]rawrepl.Upload, 0, len(files))
	for _, filename := range files {
		info, err := os.Stat(filename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error accessing %s: %v\n", filename, err)
			continue
		}
		if info.IsDir() {
			fmt.Fprintf(os.Stderr, "Skipping directory: %s\n", filename)
			continue
		}
		content, err := os.ReadFile(filename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", filename, err)
			continue
		}
		uploads = append(uploads, rawrepl.Upload{
			Path:    path.Join(*remoteDir, filepath.Base(filename)),
			Content: content,
		})
	}

	if len(uploads) == 0 {
		fmt.Fprintf(os.Stderr, "No valid files to send\n")
		return 1
	}

	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer logger.Close()

	callbacks := &rawrepl.Callbacks{
		OnProgress: func(name string, sent, total int64, rate float64) {
			if *quiet || !*verbose {
				return
			}
			percent := float64(0)
			if total > 0 {
				percent = float64(sent) / float64(total) * 100
			}
			fmt.Fprintf(os.Stderr, "\r%s: %.1f%% (%.0f bytes/s)", name, percent, rate)
		},
	}

	logger.Info("uploading %d file(s) to %s on %s", len(uploads), *remoteDir, cfg.Port)
	session, err := cfg.Connect(logger, callbacks)
	if err != nil {
		logger.Error("connect: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer session.Close()

	return send(ctx, session, uploads)
}

func send(ctx context.Context, session *rawrepl.Session, uploads []rawrepl.Upload) int {
	if err := session.EnterRaw(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	start := time.Now()
	if err := session.PutFiles(ctx, uploads); err != nil {
		if !*quiet {
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}
		return 1
	}
	if !*quiet {
		for _, u := range uploads {
			if *verbose {
				fmt.Fprintf(os.Stderr, "\nCompleted: %s (%d bytes)\n", u.Path, len(u.Content))
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", u.Path)
			}
		}
		if *verbose {
			fmt.Fprintf(os.Stderr, "Sent %d file(s) in %v\n", len(uploads), time.Since(start).Round(time.Millisecond))
		}
	}

	if *run {
		last := uploads[len(uploads)-1].Path
		out, err := session.RunFile(ctx, last)
		os.Stdout.WriteString(out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error running %s: %v\n", last, err)
			return 1
		}
	}

	if *reset {
		if err := session.SoftReset(ctx, 0); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if err := session.ExitRaw(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
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
	fmt.Fprintf(os.Stderr, `%s - upload files to a MicroPython board over its raw REPL

Usage: %s [options] file...

Options:
  -c FILE          config file (default: $XDG_CONFIG_HOME/rawrepl/config.toml)
  -d DIR           destination directory on the device (default: /)
  -h               show this help message
  -p PORT          serial port, overrides config and RAWREPL_PORT
  -q               quiet mode, minimal output
  -r               run the last file after uploading
  -reset           soft reset the board when done
  -t N             run timeout in seconds
  -v               verbose mode
  --version        show version

Examples:
  %s main.py                   # Upload main.py to /
  %s -d /lib a.py b.py         # Upload two modules to /lib
  %s -r -v app.py              # Upload and run app.py

`, versionString, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
