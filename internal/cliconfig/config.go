// Package cliconfig loads the command-line tools' settings from a TOML file
// and the environment, and opens the configured channel.
package cliconfig

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/drunlade/go-rawrepl/rawrepl"
	"github.com/rs/zerolog"
)

// Transports understood by Open.
const (
	TransportSerial = "serial"
	TransportSSH    = "ssh"
	TransportPTY    = "pty"
)

// Environment overrides, applied after the file.
const (
	EnvPort     = "RAWREPL_PORT"
	EnvLogLevel = "RAWREPL_LOG_LEVEL"
	EnvBaud     = "RAWREPL_BAUD"
)

// Config is the resolved CLI configuration.
type Config struct {
	Transport string
	Port      string
	Baud      int
	HoldReset bool

	SSH rawrepl.SSHConfig

	PTYCommand string
	PTYArgs    []string

	LogLevel string
	LogFile  string
	NoColor  bool

	// TraceIO logs every channel read and write at debug level.
	TraceIO bool

	Session *rawrepl.Config
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Transport:  TransportSerial,
		Baud:       rawrepl.DefaultBaudRate,
		PTYCommand: rawrepl.DefaultPTYCommand,
		LogLevel:   "info",
		Session:    rawrepl.DefaultConfig(),
	}
}

type fileConfig struct {
	Transport string `toml:"transport"`
	Port      string `toml:"port"`
	Baud      int    `toml:"baud"`
	HoldReset bool   `toml:"hold_reset"`
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	NoColor   bool   `toml:"no_color"`
	TraceIO   bool   `toml:"trace_io"`

	SSH struct {
		Host           string `toml:"host"`
		User           string `toml:"user"`
		Password       string `toml:"password"`
		KeyFile        string `toml:"key_file"`
		KnownHosts     string `toml:"known_hosts"`
		RemotePort     string `toml:"remote_port"`
		BridgeCommand  string `toml:"bridge_command"`
		ConnectTimeout string `toml:"connect_timeout"`
	} `toml:"ssh"`

	PTY struct {
		Command string   `toml:"command"`
		Args    []string `toml:"args"`
	} `toml:"pty"`

	Session struct {
		InterruptPacing        string `toml:"interrupt_pacing"`
		ControlPacing          string `toml:"control_pacing"`
		SettleDelay            string `toml:"settle_delay"`
		BannerTimeout          string `toml:"banner_timeout"`
		IdleTimeout            string `toml:"idle_timeout"`
		ChunkSize              int    `toml:"chunk_size"`
		ChunkThreshold         int    `toml:"chunk_threshold"`
		ChunkDelay             string `toml:"chunk_delay"`
		ExecTimeout            string `toml:"exec_timeout"`
		RunTimeout             string `toml:"run_timeout"`
		TransferTimeoutFloor   string `toml:"transfer_timeout_floor"`
		TransferBytesPerSecond int    `toml:"transfer_bytes_per_second"`
		BoardInfoTimeout       string `toml:"board_info_timeout"`
		PasteMode              bool   `toml:"paste_mode"`
	} `toml:"session"`
}

// DefaultPath is $XDG_CONFIG_HOME/rawrepl/config.toml or its platform
// equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "rawrepl", "config.toml")
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is an error only when explicit is set.
func Load(path string, explicit bool) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return Config{}, err
			}
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Session.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load rawrepl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load rawrepl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("transport") {
		c.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("port") {
		c.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("baud") {
		c.Baud = raw.Baud
	}
	if meta.IsDefined("hold_reset") {
		c.HoldReset = raw.HoldReset
	}
	if meta.IsDefined("log_level") {
		c.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_file") {
		c.LogFile = strings.TrimSpace(raw.LogFile)
	}
	if meta.IsDefined("no_color") {
		c.NoColor = raw.NoColor
	}
	if meta.IsDefined("trace_io") {
		c.TraceIO = raw.TraceIO
	}

	if meta.IsDefined("ssh", "host") {
		c.SSH.Host = strings.TrimSpace(raw.SSH.Host)
	}
	if meta.IsDefined("ssh", "user") {
		c.SSH.User = strings.TrimSpace(raw.SSH.User)
	}
	if meta.IsDefined("ssh", "password") {
		c.SSH.Password = raw.SSH.Password
	}
	if meta.IsDefined("ssh", "key_file") {
		c.SSH.KeyFile = strings.TrimSpace(raw.SSH.KeyFile)
	}
	if meta.IsDefined("ssh", "known_hosts") {
		c.SSH.KnownHostsFile = strings.TrimSpace(raw.SSH.KnownHosts)
	}
	if meta.IsDefined("ssh", "remote_port") {
		c.SSH.RemotePort = strings.TrimSpace(raw.SSH.RemotePort)
	}
	if meta.IsDefined("ssh", "bridge_command") {
		c.SSH.BridgeCommand = raw.SSH.BridgeCommand
	}
	if err := parseDuration(meta, raw.SSH.ConnectTimeout, &c.SSH.Timeout, "ssh", "connect_timeout"); err != nil {
		return err
	}

	if meta.IsDefined("pty", "command") {
		c.PTYCommand = strings.TrimSpace(raw.PTY.Command)
	}
	if meta.IsDefined("pty", "args") {
		c.PTYArgs = raw.PTY.Args
	}

	s := c.Session
	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"interrupt_pacing", raw.Session.InterruptPacing, &s.InterruptPacing},
		{"control_pacing", raw.Session.ControlPacing, &s.ControlPacing},
		{"settle_delay", raw.Session.SettleDelay, &s.SettleDelay},
		{"banner_timeout", raw.Session.BannerTimeout, &s.BannerTimeout},
		{"idle_timeout", raw.Session.IdleTimeout, &s.IdleTimeout},
		{"chunk_delay", raw.Session.ChunkDelay, &s.ChunkDelay},
		{"exec_timeout", raw.Session.ExecTimeout, &s.ExecTimeout},
		{"run_timeout", raw.Session.RunTimeout, &s.RunTimeout},
		{"transfer_timeout_floor", raw.Session.TransferTimeoutFloor, &s.TransferTimeoutFloor},
		{"board_info_timeout", raw.Session.BoardInfoTimeout, &s.BoardInfoTimeout},
	}
	for _, d := range durations {
		if err := parseDuration(meta, d.value, d.dst, "session", d.key); err != nil {
			return err
		}
	}
	if meta.IsDefined("session", "chunk_size") {
		s.ChunkSize = raw.Session.ChunkSize
	}
	if meta.IsDefined("session", "chunk_threshold") {
		s.ChunkThreshold = raw.Session.ChunkThreshold
	}
	if meta.IsDefined("session", "transfer_bytes_per_second") {
		s.TransferBytesPerSecond = raw.Session.TransferBytesPerSecond
	}
	if meta.IsDefined("session", "paste_mode") {
		s.UsePasteMode = raw.Session.PasteMode
	}
	return nil
}

func parseDuration(meta toml.MetaData, value string, dst *time.Duration, key ...string) error {
	if !meta.IsDefined(key...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
	}
	*dst = d
	return nil
}

// ApplyEnv applies environment overrides using getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv(EnvPort)); v != "" {
		c.Port = v
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(getenv(EnvBaud)); v != "" {
		baud, err := strconv.Atoi(v)
		if err != nil || baud <= 0 {
			return fmt.Errorf("parse %s: invalid baud rate %q", EnvBaud, v)
		}
		c.Baud = baud
	}
	return nil
}

// Logger builds the zerolog-backed logger: console output on w, or JSON
// lines appended to LogFile when set.
func (c Config) Logger(w io.Writer) (*rawrepl.ZerologLogger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", c.LogLevel, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if c.LogFile != "" {
		logger, err := rawrepl.NewFileLogger(c.LogFile)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		return logger.WithLevel(level), nil
	}
	return rawrepl.NewConsoleLogger(w, level, c.NoColor), nil
}

// Open connects the configured transport.
func (c Config) Open() (rawrepl.Channel, error) {
	switch c.Transport {
	case "", TransportSerial:
		ch, err := rawrepl.OpenSerial(rawrepl.SerialConfig{
			PortName:  c.Port,
			BaudRate:  c.Baud,
			HoldReset: c.HoldReset,
		})
		if err != nil {
			return nil, err
		}
		return ch, nil
	case TransportSSH:
		sshCfg := c.SSH
		if sshCfg.RemotePort == "" {
			sshCfg.RemotePort = c.Port
		}
		if sshCfg.BaudRate == 0 {
			sshCfg.BaudRate = c.Baud
		}
		ch, err := rawrepl.DialSSH(sshCfg)
		if err != nil {
			return nil, err
		}
		return ch, nil
	case TransportPTY:
		ch, err := rawrepl.StartPTY(c.PTYCommand, c.PTYArgs...)
		if err != nil {
			return nil, err
		}
		return ch, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want %s, %s or %s)",
			c.Transport, TransportSerial, TransportSSH, TransportPTY)
	}
}

// Connect opens the channel and starts a detached session over it. Closing
// the session closes the channel.
func (c Config) Connect(logger rawrepl.Logger, callbacks *rawrepl.Callbacks) (*rawrepl.Session, error) {
	ch, err := c.Open()
	if err != nil {
		return nil, err
	}
	if c.TraceIO {
		name := c.Transport
		if c.Port != "" {
			name = c.Port
		}
		ch = rawrepl.NewLoggingChannel(ch, logger, name)
	}

	s, err := rawrepl.NewSession(ch,
		rawrepl.WithConfig(c.Session),
		rawrepl.WithLogger(logger),
		rawrepl.WithCallbacks(callbacks),
	)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return s, nil
}
