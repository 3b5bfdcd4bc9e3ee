package rawrepl

import (
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultBridgeCommand relays a remote serial port over the SSH session's
// stdin/stdout without line discipline.
const DefaultBridgeCommand = "socat - %s,b%d,raw,echo=0"

// SSHConfig describes a serial port reached through an SSH host.
type SSHConfig struct {
	// Host is hostname:port
	Host string
	User string

	// Password is used when no key file is given
	Password string

	// KeyFile is a private key path (optional)
	KeyFile string

	// KnownHostsFile enables host key verification (optional)
	KnownHostsFile string

	// RemotePort is the serial device on the SSH host, e.g. /dev/ttyACM0
	RemotePort string
	BaudRate   int

	// BridgeCommand overrides DefaultBridgeCommand. It is formatted with
	// RemotePort and BaudRate.
	BridgeCommand string

	Timeout time.Duration
}

// SSHChannel is a Channel over an SSH session running a serial bridge.
type SSHChannel struct {
	*StreamChannel
	client     *ssh.Client
	sshSession *ssh.Session
	stdin      io.WriteCloser
	stderr     io.Reader
}

// DialSSH connects to the SSH host and starts the bridge command.
func DialSSH(cfg SSHConfig) (*SSHChannel, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, NewError(ErrInvalidConfig, "dial ssh", "host and user are required")
	}
	if cfg.RemotePort == "" {
		return nil, NewError(ErrInvalidConfig, "dial ssh", "remote serial port is required")
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	auth, err := sshAuth(cfg)
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := sshHostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}

	client, err := ssh.Dial("tcp", cfg.Host, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", cfg.Host, err)
	}

	ch, err := NewSSHChannel(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return ch, nil
}

// NewSSHChannel starts the bridge command on an existing client. Closing the
// returned channel closes the client too.
func NewSSHChannel(client *ssh.Client, cfg SSHConfig) (*SSHChannel, error) {
	sshSession, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}

	// Get pipes
	stdin, err := sshSession.StdinPipe()
	if err != nil {
		sshSession.Close()
		return nil, err
	}

	stdout, err := sshSession.StdoutPipe()
	if err != nil {
		sshSession.Close()
		return nil, err
	}

	stderr, err := sshSession.StderrPipe()
	if err != nil {
		sshSession.Close()
		return nil, err
	}

	command := cfg.BridgeCommand
	if command == "" {
		command = DefaultBridgeCommand
	}
	baud := cfg.BaudRate
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	if err := sshSession.Start(fmt.Sprintf(command, cfg.RemotePort, baud)); err != nil {
		sshSession.Close()
		return nil, fmt.Errorf("start bridge: %w", err)
	}

	ch := &SSHChannel{
		client:     client,
		sshSession: sshSession,
		stdin:      stdin,
		stderr:     stderr,
	}
	ch.StreamChannel = NewStreamChannel(stdout, stdin, closerFunc(ch.closeSSH))
	return ch, nil
}

// Stderr returns the bridge command's stderr for diagnostics.
func (s *SSHChannel) Stderr() io.Reader {
	return s.stderr
}

// closeSSH closes the SSH session and cleans up resources.
func (s *SSHChannel) closeSSH() error {
	var errs []error

	if s.stdin != nil {
		if err := s.stdin.Close(); err != nil && err != io.EOF {
			errs = append(errs, err)
		}
	}

	if s.sshSession != nil {
		if err := s.sshSession.Close(); err != nil && err != io.EOF {
			errs = append(errs, err)
		}
	}

	if s.client != nil {
		if err := s.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0] // Return first error
	}

	return nil
}

func sshAuth(cfg SSHConfig) ([]ssh.AuthMethod, error) {
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", cfg.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", cfg.KeyFile, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if cfg.Password != "" {
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
	}
	return nil, NewError(ErrInvalidConfig, "dial ssh", "password or key file is required")
}

func sshHostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("known hosts %s: %w", cfg.KnownHostsFile, err)
	}
	return cb, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
