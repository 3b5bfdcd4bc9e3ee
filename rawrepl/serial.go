package rawrepl

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultBaudRate is the console rate of ESP32-class boards.
const DefaultBaudRate = 115200

// SerialConfig describes how to open a serial port.
type SerialConfig struct {
	PortName string
	BaudRate int

	// HoldReset keeps DTR/RTS deasserted after opening so boards wired
	// for auto-reset do not reboot when the port opens.
	HoldReset bool
}

// SerialChannel is a Channel backed by go.bug.st/serial.
type SerialChannel struct {
	port serial.Port
	name string

	mu      sync.Mutex
	timeout time.Duration
	closed  bool
	buf     []byte
}

// OpenSerial opens and configures a serial port as a Channel.
func OpenSerial(cfg SerialConfig) (*SerialChannel, error) {
	if cfg.PortName == "" {
		return nil, NewError(ErrInvalidConfig, "open serial", "port name is required")
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(cfg.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.PortName, err)
	}

	if cfg.HoldReset {
		if err := port.SetDTR(false); err != nil {
			port.Close()
			return nil, fmt.Errorf("clear DTR on %s: %w", cfg.PortName, err)
		}
		if err := port.SetRTS(false); err != nil {
			port.Close()
			return nil, fmt.Errorf("clear RTS on %s: %w", cfg.PortName, err)
		}
	}

	return &SerialChannel{
		port:    port,
		name:    cfg.PortName,
		timeout: -1,
		buf:     make([]byte, 1024),
	}, nil
}

// Name returns the port name the channel was opened with.
func (s *SerialChannel) Name() string {
	return s.name
}

// Read implements Channel.
func (s *SerialChannel) Read(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	// go.bug.st/serial rejects a zero timeout on some platforms
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	if timeout != s.timeout {
		if err := s.port.SetReadTimeout(timeout); err != nil {
			return nil, s.portError("set read timeout", err)
		}
		s.timeout = timeout
	}

	n, err := s.port.Read(s.buf)
	if err != nil {
		return nil, s.portError("read", err)
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out, nil
}

// Write implements Channel.
func (s *SerialChannel) Write(p []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	written := 0
	for written < len(p) {
		n, err := s.port.Write(p[written:])
		if err != nil {
			return s.portError("write", err)
		}
		if n == 0 {
			return &Error{Type: ErrChannelClosed, Message: "serial: write returned 0 bytes without error"}
		}
		written += n
	}
	return nil
}

// Close implements Channel. It is safe to call multiple times.
func (s *SerialChannel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}

// portError classifies go.bug.st/serial failures. Disconnects become
// ErrChannelClosed; configuration errors stay plain.
func (s *SerialChannel) portError(op string, err error) error {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return &Error{Type: ErrChannelClosed, Message: fmt.Sprintf("serial %s %s", op, s.name), Err: err}
		default:
			return fmt.Errorf("serial %s %s: %w", op, s.name, err)
		}
	}
	// OS-level errors on a vanished device
	return &Error{Type: ErrChannelClosed, Message: fmt.Sprintf("serial %s %s", op, s.name), Err: err}
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// ListPorts enumerates serial ports, with USB details where available.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		// Fall back to bare names when detailed enumeration is unsupported
		names, err2 := serial.GetPortsList()
		if err2 != nil {
			return nil, fmt.Errorf("list ports: %w", err)
		}
		ports := make([]PortInfo, 0, len(names))
		for _, name := range names {
			ports = append(ports, PortInfo{Name: name})
		}
		return ports, nil
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}
