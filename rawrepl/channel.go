package rawrepl

import (
	"io"
	"sync"
	"time"
)

// Channel is a duplex byte stream with timed reads.
//
// Read returns whatever bytes arrive within timeout. An empty result with a
// nil error means the timeout elapsed. Once the transport is gone, Read and
// Write return an error for which IsChannelClosed reports true. A Channel has
// exactly one owner; closing it invalidates all pending reads.
type Channel interface {
	Write(p []byte) error
	Read(timeout time.Duration) ([]byte, error)
	Close() error
}

// chunkQueueSize bounds how many reads the pump may buffer ahead of Read.
const chunkQueueSize = 64

// StreamChannel adapts a blocking io.Reader/io.Writer pair (SSH pipes, a
// pseudo-terminal, net.Pipe) into a Channel.
//
// The underlying reader cannot be interrupted, so a pump goroutine owns it
// and hands chunks over a buffered queue. A timed Read that gives up leaves
// the bytes queued for the next caller instead of losing them.
type StreamChannel struct {
	reader io.Reader
	writer io.Writer
	closer io.Closer

	chunks chan []byte
	done   chan struct{} // closed when the pump exits
	closed chan struct{} // closed by Close

	pumpErr   error
	closeOnce sync.Once
	writeMu   sync.Mutex
}

// NewStreamChannel starts pumping reader. closer may be nil.
func NewStreamChannel(reader io.Reader, writer io.Writer, closer io.Closer) *StreamChannel {
	c := &StreamChannel{
		reader: reader,
		writer: writer,
		closer: closer,
		chunks: make(chan []byte, chunkQueueSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *StreamChannel) pump() {
	defer close(c.done)
	buf := make([]byte, 4096)
	for {
		n, err := c.reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.chunks <- chunk:
			case <-c.closed:
				return
			}
		}
		if err != nil {
			c.pumpErr = err
			return
		}
	}
}

// Read implements Channel.
func (c *StreamChannel) Read(timeout time.Duration) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}

	// Bytes already queued win over everything else
	select {
	case chunk := <-c.chunks:
		return chunk, nil
	default:
	}

	if timeout <= 0 {
		select {
		case <-c.done:
			return nil, c.endOfStream()
		default:
			return nil, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case chunk := <-c.chunks:
		return chunk, nil
	case <-c.done:
		// The pump may have queued its last chunk just before exiting
		select {
		case chunk := <-c.chunks:
			return chunk, nil
		default:
		}
		return nil, c.endOfStream()
	case <-c.closed:
		return nil, ErrClosed
	case <-timer.C:
		return nil, nil
	}
}

func (c *StreamChannel) endOfStream() error {
	err := c.pumpErr
	if err == nil {
		err = io.EOF
	}
	return &Error{Type: ErrChannelClosed, Message: "stream ended", Err: err}
}

// Write implements Channel.
func (c *StreamChannel) Write(p []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(p) {
		n, err := c.writer.Write(p[written:])
		if err != nil {
			return &Error{Type: ErrChannelClosed, Message: "write failed", Err: err}
		}
		if n == 0 {
			return &Error{Type: ErrChannelClosed, Message: "write returned 0 bytes without error"}
		}
		written += n
	}
	return nil
}

// Close implements Channel. It is safe to call multiple times.
func (c *StreamChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}
