package rawrepl

import (
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeMode int

const (
	fakeProgram fakeMode = iota // running main.py, prompt not shown
	fakeNormal
	fakeRaw
	fakePaste
)

const fakeBanner = "MicroPython v1.22.0 on 2024-01-05; ESP32C3 module with ESP32C3\r\nType \"help()\" for more information.\r\n"

// fakeDevice is a scripted MicroPython board. It understands the control
// bytes, runs the source templates the session generates against an
// in-memory filesystem and answers in the raw-mode response format.
type fakeDevice struct {
	mu sync.Mutex

	mode    fakeMode
	out     []byte
	rawBuf  []byte
	pasteIn []byte
	closed  bool

	files map[string][]byte
	dirs  map[string]bool

	// Recorded traffic
	writes     [][]byte
	executed   []string
	programIn  []byte
	interrupts int
	softResets int
	hardResets int

	// Behaviour switches
	noBanner   bool
	noMachine  bool // firmware without the machine module
	hang       bool   // raw executions never answer
	stall      string // raw executions acknowledge, print this and never complete
	maxRead    int  // split output into reads of at most this many bytes
	uname      string
	closeOnRun string // close the channel when executed source contains this
	handler    func(src string) (stdout, stderr string, ok bool)

	// running is set while a hung or stalled execution occupies the device
	running bool
	acked   bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		mode:  fakeProgram,
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
		uname: "MicroPython 1.22.0 on ESP32C3 module with ESP32C3",
	}
}

// emit queues output as if the running program printed it.
func (d *fakeDevice) emit(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out = append(d.out, s...)
}

func (d *fakeDevice) disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

func (d *fakeDevice) currentMode() fakeMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

func (d *fakeDevice) Read(timeout time.Duration) ([]byte, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, &Error{Type: ErrChannelClosed, Message: "device unplugged"}
	}
	if len(d.out) > 0 {
		n := len(d.out)
		if d.maxRead > 0 && n > d.maxRead {
			n = d.maxRead
		}
		data := make([]byte, n)
		copy(data, d.out[:n])
		d.out = d.out[n:]
		d.mu.Unlock()
		return data, nil
	}
	d.mu.Unlock()

	if timeout > 0 {
		time.Sleep(timeout)
	}
	return nil, nil
}

func (d *fakeDevice) Write(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return &Error{Type: ErrChannelClosed, Message: "device unplugged"}
	}
	d.writes = append(d.writes, append([]byte(nil), p...))

	for _, c := range p {
		d.input(c)
		if d.closed {
			break
		}
	}
	return nil
}

func (d *fakeDevice) Close() error {
	d.disconnect()
	return nil
}

func (d *fakeDevice) input(c byte) {
	switch d.mode {
	case fakeProgram:
		if c == CtrlInterrupt {
			d.interrupts++
			d.mode = fakeNormal
			d.out = append(d.out, "Traceback (most recent call last):\r\n  File \"main.py\", line 12, in <module>\r\nKeyboardInterrupt: \r\n"...)
			d.out = append(d.out, fakeBanner+">>> "...)
			return
		}
		d.programIn = append(d.programIn, c)

	case fakeNormal:
		switch c {
		case CtrlInterrupt:
			d.interrupts++
			d.out = append(d.out, "\r\n>>> "...)
		case CtrlEnterRaw:
			d.mode = fakeRaw
			d.rawBuf = nil
			if d.noBanner {
				d.out = append(d.out, "\r\n>"...)
			} else {
				d.out = append(d.out, "\r\n"+RawBanner+"\r\n>"...)
			}
		case CtrlExitRaw:
			d.out = append(d.out, "\r\n"+fakeBanner+">>> "...)
		case CtrlSoftReset:
			d.softReset()
		case CtrlPaste:
			d.mode = fakePaste
			d.pasteIn = nil
			d.out = append(d.out, "\r\n"+PasteBanner+"\r\n=== "...)
		default:
			d.out = append(d.out, c)
		}

	case fakeRaw:
		switch c {
		case CtrlExitRaw:
			d.mode = fakeNormal
			d.out = append(d.out, "\r\n"+fakeBanner+">>> "...)
		case CtrlInterrupt:
			d.interrupts++
			d.rawBuf = nil
			if d.running {
				// KeyboardInterrupt ends the execution through stderr
				d.running = false
				if !d.acked {
					d.out = append(d.out, "OK"...)
				}
				d.out = append(d.out, CtrlExecute)
				d.out = append(d.out, traceback("KeyboardInterrupt", "")...)
				d.out = append(d.out, CtrlExecute, '>')
			}
		case CtrlEnterRaw:
			d.out = append(d.out, "\r\n"+RawBanner+"\r\n>"...)
		case CtrlExecute:
			if d.running {
				return
			}
			if len(d.rawBuf) == 0 {
				d.out = append(d.out, "OK\r\n"...)
				d.softReset()
				return
			}
			src := string(d.rawBuf)
			d.rawBuf = nil
			d.executeRaw(src)
		default:
			d.rawBuf = append(d.rawBuf, c)
		}

	case fakePaste:
		switch c {
		case CtrlInterrupt:
			d.mode = fakeNormal
			d.out = append(d.out, "\r\n>>> "...)
		case CtrlExecute:
			d.mode = fakeNormal
			src := string(d.pasteIn)
			d.executed = append(d.executed, src)
			stdout, stderr := d.run(src)
			d.out = append(d.out, "\r\n"...)
			d.out = append(d.out, stdout...)
			d.out = append(d.out, stderr...)
			d.out = append(d.out, ">>> "...)
		case '\n':
			d.pasteIn = append(d.pasteIn, c)
			d.out = append(d.out, "\r\n=== "...)
		default:
			d.pasteIn = append(d.pasteIn, c)
			d.out = append(d.out, c)
		}
	}
}

func (d *fakeDevice) softReset() {
	d.softResets++
	d.mode = fakeProgram
	d.out = append(d.out, "MPY: soft reboot\r\n"...)
}

func (d *fakeDevice) executeRaw(src string) {
	d.executed = append(d.executed, src)

	if d.closeOnRun != "" && strings.Contains(src, d.closeOnRun) {
		d.closed = true
		return
	}
	if strings.Contains(src, "machine.reset()") && !d.noMachine {
		d.hardResets++
		d.mode = fakeProgram
		d.out = append(d.out, "OK"...)
		return
	}
	if d.hang {
		d.running, d.acked = true, false
		return
	}
	if d.stall != "" {
		d.running, d.acked = true, true
		d.out = append(d.out, "OK"+d.stall...)
		return
	}

	stdout, stderr := d.run(src)
	d.out = append(d.out, "OK"...)
	d.out = append(d.out, stdout...)
	d.out = append(d.out, CtrlExecute)
	d.out = append(d.out, stderr...)
	d.out = append(d.out, CtrlExecute, '>')
}

var (
	reOpenWrite = regexp.MustCompile(`open\('((?:[^'\\]|\\.)*)', 'wb'\)`)
	reOpenRead  = regexp.MustCompile(`open\('((?:[^'\\]|\\.)*)', 'rb'\)`)
	reOpenExec  = regexp.MustCompile(`exec\(open\('((?:[^'\\]|\\.)*)'\)`)
	reMkdirList = regexp.MustCompile(`for d in \[(.*)\]:`)
	reQuoted    = regexp.MustCompile(`'((?:[^'\\]|\\.)*)'`)
	reListdir   = regexp.MustCompile(`os\.listdir\('((?:[^'\\]|\\.)*)'\)`)
	reRemove    = regexp.MustCompile(`os\.remove\('((?:[^'\\]|\\.)*)'\)`)
	reAdd       = regexp.MustCompile(`^print\((\d+)\s*\+\s*(\d+)\)$`)
	rePrintStr  = regexp.MustCompile(`^print\('([^']*)'\)$`)
	reRaise     = regexp.MustCompile(`raise (\w+)\('([^']*)'\)`)
)

func traceback(exc, msg string) string {
	return "Traceback (most recent call last):\r\n  File \"<stdin>\", line 1, in <module>\r\n" + exc + ": " + msg + "\r\n"
}

// run interprets the handful of source shapes the session produces.
func (d *fakeDevice) run(src string) (string, string) {
	if d.handler != nil {
		if stdout, stderr, ok := d.handler(src); ok {
			return stdout, stderr
		}
	}

	switch {
	case strings.Contains(src, "import machine"):
		return "", traceback("ImportError", "no module named 'machine'")

	case strings.Contains(src, "f.write(b'''"):
		m := reOpenWrite.FindStringSubmatch(src)
		start := strings.Index(src, "b'''") + 4
		end := strings.LastIndex(src, "''')")
		content, err := decodeLiteral(src[start:end])
		if m == nil || err != nil {
			return "", traceback("SyntaxError", "invalid syntax")
		}
		target := mustUnquote(m[1])
		if !d.dirs[path.Dir(target)] {
			return "", traceback("OSError", "[Errno 2] ENOENT")
		}
		d.files[target] = content
		return WriteMarker + "\r\n", ""

	case strings.Contains(src, "os.mkdir(d)"):
		m := reMkdirList.FindStringSubmatch(src)
		var b strings.Builder
		for _, q := range reQuoted.FindAllStringSubmatch(m[1], -1) {
			dir := mustUnquote(q[1])
			if _, isFile := d.files[dir]; isFile || !d.dirs[path.Dir(dir)] {
				fmt.Fprintf(&b, "%s %s [Errno 2] ENOENT\r\n", ErrorMarker, dir)
				return b.String(), ""
			}
			d.dirs[dir] = true
		}
		return DoneMarker + "\r\n", ""

	case strings.Contains(src, "os.listdir("):
		dir := path.Clean(mustUnquote(reListdir.FindStringSubmatch(src)[1]))
		if !d.dirs[dir] {
			return "", traceback("OSError", "[Errno 2] ENOENT")
		}
		var names []string
		for f := range d.files {
			if path.Dir(f) == dir {
				names = append(names, path.Base(f))
			}
		}
		for sub := range d.dirs {
			if sub != "/" && path.Dir(sub) == dir {
				names = append(names, path.Base(sub))
			}
		}
		sort.Strings(names)
		return strings.Join(append(names, DoneMarker), "\r\n") + "\r\n", ""

	case strings.Contains(src, "os.remove("):
		target := mustUnquote(reRemove.FindStringSubmatch(src)[1])
		if _, ok := d.files[target]; !ok {
			return "", traceback("OSError", "[Errno 2] ENOENT")
		}
		delete(d.files, target)
		return DoneMarker + "\r\n", ""

	case strings.Contains(src, "binascii.hexlify"):
		target := mustUnquote(reOpenRead.FindStringSubmatch(src)[1])
		content, ok := d.files[target]
		if !ok {
			return "", traceback("OSError", "[Errno 2] ENOENT")
		}
		var b strings.Builder
		b.WriteString(ReadBeginMarker + "\r\n")
		for i := 0; i < len(content); i += 256 {
			end := i + 256
			if end > len(content) {
				end = len(content)
			}
			b.WriteString(hex.EncodeToString(content[i:end]) + "\r\n")
		}
		b.WriteString(ReadEndMarker + "\r\n")
		return b.String(), ""

	case strings.Contains(src, "exec(open("):
		target := mustUnquote(reOpenExec.FindStringSubmatch(src)[1])
		content, ok := d.files[target]
		if !ok {
			return "", traceback("OSError", "[Errno 2] ENOENT")
		}
		return d.runLines(string(content))

	case strings.Contains(src, "os.uname()"):
		if d.uname == "" {
			return "", ""
		}
		return d.uname + "\r\n", ""
	}

	return d.runLines(src)
}

// runLines evaluates prints of literals and sums, and raise statements.
func (d *fakeDevice) runLines(src string) (string, string) {
	var stdout strings.Builder
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if m := reAdd.FindStringSubmatch(line); m != nil {
			a, _ := strconv.Atoi(m[1])
			b, _ := strconv.Atoi(m[2])
			fmt.Fprintf(&stdout, "%d\r\n", a+b)
		} else if m := rePrintStr.FindStringSubmatch(line); m != nil {
			stdout.WriteString(m[1] + "\r\n")
		} else if m := reRaise.FindStringSubmatch(line); m != nil {
			return stdout.String(), traceback(m[1], m[2])
		}
	}
	return stdout.String(), ""
}

// decodeLiteral evaluates the body of a Python bytes or str literal.
func decodeLiteral(body string) ([]byte, error) {
	var out []byte
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(body) {
			return nil, fmt.Errorf("dangling backslash")
		}
		switch body[i] {
		case '\\', '\'', '"':
			out = append(out, body[i])
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 't':
			out = append(out, '\t')
		case 'x':
			if i+2 >= len(body) {
				return nil, fmt.Errorf("short hex escape")
			}
			v, err := strconv.ParseUint(body[i+1:i+3], 16, 8)
			if err != nil {
				return nil, err
			}
			out = append(out, byte(v))
			i += 2
		default:
			out = append(out, '\\', body[i])
		}
	}
	return out, nil
}

func mustUnquote(body string) string {
	b, err := decodeLiteral(body)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// recordingSleeper replaces time.Sleep and records every pacing delay.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) sleep(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
}

func (r *recordingSleeper) count(d time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.delays {
		if got == d {
			n++
		}
	}
	return n
}

// testConfig keeps the pacing values distinct so the sleeper can tell them
// apart, and the read timeouts short so tests run fast.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.InterruptPacing = 11 * time.Millisecond
	cfg.ControlPacing = 12 * time.Millisecond
	cfg.ChunkDelay = 13 * time.Millisecond
	cfg.SettleDelay = 51 * time.Millisecond
	cfg.ReadTimeout = 2 * time.Millisecond
	cfg.DrainReadTimeout = 2 * time.Millisecond
	cfg.PassivePoll = 2 * time.Millisecond
	cfg.IdleTimeout = 30 * time.Millisecond
	cfg.BannerTimeout = 60 * time.Millisecond
	cfg.PromptTimeout = 30 * time.Millisecond
	cfg.ExecTimeout = 2 * time.Second
	cfg.BoardInfoTimeout = 500 * time.Millisecond
	cfg.HardResetTimeout = 100 * time.Millisecond
	return cfg
}

func newTestSession(t *testing.T, d *fakeDevice, cbs *Callbacks) (*Session, *recordingSleeper) {
	t.Helper()
	s, err := NewSession(d, WithConfig(testConfig()), WithCallbacks(cbs))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	rec := &recordingSleeper{}
	s.sleep = rec.sleep
	return s, rec
}
