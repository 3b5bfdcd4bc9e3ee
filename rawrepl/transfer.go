package rawrepl

import (
	"context"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"
)

// transfer describes one upload. It is built per call and never persisted.
type transfer struct {
	path      string
	content   []byte
	source    []byte
	chunkSize int
	timeout   time.Duration
}

// newTransfer builds the write source for content and picks chunking and a
// timeout that scales with the source size.
func (s *Session) newTransfer(target string, content []byte) *transfer {
	var b strings.Builder
	fmt.Fprintf(&b, "f = open(%s, 'wb')\n", pyString(target))
	fmt.Fprintf(&b, "f.write(%s)\n", bytesLiteral(content))
	b.WriteString("f.close()\n")
	fmt.Fprintf(&b, "print(%s)\n", pyString(WriteMarker))

	t := &transfer{
		path:    target,
		content: content,
		source:  []byte(b.String()),
	}
	if len(t.source) > s.config.ChunkThreshold {
		t.chunkSize = s.config.ChunkSize
	}
	t.timeout = s.transferTimeout(len(t.source), t.chunkSize)
	return t
}

// transferTimeout is linear in size at the assumed minimum throughput, plus
// the mandated chunk delays, never below TransferTimeoutFloor.
func (s *Session) transferTimeout(size, chunkSize int) time.Duration {
	timeout := time.Duration(size) * time.Second / time.Duration(s.config.TransferBytesPerSecond)
	if chunkSize > 0 {
		chunks := (size + chunkSize - 1) / chunkSize
		timeout += time.Duration(chunks) * s.config.ChunkDelay
	}
	if timeout < s.config.TransferTimeoutFloor {
		timeout = s.config.TransferTimeoutFloor
	}
	return timeout
}

// WriteFile stores content at path on the device. Arbitrary bytes survive
// the transfer unchanged.
func (s *Session) WriteFile(ctx context.Context, target string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.prepareRaw(ctx, "write file"); err != nil {
		return err
	}
	return s.writeFile(ctx, target, content)
}

func (s *Session) writeFile(ctx context.Context, target string, content []byte) error {
	t := s.newTransfer(target, content)
	s.logger.Info("writing %s (%d bytes, source %d bytes, chunk %d, timeout %v)",
		t.path, len(t.content), len(t.source), t.chunkSize, t.timeout)

	out, err := s.execute(ctx, t.path, t.source, t.timeout, t.chunkSize)
	if err != nil {
		return wrapError("write file", err)
	}

	if !strings.Contains(out, WriteMarker) {
		// Firmware variants differ in echoed whitespace; the write itself
		// raised nothing
		s.logger.Warn("write %s: completion marker missing (output %q)", t.path, truncate(out, 64))
		s.emit(EventMarkerMissing, t.path)
	}
	return nil
}

// EnsureDirectory creates path and its parents. Existing directories are
// fine; "" and "/" do nothing.
func (s *Session) EnsureDirectory(ctx context.Context, dir string) error {
	if isRootDir(dir) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.prepareRaw(ctx, "ensure directory"); err != nil {
		return err
	}
	return s.ensureDirectory(ctx, dir)
}

func isRootDir(dir string) bool {
	if dir == "" {
		return true
	}
	clean := path.Clean(dir)
	return clean == "/" || clean == "."
}

// dirChain lists every prefix directory of dir, outermost first.
func dirChain(dir string) []string {
	clean := path.Clean(dir)
	var chain []string
	for d := clean; d != "/" && d != "."; d = path.Dir(d) {
		chain = append(chain, d)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

func (s *Session) ensureDirectory(ctx context.Context, dir string) error {
	const phase = "ensure directory"

	chain := dirChain(dir)
	quoted := make([]string, len(chain))
	for i, d := range chain {
		quoted[i] = pyString(d)
	}

	var b strings.Builder
	b.WriteString("import os\n")
	b.WriteString("ok = True\n")
	fmt.Fprintf(&b, "for d in [%s]:\n", strings.Join(quoted, ", "))
	b.WriteString("    try:\n")
	b.WriteString("        os.mkdir(d)\n")
	b.WriteString("    except OSError as e:\n")
	b.WriteString("        if e.args[0] != 17:\n")
	fmt.Fprintf(&b, "            print(%s, d, e)\n", pyString(ErrorMarker))
	b.WriteString("            ok = False\n")
	b.WriteString("            break\n")
	b.WriteString("if ok:\n")
	fmt.Fprintf(&b, "    print(%s)\n", pyString(DoneMarker))

	out, err := s.execute(ctx, dir, []byte(b.String()), s.config.ExecTimeout, 0)
	if err != nil {
		return wrapError(phase, err)
	}
	if !strings.Contains(out, DoneMarker) {
		e := NewError(ErrProtocolDesync, phase, "completion marker missing")
		e.Snippet = truncate(out, SnippetLimit)
		return e
	}
	return nil
}

// RunFile executes a script stored on the device and returns its output.
func (s *Session) RunFile(ctx context.Context, target string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.prepareRaw(ctx, "run file"); err != nil {
		return "", err
	}

	source := fmt.Sprintf("exec(open(%s).read())\n", pyString(target))
	return s.execute(ctx, target, []byte(source), s.config.RunTimeout, 0)
}

// ReadFile fetches a file from the device. The device streams it as hex
// lines between begin and end markers.
func (s *Session) ReadFile(ctx context.Context, target string) ([]byte, error) {
	const phase = "read file"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.prepareRaw(ctx, phase); err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("import binascii\n")
	fmt.Fprintf(&b, "f = open(%s, 'rb')\n", pyString(target))
	fmt.Fprintf(&b, "print(%s)\n", pyString(ReadBeginMarker))
	b.WriteString("while True:\n")
	b.WriteString("    c = f.read(256)\n")
	b.WriteString("    if not c:\n")
	b.WriteString("        break\n")
	b.WriteString("    print(binascii.hexlify(c).decode())\n")
	b.WriteString("f.close()\n")
	fmt.Fprintf(&b, "print(%s)\n", pyString(ReadEndMarker))

	out, err := s.execute(ctx, target, []byte(b.String()), s.config.RunTimeout, 0)
	if err != nil {
		return nil, wrapError(phase, err)
	}
	return parseHexDump(out)
}

// parseHexDump extracts the bytes between ReadBeginMarker and ReadEndMarker.
func parseHexDump(out string) ([]byte, error) {
	const phase = "read file"

	begin := strings.Index(out, ReadBeginMarker)
	if begin < 0 {
		e := NewError(ErrProtocolDesync, phase, "begin marker missing")
		e.Snippet = truncate(out, SnippetLimit)
		return nil, e
	}
	body := out[begin+len(ReadBeginMarker):]
	end := strings.Index(body, ReadEndMarker)
	if end < 0 {
		e := NewError(ErrProtocolDesync, phase, "end marker missing")
		e.Snippet = truncate(out, SnippetLimit)
		return nil, e
	}

	var data []byte
	for _, line := range strings.Split(body[:end], "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		chunk, err := hex.DecodeString(line)
		if err != nil {
			e := NewError(ErrProtocolDesync, phase, "malformed hex line")
			e.Snippet = truncate(line, SnippetLimit)
			e.Err = err
			return nil, e
		}
		data = append(data, chunk...)
	}
	return data, nil
}

// ListDir returns the entry names of a device directory.
func (s *Session) ListDir(ctx context.Context, dir string) ([]string, error) {
	const phase = "list dir"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.prepareRaw(ctx, phase); err != nil {
		return nil, err
	}
	if dir == "" {
		dir = "/"
	}

	var b strings.Builder
	b.WriteString("import os\n")
	fmt.Fprintf(&b, "for n in os.listdir(%s):\n", pyString(dir))
	b.WriteString("    print(n)\n")
	fmt.Fprintf(&b, "print(%s)\n", pyString(DoneMarker))

	out, err := s.execute(ctx, dir, []byte(b.String()), s.config.ExecTimeout, 0)
	if err != nil {
		return nil, wrapError(phase, err)
	}

	idx := strings.Index(out, DoneMarker)
	if idx < 0 {
		e := NewError(ErrProtocolDesync, phase, "completion marker missing")
		e.Snippet = truncate(out, SnippetLimit)
		return nil, e
	}

	var names []string
	for _, line := range strings.Split(out[:idx], "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// RemoveFile deletes a file on the device.
func (s *Session) RemoveFile(ctx context.Context, target string) error {
	const phase = "remove file"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.prepareRaw(ctx, phase); err != nil {
		return err
	}

	source := fmt.Sprintf("import os\nos.remove(%s)\nprint(%s)\n", pyString(target), pyString(DoneMarker))
	out, err := s.execute(ctx, target, []byte(source), s.config.ExecTimeout, 0)
	if err != nil {
		return wrapError(phase, err)
	}
	if !strings.Contains(out, DoneMarker) {
		e := NewError(ErrProtocolDesync, phase, "completion marker missing")
		e.Snippet = truncate(out, SnippetLimit)
		return e
	}
	return nil
}

// Upload is one file for PutFiles.
type Upload struct {
	Path    string
	Content []byte
}

// PutFiles writes several files in one raw-mode session, creating parent
// directories first. It stops at the first failure.
func (s *Session) PutFiles(ctx context.Context, uploads []Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.prepareRaw(ctx, "put files"); err != nil {
		return err
	}

	made := make(map[string]bool)
	for _, u := range uploads {
		dir := path.Dir(u.Path)
		if !isRootDir(dir) && !made[dir] {
			if err := s.ensureDirectory(ctx, dir); err != nil {
				return err
			}
			made[dir] = true
		}
		if err := s.writeFile(ctx, u.Path, u.Content); err != nil {
			return err
		}
	}
	return nil
}

// boardInfoSource prints the identification line.
const boardInfoSource = "import os\nu = os.uname()\nprint('MicroPython', u.release, 'on', u.machine)\n"

// codeFragments mark a line as echoed source rather than program output.
var codeFragments = []string{"print(", "import ", "os.uname", "sys.", "=", "'"}

// findBoardLine returns the first output line that starts with the product
// marker and is not echoed source.
func findBoardLine(out string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, ProductMarker) {
			continue
		}
		echoed := false
		for _, frag := range codeFragments {
			if strings.Contains(line, frag) {
				echoed = true
				break
			}
		}
		if !echoed {
			return line, true
		}
	}
	return "", false
}

// GetBoardInfo resets the prompt to a known state and returns the device's
// identification line, e.g. "MicroPython 1.22.0 on ESP32C3 module".
func (s *Session) GetBoardInfo(ctx context.Context) (string, error) {
	const phase = "board info"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StatePassive {
		s.stopPassive()
	}

	// Known state: leave raw mode if in it, break any running program
	if err := s.write(phase, []byte{CtrlExitRaw}); err != nil {
		return "", err
	}
	if err := s.pause(ctx, s.config.ControlPacing); err != nil {
		return "", wrapError(phase, err)
	}
	for i := 0; i < 2; i++ {
		if err := s.write(phase, []byte{CtrlInterrupt}); err != nil {
			return "", err
		}
		if err := s.pause(ctx, s.config.InterruptPacing); err != nil {
			return "", wrapError(phase, err)
		}
	}
	if _, err := s.drain(ctx, phase); err != nil {
		return "", err
	}
	s.setState(StateNormal)

	if !s.config.UsePasteMode {
		if err := s.enterRaw(ctx); err != nil {
			return "", err
		}
		out, err := s.execute(ctx, execName, []byte(boardInfoSource), s.config.BoardInfoTimeout, 0)
		if err != nil {
			return "", wrapError(phase, err)
		}
		if line, ok := findBoardLine(out); ok {
			return line, nil
		}
		e := NewError(ErrBoardInfo, phase, "no identification line in output")
		e.Snippet = truncate(out, SnippetLimit)
		return "", e
	}

	return s.pasteBoardInfo(ctx)
}

// pasteBoardInfo submits the identification source in paste mode, which
// echoes every line back prefixed with "=== ".
func (s *Session) pasteBoardInfo(ctx context.Context) (string, error) {
	const phase = "board info"

	if err := s.write(phase, []byte{CtrlPaste}); err != nil {
		return "", err
	}
	if err := s.pause(ctx, s.config.ControlPacing); err != nil {
		return "", wrapError(phase, err)
	}
	if out, found, err := s.readUntil(ctx, phase, PasteBanner, s.config.PromptTimeout); err != nil {
		return "", err
	} else if !found {
		s.logger.Debug("paste banner not seen (got %q)", truncate(out, 64))
	}

	if err := s.write(phase, []byte(boardInfoSource)); err != nil {
		return "", err
	}
	if err := s.pause(ctx, s.config.ControlPacing); err != nil {
		return "", wrapError(phase, err)
	}
	if err := s.write(phase, []byte{CtrlExecute}); err != nil {
		return "", err
	}

	var acc strings.Builder
	deadline := time.Now().Add(s.config.BoardInfoTimeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return "", wrapError(phase, err)
		}
		wait := s.config.ReadTimeout
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		data, err := s.channel.Read(wait)
		if err != nil {
			return "", wrapError(phase, err)
		}
		acc.Write(data)

		// Only complete lines; the identification line may arrive in pieces
		text := acc.String()
		nl := strings.LastIndexByte(text, '\n')
		if nl < 0 {
			continue
		}
		if line, ok := findBoardLine(text[:nl]); ok {
			// Consume the prompt that follows so the next operation starts clean
			if !strings.Contains(text[nl:], NormalPrompt) {
				if _, _, err := s.readUntil(ctx, phase, NormalPrompt, s.config.PromptTimeout); err != nil {
					return "", err
				}
			}
			return line, nil
		}
	}

	e := NewError(ErrBoardInfo, phase, "no identification line before timeout")
	e.Snippet = truncate(acc.String(), SnippetLimit)
	return "", e
}
