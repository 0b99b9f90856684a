// Package monitor implements the line-oriented REPL protocol the MEGA65 (or
// Xemu) on-board monitor speaks: synchronous command dispatch with echo
// alignment, binary load framing, register parsing, and the keystroke
// simulation trick used to type "RUN" at the target.
package monitor

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/m65dap/bridge/internal/framer"
	"github.com/m65dap/bridge/internal/transport"
)

const (
	defaultTimeout = time.Second
	syncTimeout    = 500 * time.Millisecond
	resetTimeout   = 10 * time.Second
)

// AsyncHandler is invoked with the lines of an unsolicited response that
// arrived between commands (an asynchronous breakpoint notification). It
// is supplied by the control engine, which owns breakpoint and cache
// state; the monitor protocol itself only recognizes the shape of the
// interruption.
type AsyncHandler func(lines []string) error

// Monitor drives the command/response protocol over a framed byte stream.
type Monitor struct {
	fr     *framer.Framer
	tr     transport.Transport
	isXemu bool
	log    *logrus.Entry
}

// New wraps t with a line framer and prepares a Monitor for the given
// transport variant.
func New(t transport.Transport, isXemu bool, log *logrus.Entry) *Monitor {
	return &Monitor{
		fr:     framer.New(t, isXemu),
		tr:     t,
		isXemu: isXemu,
		log:    log,
	}
}

// IsXemu reports whether this monitor is talking to the Xemu emulator
// rather than real hardware.
func (m *Monitor) IsXemu() bool { return m.isXemu }

// Flush drains any buffered/pending bytes; used during resync.
func (m *Monitor) Flush() { m.fr.Flush() }

// readLinesUntilPrompt repeatedly pulls tokens from the framer until the
// prompt, returning every line token seen in between. A bare breakpoint
// marker is returned in place as a "!" line; a timeout before the prompt
// is surfaced as an error.
func (m *Monitor) readLinesUntilPrompt(timeout time.Duration) ([]string, error) {
	var lines []string
	for {
		tok, timedOut, err := m.fr.ReadLine(timeout)
		if err != nil {
			return nil, fmt.Errorf("monitor: read: %w", err)
		}
		if timedOut {
			return nil, errTimeout
		}
		switch tok.Kind {
		case framer.Prompt:
			return lines, nil
		case framer.BreakpointMarker:
			lines = append(lines, "!")
		case framer.Line:
			lines = append(lines, tok.Text)
		}
	}
}

// errTimeout marks a readLinesUntilPrompt deadline with nothing to show for
// it; fatal to the calling task but not to the monitor itself.
var errTimeout = fmt.Errorf("monitor: timed out waiting for prompt")

// IsTimeout reports whether err originated from a read deadline.
func IsTimeout(err error) bool { return err == errTimeout }

// write sends cmd verbatim (the caller includes any trailing "\n").
func (m *Monitor) write(cmd string) error {
	if err := m.tr.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("monitor: write: %w", err)
	}
	return nil
}

// Execute dispatches cmd (without trailing newline) and returns the
// response lines between the echo and the prompt. Unsolicited lines
// arriving before the echo are routed to onAsync and then the wait for our
// own echo continues, per spec §4.6's dispatch pseudocode.
func (m *Monitor) Execute(cmd string, onAsync AsyncHandler) ([]string, error) {
	if err := m.write(cmd + "\n"); err != nil {
		return nil, err
	}
	for {
		lines, err := m.readLinesUntilPrompt(defaultTimeout)
		if err != nil {
			return nil, err
		}
		if len(lines) > 0 && lines[0] == cmd {
			return lines[1:], nil
		}
		if onAsync != nil {
			if err := onAsync(lines); err != nil {
				return nil, err
			}
			continue
		}
		// No handler supplied: treat as noise and keep waiting for our echo.
	}
}

// TraceOn halts the target ("t1").
func (m *Monitor) TraceOn(onAsync AsyncHandler) error {
	_, err := m.Execute("t1", onAsync)
	return err
}

// TraceOff resumes the target ("t0").
func (m *Monitor) TraceOff(onAsync AsyncHandler) error {
	_, err := m.Execute("t0", onAsync)
	return err
}

// SetBreakpoint sets a monitor breakpoint at pc ("b<hex>").
func (m *Monitor) SetBreakpoint(pc int, onAsync AsyncHandler) error {
	_, err := m.Execute(fmt.Sprintf("b%X", pc), onAsync)
	return err
}

// ClearBreakpoint clears the monitor breakpoint ("b").
func (m *Monitor) ClearBreakpoint(onAsync AsyncHandler) error {
	_, err := m.Execute("b", onAsync)
	return err
}

// StoreBytes writes data starting at addr ("s<hex> HH [HH ...]").
func (m *Monitor) StoreBytes(addr int, data []byte, onAsync AsyncHandler) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "s%X", addr)
	for _, b := range data {
		fmt.Fprintf(&sb, " %02X", b)
	}
	_, err := m.Execute(sb.String(), onAsync)
	return err
}

// ReadPage reads the 16 bytes at addr ("m<hex>"), returning them in order.
func (m *Monitor) ReadPage(addr int, onAsync AsyncHandler) ([]byte, error) {
	lines, err := m.Execute(fmt.Sprintf("m%X", addr), onAsync)
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		if _, data, ok := parseMemoryLine(line); ok {
			return data, nil
		}
	}
	return nil, fmt.Errorf("monitor: no memory line in response to m%X", addr)
}

// FetchPage reads the 256-byte page starting at lineAddr via the "M"
// command, satisfying memcache.Fetcher. lineAddr must be page-aligned.
func (m *Monitor) FetchPage(lineAddr int) ([256]byte, error) {
	var out [256]byte
	lines, err := m.Execute(fmt.Sprintf("M%X", lineAddr), nil)
	if err != nil {
		return out, err
	}
	for _, line := range lines {
		addr, data, ok := parseMemoryLine(line)
		if !ok {
			continue
		}
		offset := addr - lineAddr
		if offset < 0 || offset+len(data) > len(out) {
			continue
		}
		copy(out[offset:], data)
	}
	return out, nil
}

// ReadRegisters issues "r" and parses the response into a Registers
// snapshot.
func (m *Monitor) ReadRegisters(onAsync AsyncHandler) (Registers, error) {
	lines, err := m.Execute("r", onAsync)
	if err != nil {
		return Registers{}, err
	}
	return m.parseRegisterBlock(lines)
}

// ParseRegisterBlock exposes parseRegisterBlock for callers that already
// collected lines out-of-band, such as the engine's asynchronous
// breakpoint handling (spec §4.6).
func (m *Monitor) ParseRegisterBlock(lines []string) (Registers, error) {
	return m.parseRegisterBlock(lines)
}

// PollAsyncEvent performs a single non-blocking (or timeout-bounded) check
// for an unsolicited registers block: a bare "!" marker on real hardware,
// or a bare register header line on Xemu (which has no separate marker
// token). If found, it consumes the rest of the block up to the next
// prompt and returns its lines, header included. If nothing is pending it
// returns found=false without error (spec §4.6, §4.7 step 2).
func (m *Monitor) PollAsyncEvent(timeout time.Duration) (lines []string, found bool, err error) {
	tok, timedOut, err := m.fr.ReadLine(timeout)
	if err != nil {
		return nil, false, fmt.Errorf("monitor: poll async event: %w", err)
	}
	if timedOut {
		return nil, false, nil
	}
	switch tok.Kind {
	case framer.BreakpointMarker:
		rest, err := m.readLinesUntilPrompt(defaultTimeout)
		if err != nil {
			return nil, false, err
		}
		return rest, true, nil
	case framer.Line:
		if strings.HasPrefix(tok.Text, "PC") {
			rest, err := m.readLinesUntilPrompt(defaultTimeout)
			if err != nil {
				return nil, false, err
			}
			return append([]string{tok.Text}, rest...), true, nil
		}
		// An unrecognized unsolicited line outside of a command response;
		// not a shape this protocol defines, so it's dropped.
		return nil, false, nil
	default:
		return nil, false, nil
	}
}

// parseRegisterBlock validates the header line and parses the value line
// that follows it, tolerating the extra continuation line the real
// hardware appends (spec §4.6's "r" response: header, value line, extra
// continuation line, prompt).
func (m *Monitor) parseRegisterBlock(lines []string) (Registers, error) {
	want := hwRegisterHeader
	if m.isXemu {
		want = xemuRegisterHeader
	}
	if len(lines) < 2 || !strings.HasPrefix(lines[0], "PC") || lines[0] != want {
		return Registers{}, fmt.Errorf("monitor: unexpected register header %q", firstOrEmpty(lines))
	}
	return ParseValueLine(lines[1], m.isXemu), nil
}

func firstOrEmpty(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[0]
}

// Step issues a bare newline ("\n") to single-step the target and returns
// the resulting Registers. On real hardware the step response is the
// registers block directly; on Xemu it arrives after a second prompt, so
// the caller must be prepared to separately poll "r" if the inline parse
// fails (spec §4.6, §9 design note on this ambiguity — both code paths are
// retained).
func (m *Monitor) Step(onAsync AsyncHandler) (Registers, error) {
	lines, err := m.Execute("", onAsync)
	if err != nil {
		return Registers{}, err
	}
	if m.isXemu {
		// Consume lines until the next prompt (the inline registers, if
		// any, plus whatever else Xemu emits) before deciding whether a
		// separate "r" poll is needed.
		more, err := m.readLinesUntilPrompt(defaultTimeout)
		if err != nil && !IsTimeout(err) {
			return Registers{}, err
		}
		lines = append(lines, more...)
	}
	if regs, ok := m.tryParseInlineRegisters(lines); ok {
		return regs, nil
	}
	return m.ReadRegisters(onAsync)
}

func (m *Monitor) tryParseInlineRegisters(lines []string) (Registers, bool) {
	for i, line := range lines {
		if strings.HasPrefix(line, "PC") && i+1 < len(lines) {
			regs, err := m.parseRegisterBlock(lines[i:])
			if err == nil {
				return regs, true
			}
		}
	}
	return Registers{}, false
}

// UploadPRG reads a .prg file already loaded into memory (load address as
// its first two little-endian bytes, payload after) and frames it onto the
// wire as an "l<start> <end>\n" command followed immediately by the raw
// payload bytes.
func (m *Monitor) UploadPRG(data []byte, onAsync AsyncHandler) error {
	if len(data) < 3 {
		return fmt.Errorf("monitor: program file too small (%d bytes, need >= 3)", len(data))
	}
	if len(data) > 65536 {
		return fmt.Errorf("monitor: program file too large (%d bytes, max 65536)", len(data))
	}
	loadAddr := int(data[0]) | int(data[1])<<8
	payload := data[2:]
	end := loadAddr + len(payload)

	if err := m.write(fmt.Sprintf("l%X %X\n", loadAddr, end)); err != nil {
		return err
	}
	if err := m.tr.Write(payload); err != nil {
		return fmt.Errorf("monitor: write payload: %w", err)
	}
	_, err := m.readLinesUntilPrompt(defaultTimeout)
	return err
}

// SimulateKeypresses types keys into the target's keyboard buffer by
// writing to $2B0 and updating the queue length at $D0, in groups of at
// most 9 keys (spec §4.6).
func (m *Monitor) SimulateKeypresses(keys string, onAsync AsyncHandler) error {
	const maxPerGroup = 9
	b := []byte(keys)
	for len(b) > 0 {
		n := maxPerGroup
		if n > len(b) {
			n = len(b)
		}
		group, rest := b[:n], b[n:]
		if err := m.StoreBytes(0x2B0, group, onAsync); err != nil {
			return err
		}
		if _, err := m.Execute(fmt.Sprintf("s%X %X", 0xD0, len(group)), onAsync); err != nil {
			return err
		}
		b = rest
	}
	return nil
}

// Reset sends the reset command and waits for the post-reboot banner byte,
// returning once the target is expected to be back up. It does not itself
// re-run sync; callers (the engine) call Sync afterward per spec §4.8.
func (m *Monitor) Reset() error {
	if err := m.write("!\n"); err != nil {
		return err
	}
	reply, err := m.tr.Read(4, defaultTimeout)
	if err != nil {
		return fmt.Errorf("monitor: reset: %w", err)
	}
	expected := "!\r\n@"
	if m.isXemu {
		expected = "!\r\n?"
	}
	if string(reply) != expected {
		return fmt.Errorf("monitor: reset: unexpected reply %q, want %q", reply, expected)
	}
	if _, err := m.tr.Read(1, resetTimeout); err != nil {
		return fmt.Errorf("monitor: reset: waiting for reboot banner: %w", err)
	}
	m.Flush()
	return nil
}

// Sync performs the identity-probe handshake described in spec §4.8,
// retrying up to 10 times and recovering once from a possibly-stuck load
// command.
func (m *Monitor) Sync() error {
	const maxRetries = 10
	bannerPrefix := "MEGA65 Serial Monitor"
	if m.isXemu {
		bannerPrefix = "Xemu/MEGA65 Serial Monitor"
	}

	recoveredOnce := false
	for retries := maxRetries; retries > 0; retries-- {
		cmd := fmt.Sprintf("?%d", retries-1)
		if m.isXemu {
			cmd = "?"
		}
		if err := m.write(cmd + "\n"); err != nil {
			return err
		}

		tok, timedOut, err := m.fr.ReadLine(syncTimeout)
		if err != nil {
			return err
		}
		if !timedOut && tok.Kind == framer.Line && tok.Text == cmd {
			lines, err := m.readLinesUntilPrompt(syncTimeout)
			if err == nil && len(lines) > 0 && strings.HasPrefix(lines[0], bannerPrefix) {
				if m.log != nil {
					m.log.Debug("synced with target debugger")
				}
				return nil
			}
		}

		if timedOut && !recoveredOnce {
			recoveredOnce = true
			dummy := bytes.Repeat([]byte{' '}, 65535)
			dummy = append(dummy, '\n')
			_ = m.tr.Write(dummy)
		}
		m.Flush()
	}
	return fmt.Errorf("monitor: unable to sync with target debugger")
}

// parseMemoryLine parses a ":AAAAAAAA:HH..." response line into its
// address and byte payload.
func parseMemoryLine(line string) (addr int, data []byte, ok bool) {
	if len(line) < 1 || line[0] != ':' {
		return 0, nil, false
	}
	parts := strings.SplitN(line[1:], ":", 2)
	if len(parts) != 2 {
		return 0, nil, false
	}
	a, err := parseHexAddr(parts[0])
	if err != nil {
		return 0, nil, false
	}
	b, err := hex.DecodeString(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, nil, false
	}
	return a, b, true
}

func parseHexAddr(s string) (int, error) {
	var v int64
	_, err := fmt.Sscanf(s, "%x", &v)
	return int(v), err
}
