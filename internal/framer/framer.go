// Package framer turns the raw byte stream from a transport into the
// monitor's three token kinds: complete lines, the prompt, and the
// breakpoint marker.
package framer

import (
	"time"

	"github.com/m65dap/bridge/internal/transport"
)

// TokenKind identifies which grammar production a Token matched.
type TokenKind int

const (
	// Line is a complete line of text, trailing CR stripped.
	Line TokenKind = iota
	// Prompt is the lone "." the monitor emits after every response.
	Prompt
	// BreakpointMarker is the lone "!" the real hardware emits
	// asynchronously when the target hits a breakpoint.
	BreakpointMarker
)

// Token is one unit yielded by ReadLine.
type Token struct {
	Kind TokenKind
	Text string // populated only for Line
}

// Framer maintains a read-ahead buffer over a Transport and yields tokens
// on demand.
type Framer struct {
	t       transport.Transport
	isXemu  bool
	buf     []byte
}

// New wraps t. isXemu selects the Xemu-specific prompt framing ("." is
// followed by "\r\n" rather than standing alone).
func New(t transport.Transport, isXemu bool) *Framer {
	return &Framer{t: t, isXemu: isXemu}
}

// ReadLine pulls the next token from the buffer, reading more from the
// transport as needed, until timeout elapses. timedOut is true only when no
// complete token was available before the deadline.
func (f *Framer) ReadLine(timeout time.Duration) (tok Token, timedOut bool, err error) {
	deadline := time.Now().Add(timeout)
	for {
		if tok, ok := f.tryTake(); ok {
			return tok, false, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Token{}, true, nil
		}
		chunk, err := f.t.Read(4096, remaining)
		if err != nil {
			return Token{}, false, err
		}
		if len(chunk) == 0 {
			// No bytes arrived before the deadline and none were
			// buffered; nothing more to try this round.
			return Token{}, true, nil
		}
		f.buf = append(f.buf, chunk...)
	}
}

// tryTake attempts to extract one token from the buffer without touching
// the transport.
func (f *Framer) tryTake() (Token, bool) {
	if len(f.buf) == 0 {
		return Token{}, false
	}

	if f.isXemu && len(f.buf) >= 3 && f.buf[0] == '.' && f.buf[1] == '\r' && f.buf[2] == '\n' {
		f.buf = f.buf[3:]
		return Token{Kind: Prompt}, true
	}
	if f.buf[0] == '.' {
		if f.isXemu {
			// Xemu always frames the prompt as ".\r\n"; a lone "."
			// without the rest buffered yet is not a complete token.
			return Token{}, false
		}
		f.buf = f.buf[1:]
		return Token{Kind: Prompt}, true
	}
	if f.buf[0] == '!' {
		f.buf = f.buf[1:]
		return Token{Kind: BreakpointMarker}, true
	}

	for i, b := range f.buf {
		if b == '\n' {
			line := f.buf[:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			text := string(line)
			f.buf = f.buf[i+1:]
			return Token{Kind: Line, Text: text}, true
		}
	}
	return Token{}, false
}

// Flush empties the buffer and drains the transport of any bytes that are
// pending but not yet delivered; it fails silently when nothing is
// pending.
func (f *Framer) Flush() {
	f.buf = nil
	for {
		chunk, err := f.t.Read(64*1024, 50*time.Millisecond)
		if err != nil || len(chunk) == 0 {
			return
		}
	}
}
