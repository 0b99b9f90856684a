package framer

import (
	"testing"
	"time"
)

// TestHelpBanner mirrors spec §8 scenario 1: writing "?\n" to the monitor
// yields tokens "?", the banner line, a build-info line, an empty line,
// then the prompt; any further read after that times out.
func TestHelpBanner(t *testing.T) {
	stream := "?\r\nMEGA65 Serial Monitor\r\nbuild GIT: development,20220305.00,ee4f29d\r\n\r\n."
	f := New(newFakeTransport(stream), false)

	wantLines := []string{"?", "MEGA65 Serial Monitor", "build GIT: development,20220305.00,ee4f29d", ""}
	for _, want := range wantLines {
		tok, timedOut, err := f.ReadLine(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if timedOut {
			t.Fatalf("unexpected timeout waiting for %q", want)
		}
		if tok.Kind != Line || tok.Text != want {
			t.Fatalf("got %+v, want line %q", tok, want)
		}
	}

	tok, timedOut, err := f.ReadLine(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if timedOut || tok.Kind != Prompt {
		t.Fatalf("got %+v timedOut=%v, want prompt", tok, timedOut)
	}

	_, timedOut, err = f.ReadLine(10 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !timedOut {
		t.Fatal("expected timeout after stream exhausted")
	}
}

func TestBreakpointMarker(t *testing.T) {
	f := New(newFakeTransport("!"), false)
	tok, timedOut, err := f.ReadLine(time.Second)
	if err != nil || timedOut {
		t.Fatalf("got tok=%+v timedOut=%v err=%v", tok, timedOut, err)
	}
	if tok.Kind != BreakpointMarker {
		t.Fatalf("got %+v, want breakpoint marker", tok)
	}
}

func TestXemuPromptRequiresFullSequence(t *testing.T) {
	f := New(newFakeTransport(".\r\n"), true)
	tok, timedOut, err := f.ReadLine(time.Second)
	if err != nil || timedOut {
		t.Fatalf("got tok=%+v timedOut=%v err=%v", tok, timedOut, err)
	}
	if tok.Kind != Prompt {
		t.Fatalf("got %+v, want prompt", tok)
	}
}

func TestFlushDrainsBuffer(t *testing.T) {
	f := New(newFakeTransport("garbage that never resolves to a token because there's no newline yet"), false)
	// Prime the internal buffer without consuming a token.
	_, _, _ = f.ReadLine(10 * time.Millisecond)
	if len(f.buf) == 0 {
		t.Fatal("expected buffered bytes before flush")
	}
	f.Flush()
	if len(f.buf) != 0 {
		t.Fatal("expected empty buffer after flush")
	}
}

func TestCRStrippedFromLine(t *testing.T) {
	f := New(newFakeTransport("hello\r\n"), false)
	tok, timedOut, err := f.ReadLine(time.Second)
	if err != nil || timedOut {
		t.Fatalf("got tok=%+v timedOut=%v err=%v", tok, timedOut, err)
	}
	if tok.Text != "hello" {
		t.Fatalf("got %q, want %q", tok.Text, "hello")
	}
}
