package monitor

import (
	"testing"
	"time"
)

func TestExecuteReturnsLinesBetweenEchoAndPrompt(t *testing.T) {
	tr := newFakeTransport("t1\r\n.")
	m := New(tr, false, nil)

	lines, err := m.Execute("t1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 0 {
		t.Fatalf("got %v, want no lines", lines)
	}
	if len(tr.written) != 1 || string(tr.written[0]) != "t1\n" {
		t.Fatalf("got writes %v, want one write of \"t1\\n\"", tr.written)
	}
}

func TestExecuteRoutesUnsolicitedLinesToAsyncHandler(t *testing.T) {
	// An asynchronous block (e.g. a breakpoint notification) arrives
	// before our own echo; Execute must hand it to onAsync and keep
	// waiting for the command's own echo.
	stream := "unsolicited line\r\n.t1\r\n."
	tr := newFakeTransport(stream)
	m := New(tr, false, nil)

	var gotAsync []string
	onAsync := func(lines []string) error {
		gotAsync = append(gotAsync, lines...)
		return nil
	}

	lines, err := m.Execute("t1", onAsync)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 0 {
		t.Fatalf("got %v, want no lines", lines)
	}
	if len(gotAsync) != 1 || gotAsync[0] != "unsolicited line" {
		t.Fatalf("got async lines %v", gotAsync)
	}
}

func TestReadPageParsesMemoryLine(t *testing.T) {
	stream := "m1000\r\n:00001000:0102030405060708090A0B0C0D0E0F10\r\n."
	m := New(newFakeTransport(stream), false, nil)

	data, err := m.ReadPage(0x1000, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 16 || data[0] != 0x01 || data[15] != 0x10 {
		t.Fatalf("got %x", data)
	}
}

func TestFetchPageAssemblesSixteenLines(t *testing.T) {
	var sb []byte
	sb = append(sb, "M2000\r\n"...)
	for row := 0; row < 16; row++ {
		addr := 0x2000 + row*16
		line := ":" + hexAddr(addr) + ":"
		for b := 0; b < 16; b++ {
			line += hexByte(byte(row*16 + b))
		}
		sb = append(sb, line...)
		sb = append(sb, "\r\n"...)
	}
	sb = append(sb, '.')

	m := New(newFakeTransport(string(sb)), false, nil)
	page, err := m.FetchPage(0x2000)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 256; i++ {
		if page[i] != byte(i) {
			t.Fatalf("page[%d] = %x, want %x", i, page[i], byte(i))
		}
	}
}

func TestReadRegistersParsesHWHeaderAndValues(t *testing.T) {
	value := "12AB 00 11 22 33 44 FFFE 0F 07 20 01 2B .....C. 0011223344 01 02 00 00 00"
	stream := "r\r\n" + hwRegisterHeader + "\r\n" + value + "\r\n."
	m := New(newFakeTransport(stream), false, nil)

	regs, err := m.ReadRegisters(nil)
	if err != nil {
		t.Fatal(err)
	}
	if regs.PC != 0x12AB {
		t.Fatalf("got %+v", regs)
	}
}

func TestReadRegistersRejectsWrongHeader(t *testing.T) {
	stream := "r\r\nnot a register header\r\n."
	m := New(newFakeTransport(stream), false, nil)

	if _, err := m.ReadRegisters(nil); err == nil {
		t.Fatal("expected an error for a mismatched header")
	}
}

func TestUploadPRGFramesLoadCommand(t *testing.T) {
	// Load address 0x0801 (two little-endian bytes), two payload bytes.
	data := []byte{0x01, 0x08, 0xAA, 0xBB}
	tr := newFakeTransport(".")
	m := New(tr, false, nil)

	if err := m.UploadPRG(data, nil); err != nil {
		t.Fatal(err)
	}
	if len(tr.written) != 2 {
		t.Fatalf("got %d writes, want 2 (command, payload)", len(tr.written))
	}
	if string(tr.written[0]) != "l801 803\n" {
		t.Fatalf("got command %q", tr.written[0])
	}
	if string(tr.written[1]) != "\xAA\xBB" {
		t.Fatalf("got payload %x", tr.written[1])
	}
}

func TestUploadPRGRejectsOversizedFile(t *testing.T) {
	m := New(newFakeTransport(""), false, nil)
	if err := m.UploadPRG(make([]byte, 65537), nil); err == nil {
		t.Fatal("expected an error for an oversized program file")
	}
}

func TestUploadPRGRejectsUndersizedFile(t *testing.T) {
	m := New(newFakeTransport(""), false, nil)
	if err := m.UploadPRG([]byte{0x01}, nil); err == nil {
		t.Fatal("expected an error for an undersized program file")
	}
}

func TestSimulateKeypressesSplitsIntoGroupsOfNine(t *testing.T) {
	tr := newFakeTransport("s2B0 31 32 33 34 35 36 37 38 39\r\n.sD0 9\r\n.s2B0 30\r\n.sD0 1\r\n.")
	m := New(tr, false, nil)

	if err := m.SimulateKeypresses("1234567890", nil); err != nil {
		t.Fatal(err)
	}
	// 4 commands: two StoreBytes + two queue-length writes.
	if len(tr.written) != 4 {
		t.Fatalf("got %d writes, want 4", len(tr.written))
	}
}

func TestSetAndClearBreakpoint(t *testing.T) {
	tr := newFakeTransport("b1000\r\n.b\r\n.")
	m := New(tr, false, nil)

	if err := m.SetBreakpoint(0x1000, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.ClearBreakpoint(nil); err != nil {
		t.Fatal(err)
	}
	if string(tr.written[0]) != "b1000\n" || string(tr.written[1]) != "b\n" {
		t.Fatalf("got writes %q", tr.written)
	}
}

func TestPollAsyncEventConsumesBreakpointMarkerBlock(t *testing.T) {
	value := "12AB 00 11 22 33 44 FFFE 0F 07 20 01 2B .....C. 0011223344 01 02 00 00 00"
	stream := "!" + hwRegisterHeader + "\r\n" + value + "\r\n."
	m := New(newFakeTransport(stream), false, nil)

	lines, found, err := m.PollAsyncEvent(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected an async event to be found")
	}
	if len(lines) != 2 || lines[0] != hwRegisterHeader {
		t.Fatalf("got %v", lines)
	}
	regs, err := m.ParseRegisterBlock(lines)
	if err != nil {
		t.Fatal(err)
	}
	if regs.PC != 0x12AB {
		t.Fatalf("got %+v", regs)
	}
}

func TestPollAsyncEventRecognizesXemuBareHeader(t *testing.T) {
	value := "12AB 00 11 22 33 44 FFFE 0F 07 20 2B .....C. 0011223344 01 02"
	stream := xemuRegisterHeader + "\r\n" + value + "\r\n.\r\n"
	m := New(newFakeTransport(stream), true, nil)

	lines, found, err := m.PollAsyncEvent(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !found || len(lines) != 2 {
		t.Fatalf("got lines=%v found=%v", lines, found)
	}
}

func TestPollAsyncEventReturnsNotFoundOnTimeout(t *testing.T) {
	m := New(newFakeTransport(""), false, nil)
	_, found, err := m.PollAsyncEvent(10 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected no event on an empty stream")
	}
}

func hexAddr(addr int) string {
	const hexDigits = "0123456789ABCDEF"
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = hexDigits[addr&0xF]
		addr >>= 4
	}
	return string(b)
}

func hexByte(v byte) string {
	const hexDigits = "0123456789ABCDEF"
	return string([]byte{hexDigits[v>>4], hexDigits[v&0xF]})
}
