package opcodes

import "testing"

type fakePeeker map[int]uint16

func (f fakePeeker) ReadWord(addr int) (uint16, error) {
	return f[addr], nil
}

func TestLookup(t *testing.T) {
	cases := []struct {
		code byte
		want Mnemonic
	}{
		{0x20, JSR},
		{0x22, JSR},
		{0x23, JSR},
		{0x63, BSR},
		{0xEA, Illegal}, // NOP, never a call
	}
	for _, c := range cases {
		if got := Lookup(c.code).Mnemonic; got != c.want {
			t.Errorf("Lookup(%#x).Mnemonic = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestCallTargetAbsolute(t *testing.T) {
	op := Lookup(0x20)
	got, err := CallTarget(nil, 0x2000, op, 0x1234, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x1234 {
		t.Errorf("got %#x, want %#x", got, 0x1234)
	}
}

func TestCallTargetAbsoluteIndirect(t *testing.T) {
	op := Lookup(0x22)
	p := fakePeeker{0x1000: 0x4000}
	got, err := CallTarget(p, 0x2000, op, 0x1000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x4000 {
		t.Errorf("got %#x, want %#x", got, 0x4000)
	}
}

func TestCallTargetAbsoluteIndirectX(t *testing.T) {
	op := Lookup(0x23)
	p := fakePeeker{0x1005: 0x5000}
	got, err := CallTarget(p, 0x2000, op, 0x1000, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x5000 {
		t.Errorf("got %#x, want %#x", got, 0x5000)
	}
}

func TestCallTargetRelativeWord(t *testing.T) {
	op := Lookup(0x63)
	cases := []struct {
		w    uint16
		want int
	}{
		{0x0010, 0x2010},
		{0xFFF0, 0x2000 - 0x10},
	}
	for _, c := range cases {
		got, err := CallTarget(nil, 0x2000, op, c.w, 0)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("CallTarget(w=%#x) = %#x, want %#x", c.w, got, c.want)
		}
	}
}
