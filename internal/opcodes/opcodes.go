// Package opcodes holds the small static table of call-family opcodes used
// to validate breakpoint hits against the instruction actually executing at
// the target's program counter.
package opcodes

// Mnemonic identifies the call-like instruction family an opcode belongs to.
type Mnemonic int

const (
	Illegal Mnemonic = iota
	BSR
	JSR
)

// AddressingMode identifies how a call opcode's operand resolves to a
// target address.
type AddressingMode int

const (
	Absolute AddressingMode = iota
	AbsoluteIndirect
	AbsoluteIndirectX
	RelativeWord
)

// Opcode describes one call-family instruction byte and its addressing mode.
type Opcode struct {
	Code     byte
	Mnemonic Mnemonic
	Mode     AddressingMode
}

// Table lists every call-family opcode this bridge knows how to validate.
// Index 0 is the Illegal sentinel, matching the zero value of Opcode so a
// failed Lookup never needs a separate "not found" branch at call sites.
var Table = [...]Opcode{
	{},
	{Code: 0x20, Mnemonic: JSR, Mode: Absolute},
	{Code: 0x22, Mnemonic: JSR, Mode: AbsoluteIndirect},
	{Code: 0x23, Mnemonic: JSR, Mode: AbsoluteIndirectX},
	{Code: 0x63, Mnemonic: BSR, Mode: RelativeWord},
}

// Lookup returns the Opcode entry for code, or the Illegal sentinel if code
// is not a call-family opcode.
func Lookup(code byte) Opcode {
	for _, o := range Table {
		if o.Mnemonic != Illegal && o.Code == code {
			return o
		}
	}
	return Opcode{}
}

// Peeker reads a little-endian 16-bit word from target memory. The memory
// cache satisfies this for the engine's breakpoint-validation path.
type Peeker interface {
	ReadWord(addr int) (uint16, error)
}

// CallTarget resolves the address a call-family opcode at pc (with operand
// word w, and the CPU's X register for the indexed-indirect mode) transfers
// control to.
func CallTarget(p Peeker, pc int, op Opcode, w uint16, x int) (int, error) {
	switch op.Mode {
	case Absolute:
		return int(w), nil
	case AbsoluteIndirect:
		target, err := p.ReadWord(int(w))
		if err != nil {
			return 0, err
		}
		return int(target), nil
	case AbsoluteIndirectX:
		target, err := p.ReadWord(int(w) + x)
		if err != nil {
			return 0, err
		}
		return int(target), nil
	case RelativeWord:
		if w < 0x8000 {
			return pc + int(w), nil
		}
		return pc + int(w) - 0x10000, nil
	default:
		return 0, nil
	}
}
