package tramp

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/mpboot/internal/x86"
)

// blobWriter accumulates the trampoline image. Short jumps are
// emitted with a placeholder displacement and bound once their target
// is reached.
type blobWriter struct {
	buf []byte
}

func (w *blobWriter) off() int {
	return len(w.buf)
}

func (w *blobWriter) raw(bs ...byte) {
	w.buf = append(w.buf, bs...)
}

func (w *blobWriter) bytes(bs []byte) {
	w.buf = append(w.buf, bs...)
}

func (w *blobWriter) u16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *blobWriter) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *blobWriter) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *blobWriter) align(n int) {
	for len(w.buf)%n != 0 {
		w.buf = append(w.buf, 0)
	}
}

func (w *blobWriter) patch16(off int, v uint16) {
	binary.LittleEndian.PutUint16(w.buf[off:off+2], v)
}

func (w *blobWriter) patch32(off int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[off:off+4], v)
}

func (w *blobWriter) patch64(off int, v uint64) {
	binary.LittleEndian.PutUint64(w.buf[off:off+8], v)
}

// jump8 emits a two-byte conditional jump with an unresolved
// displacement and returns the offset of the displacement byte.
func (w *blobWriter) jump8(opcode byte) int {
	w.raw(opcode, 0x00)
	return len(w.buf) - 1
}

// bindJump8 points a pending short jump at the current position.
func (w *blobWriter) bindJump8(dispOff int) {
	d := len(w.buf) - dispOff - 1
	if d < -128 || d > 127 {
		panic(fmt.Sprintf("tramp: short jump displacement %d out of range", d))
	}
	w.buf[dispOff] = byte(d)
}

// eferSet emits a read-modify-write of EFER that ors in bits,
// preserving whatever else firmware left set. Runs in the 16-bit
// section, so 32-bit operations carry the operand-size prefix.
func (w *blobWriter) eferSet(bits uint32) {
	w.raw(0x66, 0xB9) // mov ecx, MSR_EFER
	w.u32(x86.MSREFER)
	w.raw(0x0F, 0x32) // rdmsr
	w.raw(0x66, 0x0D) // or eax, bits
	w.u32(bits)
	w.raw(0x0F, 0x30) // wrmsr
}

// topoProbe emits a 64-bit-section probe of one topology leaf. On
// return ESI holds the candidate identifier from EDX and the zero
// flag is set exactly when the leaf answered all-zero.
func (w *blobWriter) topoProbe(leaf uint32) {
	w.raw(0xB8) // mov eax, leaf
	w.u32(leaf)
	w.raw(0x31, 0xC9) // xor ecx, ecx
	w.raw(0x0F, 0xA2) // cpuid
	w.raw(0x89, 0xD6) // mov esi, edx
	w.raw(0x09, 0xD8) // or eax, ebx
	w.raw(0x09, 0xC8) // or eax, ecx
	w.raw(0x09, 0xD0) // or eax, edx
}
