package patch

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// fixtureOpts controls the shape of a synthetic little-endian ELF64
// image built for the tests in this package. The layout mirrors a
// stripped-down dynamically linked executable: one RX PT_LOAD holding
// the interpreter path, the dynamic string table and the dynamic tag
// array, one tiny RW PT_LOAD, and an optional PT_NOTE slot the MM can
// repurpose.
type fixtureOpts struct {
	withNote    bool
	withRunpath bool
	withSoname  bool
}

const (
	fixLoadBase0 = 0x400000
	fixLoadBase1 = 0x600000
)

// buildFixture writes a synthetic ELF64 file to a temp dir and returns
// its path. It returns the chosen strings too, so tests can assert
// round-trip values without hardcoding offsets.
func buildFixture(t *testing.T, opts fixtureOpts) (path string, interp, soname, needed1, needed2 string) {
	t.Helper()

	interp = "/lib64/ld-linux-x86-64.so.2"
	soname = "libtarget.so.1"
	needed1 = "libneeded.so.1"
	needed2 = "libc.so.6"

	interpBytes := append([]byte(interp), 0)

	dynstr := []byte{0}
	put := func(s string) uint64 {
		off := uint64(len(dynstr))
		dynstr = append(dynstr, append([]byte(s), 0)...)
		return off
	}
	neededOff1 := put(needed1)
	neededOff2 := put(needed2)
	var sonameOff uint64
	if opts.withSoname {
		sonameOff = put(soname)
	}
	var runpathOff uint64
	if opts.withRunpath {
		runpathOff = put("/opt/lib")
	}

	dynstrOffBase := uint64(64 + 5*56 + len(interpBytes))

	var dyn []elf.Dyn64
	dyn = append(dyn, elf.Dyn64{Tag: int64(elf.DT_NEEDED), Val: neededOff1})
	dyn = append(dyn, elf.Dyn64{Tag: int64(elf.DT_NEEDED), Val: neededOff2})
	if opts.withSoname {
		dyn = append(dyn, elf.Dyn64{Tag: int64(elf.DT_SONAME), Val: sonameOff})
	}
	if opts.withRunpath {
		dyn = append(dyn, elf.Dyn64{Tag: int64(elf.DT_RUNPATH), Val: runpathOff})
	}
	dyn = append(dyn, elf.Dyn64{Tag: int64(elf.DT_STRTAB), Val: fixLoadBase0 + dynstrOffBase})
	dyn = append(dyn, elf.Dyn64{Tag: int64(elf.DT_NULL)})

	phdrOff := uint64(64)
	interpOff := phdrOff + 5*56
	dynstrOff := interpOff + uint64(len(interpBytes))
	dynOff := dynstrOff + uint64(len(dynstr))
	dynSize := uint64(len(dyn)) * 16
	noteOff := dynOff + dynSize
	noteSize := uint64(16)
	rxEnd := noteOff + noteSize

	load1Off := rxEnd
	load1Filesz := uint64(64)

	shstrtabOff := load1Off + load1Filesz
	shstrtab := []byte{0}
	putSh := func(s string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, append([]byte(s), 0)...)
		return off
	}
	nameShstrtab := putSh(".shstrtab")
	nameDynstr := putSh(".dynstr")
	nameDynamic := putSh(".dynamic")
	nameInterp := putSh(".interp")
	shstrtabSize := uint64(len(shstrtab))

	shdrOff := shstrtabOff + shstrtabSize
	shnum := 5

	hdr := elf.Header64{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     fixLoadBase0,
		Phoff:     phdrOff,
		Shoff:     shdrOff,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     5,
		Shentsize: 64,
		Shnum:     uint16(shnum),
		Shstrndx:  1,
	}

	noteType := uint32(elf.PT_NOTE)
	if !opts.withNote {
		noteType = uint32(elf.PT_NULL)
	}
	phdrs := []elf.Prog64{
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_X), Off: 0, Vaddr: fixLoadBase0, Paddr: fixLoadBase0, Filesz: rxEnd, Memsz: rxEnd, Align: 0x1000},
		{Type: uint32(elf.PT_INTERP), Flags: uint32(elf.PF_R), Off: interpOff, Vaddr: fixLoadBase0 + interpOff, Paddr: fixLoadBase0 + interpOff, Filesz: uint64(len(interpBytes)), Memsz: uint64(len(interpBytes)), Align: 1},
		{Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R | elf.PF_W), Off: dynOff, Vaddr: fixLoadBase0 + dynOff, Paddr: fixLoadBase0 + dynOff, Filesz: dynSize, Memsz: dynSize, Align: 8},
		{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W), Off: load1Off, Vaddr: fixLoadBase1 + load1Off, Paddr: fixLoadBase1 + load1Off, Filesz: load1Filesz, Memsz: load1Filesz, Align: 0x1000},
		{Type: noteType, Flags: uint32(elf.PF_R), Off: noteOff, Vaddr: fixLoadBase0 + noteOff, Paddr: fixLoadBase0 + noteOff, Filesz: noteSize, Memsz: noteSize, Align: 4},
	}

	shdrs := []elf.Section64{
		{},
		{Name: nameShstrtab, Type: uint32(elf.SHT_STRTAB), Off: shstrtabOff, Size: shstrtabSize, Addralign: 1},
		{Name: nameDynstr, Type: uint32(elf.SHT_STRTAB), Off: dynstrOff, Addr: fixLoadBase0 + dynstrOff, Size: uint64(len(dynstr)), Flags: uint64(elf.SHF_ALLOC), Addralign: 1},
		{Name: nameDynamic, Type: uint32(elf.SHT_DYNAMIC), Off: dynOff, Addr: fixLoadBase0 + dynOff, Size: dynSize, Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE), Link: 2, Entsize: 16, Addralign: 8},
		{Name: nameInterp, Type: uint32(elf.SHT_PROGBITS), Off: interpOff, Addr: fixLoadBase0 + interpOff, Size: uint64(len(interpBytes)), Flags: uint64(elf.SHF_ALLOC), Addralign: 1},
	}

	buf := make([]byte, shdrOff+uint64(shnum)*64)
	w := newFixtureWriter(buf)
	w.put(0, hdr)
	w.put(phdrOff, phdrs)
	w.putBytes(interpOff, interpBytes)
	w.putBytes(dynstrOff, dynstr)
	w.put(dynOff, dyn)
	w.putBytes(noteOff, make([]byte, noteSize))
	w.putBytes(shstrtabOff, shstrtab)
	w.put(shdrOff, shdrs)

	path = filepath.Join(t.TempDir(), "fixture.elf")
	if err := os.WriteFile(path, buf, 0o755); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path, interp, soname, needed1, needed2
}

type fixtureWriter struct{ buf []byte }

func newFixtureWriter(buf []byte) *fixtureWriter { return &fixtureWriter{buf: buf} }

func (w *fixtureWriter) put(off uint64, v interface{}) {
	tmp := new(fixedBuffer)
	_ = binary.Write(tmp, binary.LittleEndian, v)
	copy(w.buf[off:], tmp.b)
}

func (w *fixtureWriter) putBytes(off uint64, b []byte) {
	copy(w.buf[off:], b)
}

// fixedBuffer is a minimal io.Writer sink, avoiding a bytes.Buffer
// import just for this.
type fixedBuffer struct{ b []byte }

func (f *fixedBuffer) Write(p []byte) (int, error) {
	f.b = append(f.b, p...)
	return len(p), nil
}
