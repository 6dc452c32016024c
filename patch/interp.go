package patch

import "debug/elf"

// InterpEditor implements spec section 4.5: rewriting PT_INTERP. Unlike
// DT_SONAME/DT_RUNPATH, the interpreter path is not stored in any string
// table — it is simply the raw, NUL-terminated bytes of the PT_INTERP
// segment (and the .interp section, when one exists) — so the editor can
// patch in place whenever the new path is no longer than the old one,
// the same short-edit optimization the teacher leans on for its own
// segment edits.
type InterpEditor struct {
	img *Image
	mm  *MM
}

func newInterpEditor(img *Image, mm *MM) *InterpEditor {
	return &InterpEditor{img: img, mm: mm}
}

// Set requests that PT_INTERP's content become value (NUL-terminated).
// It returns ErrNoInterp if the input has no PT_INTERP segment, matching
// the Patcher facade's "drop, warn" behavior when interp was never set.
func (e *InterpEditor) Set(value string) error {
	if !e.img.idx.have.interp {
		return ErrNoInterp
	}

	img := e.img
	ndx := img.idx.interpNdx
	raw := append([]byte(value), 0)

	oldOff, oldSize := interpFileRange(img, ndx)
	interpSection := img.sectionByName(".interp")

	if uint64(len(raw)) <= oldSize {
		img.patchHeader(oldOff, raw)
		resizeInterpSegment(img, ndx, uint64(len(raw)))
		if interpSection >= 0 {
			patchSectionHeader(img, interpSection, oldOff, vaddrForOffset(img, ndx, oldOff), uint64(len(raw)))
		}
		return nil
	}

	e.mm.Malloc(uint64(len(raw)), func(off, vaddr uint64) error {
		img.inlinePatch(off, raw)
		relocateInterpSegment(img, ndx, off, vaddr, uint64(len(raw)))
		if interpSection >= 0 {
			patchSectionHeader(img, interpSection, off, vaddr, uint64(len(raw)))
		}
		return nil
	})
	return nil
}

func interpFileRange(img *Image, ndx int) (offset, size uint64) {
	if phdrs, ok := img.Phdrs.([]elf.Prog64); ok {
		p := phdrs[ndx]
		return p.Off, p.Filesz
	}
	phdrs := img.Phdrs.([]elf.Prog32)
	p := phdrs[ndx]
	return uint64(p.Off), uint64(p.Filesz)
}

func vaddrForOffset(img *Image, ndx int, off uint64) uint64 {
	if phdrs, ok := img.Phdrs.([]elf.Prog64); ok {
		p := phdrs[ndx]
		return p.Vaddr + (off - p.Off)
	}
	phdrs := img.Phdrs.([]elf.Prog32)
	p := phdrs[ndx]
	return uint64(p.Vaddr) + (off - uint64(p.Off))
}

// resizeInterpSegment shrinks filesz/memsz in place when the new path is
// shorter than the slot it's replacing; offset and vaddr are untouched.
func resizeInterpSegment(img *Image, ndx int, size uint64) {
	if phdrs, ok := img.Phdrs.([]elf.Prog64); ok {
		phdrs[ndx].Filesz, phdrs[ndx].Memsz = size, size
		base := progHeaderOffset64(img, ndx)
		img.patchHeaderValue(base+phFilesz64, size)
		img.patchHeaderValue(base+phMemsz64, size)
		return
	}
	phdrs := img.Phdrs.([]elf.Prog32)
	phdrs[ndx].Filesz, phdrs[ndx].Memsz = uint32(size), uint32(size)
	base := progHeaderOffset32(img, ndx)
	img.patchHeaderValue(base+phFilesz32, uint32(size))
	img.patchHeaderValue(base+phMemsz32, uint32(size))
}

func relocateInterpSegment(img *Image, ndx int, off, vaddr, size uint64) {
	if phdrs, ok := img.Phdrs.([]elf.Prog64); ok {
		phdrs[ndx].Off, phdrs[ndx].Vaddr, phdrs[ndx].Paddr = off, vaddr, vaddr
		phdrs[ndx].Filesz, phdrs[ndx].Memsz = size, size
		base := progHeaderOffset64(img, ndx)
		img.patchHeaderValue(base+phOff64, off)
		img.patchHeaderValue(base+phVaddr64, vaddr)
		img.patchHeaderValue(base+phPaddr64, vaddr)
		img.patchHeaderValue(base+phFilesz64, size)
		img.patchHeaderValue(base+phMemsz64, size)
		return
	}
	phdrs := img.Phdrs.([]elf.Prog32)
	phdrs[ndx].Off, phdrs[ndx].Vaddr, phdrs[ndx].Paddr = uint32(off), uint32(vaddr), uint32(vaddr)
	phdrs[ndx].Filesz, phdrs[ndx].Memsz = uint32(size), uint32(size)
	base := progHeaderOffset32(img, ndx)
	img.patchHeaderValue(base+phOff32, uint32(off))
	img.patchHeaderValue(base+phVaddr32, uint32(vaddr))
	img.patchHeaderValue(base+phPaddr32, uint32(vaddr))
	img.patchHeaderValue(base+phFilesz32, uint32(size))
	img.patchHeaderValue(base+phMemsz32, uint32(size))
}
