package patch

import "debug/elf"

// Elf64_Dyn / Elf32_Dyn field byte offsets.
const (
	dynValOffset64 = 8
	dynValOffset32 = 4
)

// Elf64_Phdr / Elf32_Phdr field byte offsets, used to patch an existing
// program header entry in place (PT_INTERP, PT_DYNAMIC) without touching
// neighboring fields.
const (
	phOff64, phVaddr64, phPaddr64, phFilesz64, phMemsz64 = 8, 16, 24, 32, 40
	phOff32, phVaddr32, phPaddr32, phFilesz32, phMemsz32, phFlags32 = 4, 8, 12, 16, 20, 24
)

func progHeaderOffset64(img *Image, ndx int) uint64 {
	h := img.hdr64()
	return h.Phoff + uint64(ndx)*uint64(h.Phentsize)
}

func progHeaderOffset32(img *Image, ndx int) uint64 {
	h := img.hdr32()
	return uint64(h.Phoff) + uint64(ndx)*uint64(h.Phentsize)
}

// dynTagValue returns the d_val of the first dynamic tag entry matching
// tag, if any.
func dynTagValue(img *Image, tag elf.DynTag) (uint64, bool) {
	if entries, ok := img.Dyn.([]elf.Dyn64); ok {
		for _, d := range entries {
			if elf.DynTag(d.Tag) == tag {
				return d.Val, true
			}
		}
		return 0, false
	}
	entries := img.Dyn.([]elf.Dyn32)
	for _, d := range entries {
		if elf.DynTag(d.Tag) == tag {
			return uint64(d.Val), true
		}
	}
	return 0, false
}

func dynTagIndex(img *Image, tag elf.DynTag) (int, bool) {
	if entries, ok := img.Dyn.([]elf.Dyn64); ok {
		for i, d := range entries {
			if elf.DynTag(d.Tag) == tag {
				return i, true
			}
		}
		return 0, false
	}
	entries := img.Dyn.([]elf.Dyn32)
	for i, d := range entries {
		if elf.DynTag(d.Tag) == tag {
			return i, true
		}
	}
	return 0, false
}

// setDynVal mutates the in-memory tag record for tag to newVal. When the
// dynamic segment is not going to be relocated (DynamicEditor never
// appended a tag), it also patches the on-disk bytes at the entry's
// current file offset directly, since no later "serialize the whole
// table" step will otherwise carry the change to the output.
func setDynVal(img *Image, tag elf.DynTag, newVal uint64) {
	off, entrySize := dynSegmentFileRange(img)
	idx, ok := dynTagIndex(img, tag)
	if !ok {
		return
	}
	if entries, ok := img.Dyn.([]elf.Dyn64); ok {
		entries[idx].Val = newVal
	} else {
		entries := img.Dyn.([]elf.Dyn32)
		entries[idx].Val = uint32(newVal)
	}
	if img.DynRelocated {
		return
	}
	entryOff := off + uint64(idx)*entrySize
	if img.is64() {
		img.patchHeaderValue(entryOff+dynValOffset64, newVal)
	} else {
		img.patchHeaderValue(entryOff+dynValOffset32, uint32(newVal))
	}
}

func dynSegmentFileRange(img *Image) (offset, entrySize uint64) {
	if phdrs, ok := img.Phdrs.([]elf.Prog64); ok {
		return phdrs[img.idx.dynNdx].Off, 16
	}
	phdrs := img.Phdrs.([]elf.Prog32)
	return uint64(phdrs[img.idx.dynNdx].Off), 8
}

// appendedDynTag is a new dynamic-tag record to splice in before the
// terminating DT_NULL when PT_DYNAMIC is rewritten (spec section 3,
// "Appended dynamic tags").
type appendedDynTag struct {
	tag elf.DynTag
	val uint64
}

// DynamicEditor implements spec section 4.4: mutating existing
// DT_SONAME/DT_RUNPATH/DT_RPATH values, lazily creating a RUNPATH/RPATH
// tag when absent, and relocating the whole PT_DYNAMIC payload when a
// tag had to be appended.
type DynamicEditor struct {
	img      *Image
	mm       *MM
	strtab   *StrtabEditor
	useRpath bool
	appended []*appendedDynTag
}

func newDynamicEditor(img *Image, mm *MM, strtab *StrtabEditor, useRpath bool) *DynamicEditor {
	return &DynamicEditor{img: img, mm: mm, strtab: strtab, useRpath: useRpath}
}

func (e *DynamicEditor) runpathTag() elf.DynTag {
	if e.useRpath {
		return elf.DT_RPATH
	}
	return elf.DT_RUNPATH
}

// SetSoname requests the rewrite of an existing DT_SONAME entry. It
// returns ErrNoSoname when the input has no DT_SONAME; the Patcher facade
// calls it whenever a soname edit is pending and turns that error into a
// warning, dropping the edit.
func (e *DynamicEditor) SetSoname(value string) error {
	if _, ok := dynTagIndex(e.img, elf.DT_SONAME); !ok {
		return ErrNoSoname
	}
	e.strtab.Request(value, func(idx uint64) {
		setDynVal(e.img, elf.DT_SONAME, idx)
	})
	return nil
}

// SetRunpath requests the rewrite of the active runpath tag
// (DT_RUNPATH, or DT_RPATH after UseRpath), creating it if absent.
func (e *DynamicEditor) SetRunpath(value string) {
	tag := e.runpathTag()
	if _, ok := dynTagIndex(e.img, tag); ok {
		e.strtab.Request(value, func(idx uint64) {
			setDynVal(e.img, tag, idx)
		})
		return
	}
	rec := &appendedDynTag{tag: tag}
	e.appended = append(e.appended, rec)
	e.img.DynRelocated = true
	e.strtab.Request(value, func(idx uint64) {
		rec.val = idx
	})
}

// ExpandIfNeeded splices every appended tag before the terminating
// DT_NULL and allocates room for the grown tag array through the MM,
// once the strtab allocation (if any) has already been registered —
// the Patcher facade is responsible for that ordering, per spec section
// 4.4's closing paragraph.
func (e *DynamicEditor) ExpandIfNeeded() error {
	if len(e.appended) == 0 {
		return nil
	}

	img := e.img
	dynSection := img.sectionByName(".dynamic")

	if entries, ok := img.Dyn.([]elf.Dyn64); ok {
		bytesNeeded := uint64(len(entries)+len(e.appended)) * 16
		e.mm.Malloc(bytesNeeded, func(off, vaddr uint64) error {
			full := make([]elf.Dyn64, 0, len(entries)+len(e.appended))
			full = append(full, entries[:len(entries)-1]...)
			for _, a := range e.appended {
				full = append(full, elf.Dyn64{Tag: int64(a.tag), Val: a.val})
			}
			full = append(full, elf.Dyn64{Tag: int64(elf.DT_NULL)})
			img.Dyn = full
			img.inlinePatchValue(off, full)
			relocatePtDynamic(img, off, vaddr, bytesNeeded, dynSection)
			return nil
		})
		return nil
	}

	entries := img.Dyn.([]elf.Dyn32)
	bytesNeeded := uint64(len(entries)+len(e.appended)) * 8
	e.mm.Malloc(bytesNeeded, func(off, vaddr uint64) error {
		full := make([]elf.Dyn32, 0, len(entries)+len(e.appended))
		full = append(full, entries[:len(entries)-1]...)
		for _, a := range e.appended {
			full = append(full, elf.Dyn32{Tag: int32(a.tag), Val: uint32(a.val)})
		}
		full = append(full, elf.Dyn32{Tag: int32(elf.DT_NULL)})
		img.Dyn = full
		img.inlinePatchValue(off, full)
		relocatePtDynamic(img, off, vaddr, bytesNeeded, dynSection)
		return nil
	})
	return nil
}

// relocatePtDynamic retargets the PT_DYNAMIC program header (and the
// .dynamic section header, if present) at the grown tag array's new
// location.
func relocatePtDynamic(img *Image, off, vaddr, size uint64, dynSection int) {
	ndx := img.idx.dynNdx
	if phdrs, ok := img.Phdrs.([]elf.Prog64); ok {
		phdrs[ndx] = elf.Prog64{
			Type: uint32(elf.PT_DYNAMIC), Flags: phdrs[ndx].Flags,
			Off: off, Vaddr: vaddr, Paddr: vaddr,
			Filesz: size, Memsz: size, Align: phdrs[ndx].Align,
		}
		base := progHeaderOffset64(img, ndx)
		img.patchHeaderValue(base+phOff64, off)
		img.patchHeaderValue(base+phVaddr64, vaddr)
		img.patchHeaderValue(base+phPaddr64, vaddr)
		img.patchHeaderValue(base+phFilesz64, size)
		img.patchHeaderValue(base+phMemsz64, size)
	} else {
		phdrs := img.Phdrs.([]elf.Prog32)
		phdrs[ndx] = elf.Prog32{
			Type: uint32(elf.PT_DYNAMIC), Flags: phdrs[ndx].Flags,
			Off: uint32(off), Vaddr: uint32(vaddr), Paddr: uint32(vaddr),
			Filesz: uint32(size), Memsz: uint32(size), Align: phdrs[ndx].Align,
		}
		base := progHeaderOffset32(img, ndx)
		img.patchHeaderValue(base+phOff32, uint32(off))
		img.patchHeaderValue(base+phVaddr32, uint32(vaddr))
		img.patchHeaderValue(base+phPaddr32, uint32(vaddr))
		img.patchHeaderValue(base+phFilesz32, uint32(size))
		img.patchHeaderValue(base+phMemsz32, uint32(size))
	}
	if dynSection >= 0 {
		patchSectionHeader(img, dynSection, off, vaddr, size)
	}
}
