package patch

import (
	"debug/elf"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// resolvePageSize returns the alignment granularity the MM allocator must
// respect (spec section 4.2's "page_size"). golang.org/x/sys/unix is the
// one third-party dependency the teacher's own retrieval pack carries for
// this concern (xyproto/c67's go.mod pulls it in for platform syscalls);
// ELFPATCH_PAGE_SIZE lets a caller override it, mirroring the teacher's
// single environment-variable escape hatch (getPayloadFromEnv).
func resolvePageSize() uint64 {
	if v := os.Getenv("ELFPATCH_PAGE_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return uint64(unix.Getpagesize())
}

func pageAlign(v, pageSize uint64) uint64 {
	if r := v % pageSize; r != 0 {
		return v + (pageSize - r)
	}
	return v
}

// Allocation is a satisfied MM request, recorded in allocation order.
type Allocation struct {
	Offset uint64
	Vaddr  uint64
	Size   uint64
}

type pendingMalloc struct {
	size uint64
	cb   func(offset, vaddr uint64) error
}

// MM is the memory manager described by spec section 4.2: it decides
// where new bytes live when the regions an edit wants to touch can't
// accommodate it in place, and hands back {offset, vaddr} pairs to
// callbacks once the new layout is final. The design notes call for
// "explicit request records... rather than closures capturing mutable
// references" in a borrow-checked language; Go has no borrow checker, so
// a plain callback closure (pendingMalloc.cb) carries the same intent
// without the indirection a typed request table would add for no benefit
// here.
type MM struct {
	img      *Image
	pageSize uint64

	threshold uint64

	pending    []pendingMalloc
	extendSize uint64

	extended   bool
	vaddrBase  uint64
	offsetBase uint64
	allocs     []Allocation
	reuseNote  bool
	noteNdx    int
	newPhdrNdx int
}

// newMM computes threshold per spec section 4.2 and the "two PT_LOAD
// assumption" design note: the end of the second PT_LOAD normally, the
// end of the last PT_LOAD when fewer exist, and ErrNoLoadSpace when the
// input has no PT_LOAD at all.
func newMM(img *Image) (*MM, error) {
	loads := img.idx.loadNdx
	if len(loads) == 0 {
		return nil, ErrNoLoadSpace
	}
	var threshold uint64
	if len(loads) >= 2 {
		threshold = loadEnd(img, loads[1])
	} else {
		threshold = loadEnd(img, loads[0])
	}
	return &MM{
		img:       img,
		pageSize:  img.pageSize(),
		threshold: threshold,
	}, nil
}

// reusableNoteIndex returns the first PT_NOTE program header with no
// section header backing it, per SPEC_FULL.md's "no other consumer"
// rule: a PT_NOTE still tracked as the source of a live .note.* section
// (build-id, ABI tag) is never repurposed, only one nothing else
// references.
func reusableNoteIndex(img *Image) (int, bool) {
	for _, ndx := range img.idx.noteNdxs {
		if !noteHasConsumer(img, ndx) {
			return ndx, true
		}
	}
	return 0, false
}

func noteHasConsumer(img *Image, ndx int) bool {
	off, size := noteFileRange(img, ndx)
	return sectionBacks(img, off, off+size)
}

func noteFileRange(img *Image, ndx int) (offset, size uint64) {
	if phdrs, ok := img.Phdrs.([]elf.Prog64); ok {
		p := phdrs[ndx]
		return p.Off, p.Filesz
	}
	phdrs := img.Phdrs.([]elf.Prog32)
	p := phdrs[ndx]
	return uint64(p.Off), uint64(p.Filesz)
}

// sectionBacks reports whether any non-empty section header's file range
// starts inside [start, end), the signal that some section (e.g.
// .note.gnu.build-id) still depends on that region's current offset.
func sectionBacks(img *Image, start, end uint64) bool {
	if shdrs, ok := img.Shdrs.([]elf.Section64); ok {
		for _, s := range shdrs {
			if elf.SectionType(s.Type) == elf.SHT_NULL || s.Size == 0 {
				continue
			}
			if s.Off >= start && s.Off < end {
				return true
			}
		}
		return false
	}
	shdrs := img.Shdrs.([]elf.Section32)
	for _, s := range shdrs {
		if elf.SectionType(s.Type) == elf.SHT_NULL || s.Size == 0 {
			continue
		}
		if uint64(s.Off) >= start && uint64(s.Off) < end {
			return true
		}
	}
	return false
}

func loadEnd(img *Image, ndx int) uint64 {
	if phdrs, ok := img.Phdrs.([]elf.Prog64); ok {
		p := phdrs[ndx]
		return p.Off + p.Filesz
	}
	phdrs := img.Phdrs.([]elf.Prog32)
	p := phdrs[ndx]
	return uint64(p.Off + p.Filesz)
}

func maxVaddrEnd(img *Image) uint64 {
	var max uint64
	if phdrs, ok := img.Phdrs.([]elf.Prog64); ok {
		for _, p := range phdrs {
			if elf.ProgType(p.Type) != elf.PT_LOAD {
				continue
			}
			if end := p.Vaddr + p.Memsz; end > max {
				max = end
			}
		}
		return max
	}
	phdrs := img.Phdrs.([]elf.Prog32)
	for _, p := range phdrs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		if end := uint64(p.Vaddr + p.Memsz); end > max {
			max = end
		}
	}
	return max
}

// Malloc reserves size bytes and, once Dispatch runs, invokes cb with the
// final {offset, vaddr} the bytes were assigned. Allocation order is
// preserved, matching spec section 4.2's contract.
func (mm *MM) Malloc(size uint64, cb func(offset, vaddr uint64) error) {
	mm.pending = append(mm.pending, pendingMalloc{size: size, cb: cb})
}

// Extended reports whether Dispatch actually grew the file.
func (mm *MM) Extended() bool { return mm.extended }

// ExtendSize is the total number of bytes appended to the image; always a
// multiple of the page size, zero when nothing was allocated.
func (mm *MM) ExtendSize() uint64 { return mm.extendSize }

// Allocations returns the satisfied allocation records in request order.
func (mm *MM) Allocations() []Allocation { return mm.allocs }

// ExtendedOffset translates a pre-extension file offset to its
// post-extension counterpart: unchanged before threshold, shifted by
// extend_size at or beyond it.
func (mm *MM) ExtendedOffset(p uint64) uint64 {
	if p < mm.threshold {
		return p
	}
	return p + mm.extendSize
}

// Threshold exposes the computed shift boundary, mainly for the writer
// and for tests.
func (mm *MM) Threshold() uint64 { return mm.threshold }

// Dispatch finalizes the new PT_LOAD (or repurposed PT_NOTE) layout and
// invokes every pending callback with its {offset, vaddr}. It is a no-op
// when nothing was requested, per the "short-edit, no-extension" testable
// property.
func (mm *MM) Dispatch() error {
	if len(mm.pending) == 0 {
		return nil
	}

	noteNdx, haveReusableNote := reusableNoteIndex(mm.img)
	needNewSlot := !haveReusableNote
	phdrTableBytes := uint64(0)
	if needNewSlot {
		// The relocated table carries every existing entry plus the one
		// this dispatch is about to append.
		phdrTableBytes = uint64(phdrEntrySize(mm.img)) * uint64(currentPhnum(mm.img)+1)
	}

	var total uint64
	for _, p := range mm.pending {
		total += p.size
	}

	mm.offsetBase = pageAlign(mm.threshold, mm.pageSize)
	mm.vaddrBase = pageAlign(maxVaddrEnd(mm.img), mm.pageSize)
	gap := mm.offsetBase - mm.threshold
	mm.extendSize = pageAlign(gap+phdrTableBytes+total, mm.pageSize)

	cur := mm.offsetBase
	curV := mm.vaddrBase
	if needNewSlot {
		// The new program header entry lives at the front of the new
		// region so GetProgramHeader-style consumers see it contiguous
		// with the rest of the (relocated) table; see writer.go.
		cur += phdrTableBytes
		curV += phdrTableBytes
	} else {
		mm.reuseNote = true
		mm.noteNdx = noteNdx
	}

	for _, p := range mm.pending {
		off, vaddr := cur, curV
		mm.allocs = append(mm.allocs, Allocation{Offset: off, Vaddr: vaddr, Size: p.size})
		cur += p.size
		curV += p.size
		if err := p.cb(off, vaddr); err != nil {
			return err
		}
	}

	mm.extended = true
	return mm.installLoadSegment(needNewSlot, phdrTableBytes)
}

// installLoadSegment writes the new (or repurposed) PT_LOAD program
// header covering [offsetBase, offsetBase+extendSize), generalizing the
// teacher's two infection-time allocation strategies in
// pt_note_to_pt_load.go (claim an unused PHDR slot) and
// text_segment_padding.go (extend the trailing load) to data rather than
// payload bytes.
func (mm *MM) installLoadSegment(needNewSlot bool, phdrTableBytes uint64) error {
	img := mm.img
	flags := uint32(elf.PF_R | elf.PF_W)

	if img.is64() {
		phdrs := img.Phdrs.([]elf.Prog64)
		if mm.reuseNote {
			phdrs[mm.noteNdx] = elf.Prog64{
				Type: uint32(elf.PT_LOAD), Flags: flags,
				Off: mm.offsetBase, Vaddr: mm.vaddrBase, Paddr: mm.vaddrBase,
				Filesz: mm.extendSize, Memsz: mm.extendSize, Align: mm.pageSize,
			}
			mm.newPhdrNdx = mm.noteNdx
			img.patchHeaderValue(progHeaderOffset64(img, mm.noteNdx), phdrs[mm.noteNdx])
		} else {
			phdrs = append(phdrs, elf.Prog64{
				Type: uint32(elf.PT_LOAD), Flags: flags,
				Off: mm.offsetBase, Vaddr: mm.vaddrBase, Paddr: mm.vaddrBase,
				Filesz: mm.extendSize, Memsz: mm.extendSize, Align: mm.pageSize,
			})
			img.Phdrs = phdrs
			mm.newPhdrNdx = len(phdrs) - 1
			h := img.hdr64()
			h.Phnum++
			h.Phoff = mm.offsetBase
			img.patchHeaderValue(phOffOffset64(), h.Phoff)
			img.patchHeaderValue(phNumOffset64(), h.Phnum)
			img.inlinePatchValue(mm.offsetBase, phdrs)
		}
		return nil
	}

	phdrs := img.Phdrs.([]elf.Prog32)
	if mm.reuseNote {
		phdrs[mm.noteNdx] = elf.Prog32{
			Type: uint32(elf.PT_LOAD), Flags: flags,
			Off: uint32(mm.offsetBase), Vaddr: uint32(mm.vaddrBase), Paddr: uint32(mm.vaddrBase),
			Filesz: uint32(mm.extendSize), Memsz: uint32(mm.extendSize), Align: uint32(mm.pageSize),
		}
		mm.newPhdrNdx = mm.noteNdx
		img.patchHeaderValue(progHeaderOffset32(img, mm.noteNdx), phdrs[mm.noteNdx])
	} else {
		phdrs = append(phdrs, elf.Prog32{
			Type: uint32(elf.PT_LOAD), Flags: flags,
			Off: uint32(mm.offsetBase), Vaddr: uint32(mm.vaddrBase), Paddr: uint32(mm.vaddrBase),
			Filesz: uint32(mm.extendSize), Memsz: uint32(mm.extendSize), Align: uint32(mm.pageSize),
		})
		img.Phdrs = phdrs
		mm.newPhdrNdx = len(phdrs) - 1
		h := img.hdr32()
		h.Phnum++
		h.Phoff = uint32(mm.offsetBase)
		img.patchHeaderValue(phOffOffset32(), h.Phoff)
		img.patchHeaderValue(phNumOffset32(), h.Phnum)
		img.inlinePatchValue(mm.offsetBase, phdrs)
	}
	return nil
}

func phdrEntrySize(img *Image) int {
	if img.is64() {
		return int(img.hdr64().Phentsize)
	}
	return int(img.hdr32().Phentsize)
}

func currentPhnum(img *Image) int {
	if img.is64() {
		return int(img.hdr64().Phnum)
	}
	return int(img.hdr32().Phnum)
}

// The following byte offsets of e_phoff/e_phnum within Elf32_Ehdr/Elf64_Ehdr
// are fixed by the ELF specification and never change across inputs.
func phOffOffset64() uint64 { return 0x20 }
func phNumOffset64() uint64 { return 0x38 }
func phOffOffset32() uint64 { return 0x1c }
func phNumOffset32() uint64 { return 0x2c }
