package patch

import (
	"debug/elf"
	"strings"
)

type strtabRequest struct {
	str string
	cb  func(index uint64)
}

// StrtabEditor implements spec section 4.3. It deduplicates every
// requested string against the existing DT_STRTAB content (reconstructed
// with the documented length heuristic: read forward from the tag's vaddr
// until a non-printable, non-NUL byte turns up, since the dynamic tag
// only stores a start address) and batches everything that doesn't match
// into one append-only allocation.
type StrtabEditor struct {
	img *Image
	mm  *MM

	present  bool
	oldBytes []byte
	oldSize  uint64

	requests []strtabRequest
}

// newStrtabEditor locates DT_STRTAB (if any) and reconstructs its current
// content. Editors that never need to append a string (every requested
// value already exists) never touch the file at all.
func newStrtabEditor(img *Image, mm *MM) (*StrtabEditor, error) {
	e := &StrtabEditor{img: img, mm: mm}
	if !img.idx.have.dyn {
		return e, nil
	}
	vaddr, ok := dynTagValue(img, elf.DT_STRTAB)
	if !ok {
		return e, nil
	}
	off, err := img.offsetFromVMA(vaddr)
	if err != nil {
		return nil, err
	}
	e.present = true
	e.oldBytes = scanPrintableStrtab(img.Contents[off:])
	e.oldSize = uint64(len(e.oldBytes))
	return e, nil
}

// scanPrintableStrtab implements the documented DT_STRTAB length
// heuristic: there is no stored size, only a start address, so read
// forward until a byte is neither printable ASCII nor NUL. This will
// misread a string table that happens to sit directly before arbitrary
// binary data; spec section 9's design notes call this out explicitly
// rather than computing the bound from the containing PT_LOAD or a
// .dynstr section header, and this module preserves that behavior.
func scanPrintableStrtab(buf []byte) []byte {
	n := 0
	for n < len(buf) {
		b := buf[n]
		if b == 0 || (b >= 0x20 && b < 0x7f) {
			n++
			continue
		}
		break
	}
	return buf[:n]
}

// Request looks str up in the existing string table; if "str\x00" already
// occurs, cb fires immediately with the matching index and str never
// enters the append batch. Otherwise the request is queued for Finalize.
func (e *StrtabEditor) Request(str string, cb func(index uint64)) {
	needle := str + "\x00"
	if e.present {
		if idx := indexOfSubslice(e.oldBytes, []byte(needle)); idx >= 0 {
			cb(uint64(idx))
			return
		}
	}
	e.requests = append(e.requests, strtabRequest{str: str, cb: cb})
}

func indexOfSubslice(haystack, needle []byte) int {
	return strings.Index(string(haystack), string(needle))
}

// Finalize allocates room for every queued string (a no-op, touching
// nothing, when the queue is empty) and arranges for DT_STRTAB and the
// .dynstr section header, if present, to point at the new table once the
// MM has dispatched.
func (e *StrtabEditor) Finalize() error {
	if len(e.requests) == 0 {
		return nil
	}
	if !e.present {
		return ErrNoStrtab
	}

	appended := make([][]byte, len(e.requests))
	need := e.oldSize
	for i, r := range e.requests {
		appended[i] = append([]byte(r.str), 0)
		need += uint64(len(appended[i]))
	}

	img := e.img
	dynstrSection := img.sectionByName(".dynstr")

	e.mm.Malloc(need, func(off, vaddr uint64) error {
		newTable := make([]byte, 0, need)
		newTable = append(newTable, e.oldBytes...)
		offsets := make([]uint64, len(e.requests))
		for i, chunk := range appended {
			offsets[i] = uint64(len(newTable))
			newTable = append(newTable, chunk...)
		}
		img.inlinePatch(off, newTable)

		for i, r := range e.requests {
			r.cb(offsets[i])
		}

		setDynVal(img, elf.DT_STRTAB, vaddr)

		if dynstrSection >= 0 {
			patchSectionHeader(img, dynstrSection, off, vaddr, uint64(len(newTable)))
		}
		return nil
	})
	return nil
}

// patchSectionHeader rewrites sh_offset/sh_addr/sh_size for the section
// at ndx, recording the change in the header-patch map (pre-extension
// offsets; the writer shifts them).
func patchSectionHeader(img *Image, ndx int, off, addr, size uint64) {
	if shdrs, ok := img.Shdrs.([]elf.Section64); ok {
		base := sectionHeaderOffset64(img, ndx)
		shdrs[ndx].Off, shdrs[ndx].Addr, shdrs[ndx].Size = off, addr, size
		img.patchHeaderValue(base+offsetOfShOffset64, off)
		img.patchHeaderValue(base+offsetOfShAddr64, addr)
		img.patchHeaderValue(base+offsetOfShSize64, size)
		return
	}
	shdrs := img.Shdrs.([]elf.Section32)
	base := sectionHeaderOffset32(img, ndx)
	shdrs[ndx].Off, shdrs[ndx].Addr, shdrs[ndx].Size = uint32(off), uint32(addr), uint32(size)
	img.patchHeaderValue(base+offsetOfShOffset32, uint32(off))
	img.patchHeaderValue(base+offsetOfShAddr32, uint32(addr))
	img.patchHeaderValue(base+offsetOfShSize32, uint32(size))
}

// Elf64_Shdr / Elf32_Shdr field byte offsets, fixed by the ELF spec.
const (
	offsetOfShAddr64   = 16
	offsetOfShOffset64 = 24
	offsetOfShSize64   = 32

	offsetOfShAddr32   = 12
	offsetOfShOffset32 = 16
	offsetOfShSize32   = 20
)

func sectionHeaderOffset64(img *Image, ndx int) uint64 {
	h := img.hdr64()
	return h.Shoff + uint64(ndx)*uint64(h.Shentsize)
}

func sectionHeaderOffset32(img *Image, ndx int) uint64 {
	h := img.hdr32()
	return uint64(h.Shoff) + uint64(ndx)*uint64(h.Shentsize)
}

