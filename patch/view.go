package patch

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"reflect"
)

// loadImage opens path, reads its contents and parses headers, sections,
// program headers and the dynamic segment. This is the "ELF view"
// described by spec section 3: read-only access to headers/segments/
// sections/dynamic tags plus vaddr-to-offset translation. It is the direct
// descendant of the teacher's TargetBin parsing pipeline in
// elfinfect/process_elf.go, generalized to also index PT_LOAD segments
// (the MM needs all of them, not just the text segment).
func loadImage(path string, debug bool, logger Logger) (*Image, error) {
	img := newImage(path, debug, logger)

	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	img.Fh = fh

	if err := img.readContents(); err != nil {
		fh.Close()
		return nil, err
	}
	if err := fh.Close(); err != nil {
		return nil, err
	}

	if !img.isELF() {
		return nil, fmt.Errorf("patch: %s is not an ELF file", path)
	}
	if err := img.enumIdent(); err != nil {
		return nil, err
	}
	if err := img.mapHeader(); err != nil {
		return nil, err
	}
	if err := img.getSectionHeaders(); err != nil {
		return nil, err
	}
	if err := img.getSectionNames(); err != nil {
		return nil, err
	}
	if err := img.getProgramHeaders(); err != nil {
		return nil, err
	}
	if img.idx.have.dyn {
		if err := img.getDyn(); err != nil {
			return nil, err
		}
	}
	return img, nil
}

func (img *Image) isELF() bool {
	if len(img.Contents) < 16 {
		return false
	}
	img.Ident = img.Contents[:16]
	return img.Ident[0] == '\x7f' && img.Ident[1] == 'E' && img.Ident[2] == 'L' && img.Ident[3] == 'F'
}

func (img *Image) enumIdent() error {
	switch elf.Class(img.Ident[elf.EI_CLASS]) {
	case elf.ELFCLASS64:
		img.EIdent.Class = elf.ELFCLASS64
	case elf.ELFCLASS32:
		img.EIdent.Class = elf.ELFCLASS32
	default:
		return fmt.Errorf("patch: invalid EI_CLASS, only 32/64-bit ELF is supported")
	}

	switch elf.Data(img.Ident[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		img.EIdent.Endianness = binary.LittleEndian
	case elf.ELFDATA2MSB:
		img.EIdent.Endianness = binary.BigEndian
	default:
		return fmt.Errorf("patch: unknown EI_DATA, file possibly corrupt")
	}
	return nil
}

func (img *Image) readContents() error {
	fi, err := img.Fh.Stat()
	if err != nil {
		return err
	}
	img.Filesz = fi.Size()
	img.Contents = make([]byte, img.Filesz)
	if _, err := img.Fh.ReadAt(img.Contents, 0); err != nil {
		return err
	}
	return nil
}

func (img *Image) mapHeader() error {
	r := bytes.NewReader(img.Contents)
	switch img.EIdent.Class {
	case elf.ELFCLASS64:
		img.Hdr = new(elf.Header64)
	case elf.ELFCLASS32:
		img.Hdr = new(elf.Header32)
	}
	return binary.Read(r, img.EIdent.Endianness, img.Hdr)
}

func (img *Image) getSectionHeaders() error {
	if h, ok := img.Hdr.(*elf.Header64); ok {
		start, end := h.Shoff, h.Shoff+uint64(h.Shentsize)*uint64(h.Shnum)
		shdrs := make([]elf.Section64, h.Shnum)
		if err := binary.Read(bytes.NewReader(img.Contents[start:end]), img.EIdent.Endianness, shdrs); err != nil {
			return err
		}
		img.Shdrs = shdrs
		return nil
	}
	h := img.Hdr.(*elf.Header32)
	start, end := h.Shoff, h.Shoff+uint32(h.Shentsize)*uint32(h.Shnum)
	shdrs := make([]elf.Section32, h.Shnum)
	if err := binary.Read(bytes.NewReader(img.Contents[start:end]), img.EIdent.Endianness, shdrs); err != nil {
		return err
	}
	img.Shdrs = shdrs
	return nil
}

func (img *Image) getSectionNames() error {
	if shdrs, ok := img.Shdrs.([]elf.Section64); ok {
		strndx := img.hdr64().Shstrndx
		tab := shdrs[strndx]
		raw := img.Contents[tab.Off : tab.Off+tab.Size]
		img.SectionNames = make([]string, len(shdrs))
		for i, s := range shdrs {
			img.SectionNames[i] = readCString(raw, uint64(s.Name))
		}
		return nil
	}
	shdrs := img.Shdrs.([]elf.Section32)
	strndx := img.hdr32().Shstrndx
	tab := shdrs[strndx]
	raw := img.Contents[tab.Off : tab.Off+tab.Size]
	img.SectionNames = make([]string, len(shdrs))
	for i, s := range shdrs {
		img.SectionNames[i] = readCString(raw, uint64(s.Name))
	}
	return nil
}

// readCString extracts a NUL-terminated string starting at off within buf,
// the same scheme used throughout the teacher for shstrtab/dynstr lookups.
func readCString(buf []byte, off uint64) string {
	if off >= uint64(len(buf)) {
		return ""
	}
	end := off
	for end < uint64(len(buf)) && buf[end] != 0 {
		end++
	}
	return string(buf[off:end])
}

func (img *Image) getProgramHeaders() error {
	img.idx = progIndex{}
	if h, ok := img.Hdr.(*elf.Header64); ok {
		start, end := h.Phoff, h.Phoff+uint64(h.Phentsize)*uint64(h.Phnum)
		phdrs := make([]elf.Prog64, h.Phnum)
		if err := binary.Read(bytes.NewReader(img.Contents[start:end]), img.EIdent.Endianness, phdrs); err != nil {
			return err
		}
		img.Phdrs = phdrs
		for i, p := range phdrs {
			switch elf.ProgType(p.Type) {
			case elf.PT_INTERP:
				img.idx.interpNdx, img.idx.have.interp = i, true
			case elf.PT_DYNAMIC:
				img.idx.dynNdx, img.idx.have.dyn = i, true
			case elf.PT_NOTE:
				img.idx.noteNdxs = append(img.idx.noteNdxs, i)
			case elf.PT_LOAD:
				img.idx.loadNdx = append(img.idx.loadNdx, i)
			}
		}
		return nil
	}
	h := img.Hdr.(*elf.Header32)
	start, end := h.Phoff, h.Phoff+uint32(h.Phentsize)*uint32(h.Phnum)
	phdrs := make([]elf.Prog32, h.Phnum)
	if err := binary.Read(bytes.NewReader(img.Contents[start:end]), img.EIdent.Endianness, phdrs); err != nil {
		return err
	}
	img.Phdrs = phdrs
	for i, p := range phdrs {
		switch elf.ProgType(p.Type) {
		case elf.PT_INTERP:
			img.idx.interpNdx, img.idx.have.interp = i, true
		case elf.PT_DYNAMIC:
			img.idx.dynNdx, img.idx.have.dyn = i, true
		case elf.PT_NOTE:
			img.idx.noteNdxs = append(img.idx.noteNdxs, i)
		case elf.PT_LOAD:
			img.idx.loadNdx = append(img.idx.loadNdx, i)
		}
	}
	return nil
}

func (img *Image) getDyn() error {
	off, err := img.dynOffsetRange()
	if err != nil {
		return err
	}
	start, end := off, img.dynSegEnd()

	if img.is64() {
		var entries []elf.Dyn64
		var cur elf.Dyn64
		sz := uint64(reflect.TypeOf(cur).Size())
		for s := start; s < end; s += sz {
			if err := binary.Read(bytes.NewReader(img.Contents[s:s+sz]), img.EIdent.Endianness, &cur); err != nil {
				return err
			}
			entries = append(entries, cur)
			if elf.DynTag(cur.Tag) == elf.DT_NULL {
				break
			}
		}
		img.Dyn = entries
		return nil
	}

	var entries []elf.Dyn32
	var cur elf.Dyn32
	sz := uint32(reflect.TypeOf(cur).Size())
	for s := uint32(start); s < uint32(end); s += sz {
		if err := binary.Read(bytes.NewReader(img.Contents[s:s+uint32(sz)]), img.EIdent.Endianness, &cur); err != nil {
			return err
		}
		entries = append(entries, cur)
		if elf.DynTag(cur.Tag) == elf.DT_NULL {
			break
		}
	}
	img.Dyn = entries
	return nil
}

func (img *Image) dynOffsetRange() (uint64, error) {
	if !img.idx.have.dyn {
		return 0, ErrNoDynamic
	}
	if phdrs, ok := img.Phdrs.([]elf.Prog64); ok {
		return phdrs[img.idx.dynNdx].Off, nil
	}
	phdrs := img.Phdrs.([]elf.Prog32)
	return uint64(phdrs[img.idx.dynNdx].Off), nil
}

func (img *Image) dynSegEnd() uint64 {
	if phdrs, ok := img.Phdrs.([]elf.Prog64); ok {
		p := phdrs[img.idx.dynNdx]
		return p.Off + p.Filesz
	}
	phdrs := img.Phdrs.([]elf.Prog32)
	p := phdrs[img.idx.dynNdx]
	return uint64(p.Off + p.Filesz)
}

func (img *Image) hdr64() *elf.Header64 { return img.Hdr.(*elf.Header64) }
func (img *Image) hdr32() *elf.Header32 { return img.Hdr.(*elf.Header32) }

// offsetFromVMA translates a virtual address to a file offset by locating
// the PT_LOAD segment that maps it, following the teacher's
// hooks.go/getFileOffset helper.
func (img *Image) offsetFromVMA(vaddr uint64) (uint64, error) {
	if phdrs, ok := img.Phdrs.([]elf.Prog64); ok {
		for _, p := range phdrs {
			if elf.ProgType(p.Type) != elf.PT_LOAD {
				continue
			}
			if vaddr >= p.Vaddr && vaddr < p.Vaddr+p.Memsz {
				return vaddr - p.Vaddr + p.Off, nil
			}
		}
		return 0, fmt.Errorf("patch: vaddr 0x%x is not covered by any PT_LOAD", vaddr)
	}
	phdrs := img.Phdrs.([]elf.Prog32)
	for _, p := range phdrs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		v32 := uint32(vaddr)
		if v32 >= p.Vaddr && v32 < p.Vaddr+p.Memsz {
			return uint64(v32 - p.Vaddr + p.Off), nil
		}
	}
	return 0, fmt.Errorf("patch: vaddr 0x%x is not covered by any PT_LOAD", vaddr)
}

func (img *Image) pageSize() uint64 { return resolvePageSize() }

// sectionByName returns the index of the first section with the given
// name, or -1 if none exists.
func (img *Image) sectionByName(name string) int {
	for i, n := range img.SectionNames {
		if n == name {
			return i
		}
	}
	return -1
}

