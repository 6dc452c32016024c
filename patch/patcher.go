package patch

import (
	"debug/elf"
	"errors"
)

// Field selects what Get reads back from a Patcher.
type Field int

const (
	FieldInterpreter Field = iota
	FieldNeeded
	FieldRunpath
	FieldSoname
)

type pendingEdits struct {
	interp  *string
	soname  *string
	runpath *string
}

// Patcher is the ELF field patcher described by spec section 4.1: accept
// a handful of edits, then materialize them into a freshly written ELF
// file on Save, touching nothing beyond the edited fields and whatever
// structural changes storing them requires. It generalizes the teacher's
// TargetBin to a narrower, read-edit-write contract instead of an
// injection pipeline.
type Patcher struct {
	path     string
	debug    bool
	logger   Logger
	useRpath bool
	pending  pendingEdits
}

// NewPatcher records path without opening it; the file isn't read until
// Get, Needed or Save need current values, so repeated setter calls before
// the first read are free.
func NewPatcher(path string) *Patcher {
	return &Patcher{path: path, logger: defaultLogger{}}
}

// SetLogger overrides the default stdlib-backed logger, mainly for tests
// that want to assert on warnings.
func (p *Patcher) SetLogger(l Logger) { p.logger = l }

// SetDebug toggles verbose per-step tracing, mirroring the teacher's
// --debug flag.
func (p *Patcher) SetDebug(v bool) { p.debug = v }

// SetInterpreter records the desired PT_INTERP content. The edit is
// dropped with a warning at Save time if the input turns out to have no
// PT_INTERP segment.
func (p *Patcher) SetInterpreter(s string) { p.pending.interp = &s }

// SetSoname records the desired DT_SONAME. Dropped with a warning at
// Save time if the input has no DT_SONAME tag.
func (p *Patcher) SetSoname(s string) { p.pending.soname = &s }

// SetRunpath records the desired runpath. Always honored: the tag is
// created if absent.
func (p *Patcher) SetRunpath(s string) { p.pending.runpath = &s }

// UseRpath switches every subsequent runpath read and write from
// DT_RUNPATH to DT_RPATH. Sticky for the lifetime of the Patcher.
func (p *Patcher) UseRpath() { p.useRpath = true }

// Get returns the pending value for field if one was set, otherwise the
// value parsed from the input ELF, or an empty string with a warning
// logged when the requested entry doesn't exist. Needed always reflects
// the current DT_NEEDED list; it is never affected by pending edits.
func (p *Patcher) Get(field Field) (string, error) {
	img, err := loadImage(p.path, p.debug, p.logger)
	if err != nil {
		return "", err
	}

	switch field {
	case FieldInterpreter:
		if p.pending.interp != nil {
			return *p.pending.interp, nil
		}
		return p.getInterp(img)
	case FieldSoname:
		if p.pending.soname != nil {
			return *p.pending.soname, nil
		}
		return p.getTagString(img, elf.DT_SONAME, ErrNoSoname)
	case FieldRunpath:
		if p.pending.runpath != nil {
			return *p.pending.runpath, nil
		}
		return p.getTagString(img, p.runpathTag(), ErrNoRunpath)
	case FieldNeeded:
		return p.getNeeded(img)
	}
	return "", errors.New("patch: unknown field")
}

func (p *Patcher) runpathTag() elf.DynTag {
	if p.useRpath {
		return elf.DT_RPATH
	}
	return elf.DT_RUNPATH
}

func (p *Patcher) getInterp(img *Image) (string, error) {
	if !img.idx.have.interp {
		p.logger.Warnf("Entry PT_INTERP not found, not dynamically linked?")
		return "", nil
	}
	off, size := interpFileRange(img, img.idx.interpNdx)
	raw := img.Contents[off : off+size]
	return readCString(raw, 0), nil
}

// getTagString resolves a tag whose d_val is a DT_STRTAB-relative string
// index (DT_SONAME, DT_RUNPATH, DT_RPATH) — not a vaddr, unlike
// DT_STRTAB's own d_val. It finds the string table once and then indexes
// into it, the same scheme walkDyn/needed use for DT_NEEDED.
func (p *Patcher) getTagString(img *Image, tag elf.DynTag, warn error) (string, error) {
	if !img.idx.have.dyn {
		p.logger.Warnf(warn.Error())
		return "", nil
	}
	index, ok := dynTagValue(img, tag)
	if !ok {
		p.logger.Warnf(warn.Error())
		return "", nil
	}
	strtabVaddr, ok := dynTagValue(img, elf.DT_STRTAB)
	if !ok {
		return "", ErrNoStrtab
	}
	off, err := img.offsetFromVMA(strtabVaddr)
	if err != nil {
		return "", err
	}
	return readCString(img.Contents, off+index), nil
}

// getNeeded returns every DT_NEEDED entry's resolved string, newline
// joined for Get's single-string shape; Needed returns the same list
// unjoined for callers (the CLI's --print-needed prints one per line).
func (p *Patcher) getNeeded(img *Image) (string, error) {
	if !img.idx.have.dyn {
		p.logger.Warnf(ErrNoDynamic.Error())
		return "", nil
	}
	names, err := p.needed(img)
	if err != nil {
		return "", err
	}
	out := ""
	for i, n := range names {
		if i > 0 {
			out += "\n"
		}
		out += n
	}
	return out, nil
}

// Needed returns the current DT_NEEDED list, in tag order. It is
// read-only: there is no SetNeeded, matching spec section 4.1's contract
// that "needed" always reflects the ELF as it currently stands.
func (p *Patcher) Needed() ([]string, error) {
	img, err := loadImage(p.path, p.debug, p.logger)
	if err != nil {
		return nil, err
	}
	if !img.idx.have.dyn {
		p.logger.Warnf(ErrNoDynamic.Error())
		return nil, nil
	}
	return p.needed(img)
}

func (p *Patcher) needed(img *Image) ([]string, error) {
	vaddr, ok := dynTagValue(img, elf.DT_STRTAB)
	if !ok {
		return nil, ErrNoStrtab
	}
	off, err := img.offsetFromVMA(vaddr)
	if err != nil {
		return nil, err
	}
	strtab := img.Contents[off:]

	var names []string
	walkDyn(img, func(tag elf.DynTag, val uint64) bool {
		if tag == elf.DT_NEEDED {
			names = append(names, readCString(strtab, val))
		}
		return tag != elf.DT_NULL
	})
	return names, nil
}

func walkDyn(img *Image, fn func(tag elf.DynTag, val uint64) bool) {
	if entries, ok := img.Dyn.([]elf.Dyn64); ok {
		for _, d := range entries {
			if !fn(elf.DynTag(d.Tag), d.Val) {
				return
			}
		}
		return
	}
	entries := img.Dyn.([]elf.Dyn32)
	for _, d := range entries {
		if !fn(elf.DynTag(d.Tag), uint64(d.Val)) {
			return
		}
	}
}

// Save runs the pipeline from spec section 4.1: re-open the input fresh,
// apply the interpreter and dynamic-segment edits, finalize the string
// table, expand PT_DYNAMIC if a tag was appended, dispatch the MM, and
// write the result. outPath defaults to the input path (in-place
// overwrite) when omitted.
func (p *Patcher) Save(outPath ...string) error {
	dest := p.path
	if len(outPath) > 0 && outPath[0] != "" {
		dest = outPath[0]
	}

	if p.pending.interp == nil && p.pending.soname == nil && p.pending.runpath == nil && dest == p.path {
		return nil
	}

	img, err := loadImage(p.path, p.debug, p.logger)
	if err != nil {
		return err
	}
	img.debugf("loaded %s, class=%v", p.path, img.EIdent.Class)

	mm, err := newMM(img)
	if err != nil {
		return err
	}

	if p.pending.interp != nil {
		ed := newInterpEditor(img, mm)
		if err := ed.Set(*p.pending.interp); err != nil {
			if errors.Is(err, ErrNoInterp) {
				p.logger.Warnf(err.Error())
			} else {
				return err
			}
		}
	}

	strtab, err := newStrtabEditor(img, mm)
	if err != nil {
		return err
	}
	dyn := newDynamicEditor(img, mm, strtab, p.useRpath)

	hasDyn := img.idx.have.dyn
	if !hasDyn && (p.pending.soname != nil || p.pending.runpath != nil) {
		p.logger.Warnf(ErrNoDynamic.Error())
	}
	if hasDyn && p.pending.soname != nil {
		if err := dyn.SetSoname(*p.pending.soname); err != nil {
			if errors.Is(err, ErrNoSoname) {
				p.logger.Warnf(err.Error())
			} else {
				return err
			}
		}
	}
	if hasDyn && p.pending.runpath != nil {
		dyn.SetRunpath(*p.pending.runpath)
	}

	if err := strtab.Finalize(); err != nil {
		return err
	}
	if err := dyn.ExpandIfNeeded(); err != nil {
		return err
	}
	if err := mm.Dispatch(); err != nil {
		return err
	}

	img.debugf("extended=%v extend_size=%d", mm.Extended(), mm.ExtendSize())
	return writeImage(img, mm, dest)
}
