package patch

import (
	"debug/elf"
	"os"
	"testing"
)

type fakeLogger struct {
	warns []string
}

func (f *fakeLogger) Warnf(format string, args ...interface{}) {
	f.warns = append(f.warns, format)
}
func (f *fakeLogger) Debugf(format string, args ...interface{}) {}

func TestGetInterpreter(t *testing.T) {
	path, interp, _, _, _ := buildFixture(t, fixtureOpts{withSoname: true})
	p := NewPatcher(path)
	got, err := p.Get(FieldInterpreter)
	if err != nil {
		t.Fatalf("Get(interpreter): %v", err)
	}
	if got != interp {
		t.Fatalf("got %q, want %q", got, interp)
	}
}

func TestGetNeeded(t *testing.T) {
	path, _, _, n1, n2 := buildFixture(t, fixtureOpts{withSoname: true})
	p := NewPatcher(path)
	got, err := p.Needed()
	if err != nil {
		t.Fatalf("Needed: %v", err)
	}
	want := []string{n1, n2}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestGetSonameAbsentWarns(t *testing.T) {
	path, _, _, _, _ := buildFixture(t, fixtureOpts{withSoname: false})
	p := NewPatcher(path)
	logger := &fakeLogger{}
	p.SetLogger(logger)

	got, err := p.Get(FieldSoname)
	if err != nil {
		t.Fatalf("Get(soname): %v", err)
	}
	if got != "" {
		t.Fatalf("got %q, want empty", got)
	}
	if len(logger.warns) == 0 {
		t.Fatalf("expected a warning, got none")
	}
}

func TestGetSonamePresent(t *testing.T) {
	path, _, soname, _, _ := buildFixture(t, fixtureOpts{withSoname: true})
	p := NewPatcher(path)
	got, err := p.Get(FieldSoname)
	if err != nil {
		t.Fatalf("Get(soname): %v", err)
	}
	if got != soname {
		t.Fatalf("got %q, want %q", got, soname)
	}
}

func TestSetInterpreterInPlaceNoExtension(t *testing.T) {
	path, _, _, _, _ := buildFixture(t, fixtureOpts{withSoname: true})
	inInfo, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	out := path + ".out"
	p := NewPatcher(path)
	p.SetInterpreter("/lib64/ld.so")
	if err := p.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}

	outInfo, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if outInfo.Size() != inInfo.Size() {
		t.Fatalf("got size %d, want %d (no extension expected)", outInfo.Size(), inInfo.Size())
	}

	got, err := NewPatcher(out).Get(FieldInterpreter)
	if err != nil {
		t.Fatal(err)
	}
	if got != "/lib64/ld.so" {
		t.Fatalf("got %q", got)
	}
}

func TestSetInterpreterExtends(t *testing.T) {
	path, _, _, _, _ := buildFixture(t, fixtureOpts{withSoname: true})
	inInfo, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	longInterp := "/lib64/ld-linux-x86-64-much-longer-name.so.9"
	out := path + ".out"
	p := NewPatcher(path)
	p.SetInterpreter(longInterp)
	if err := p.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}

	outInfo, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	grew := outInfo.Size() - inInfo.Size()
	if grew <= 0 {
		t.Fatalf("expected the file to grow, got delta %d", grew)
	}
	if uint64(grew)%resolvePageSize() != 0 {
		t.Fatalf("growth %d is not a multiple of the page size", grew)
	}

	got, err := NewPatcher(out).Get(FieldInterpreter)
	if err != nil {
		t.Fatal(err)
	}
	if got != longInterp {
		t.Fatalf("got %q, want %q", got, longInterp)
	}
}

func TestSetSonameAppendsStrtab(t *testing.T) {
	path, _, _, _, _ := buildFixture(t, fixtureOpts{withSoname: true})
	inInfo, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	out := path + ".out"
	p := NewPatcher(path)
	p.SetSoname("libtarget.so.217")
	if err := p.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}

	outInfo, err := os.Stat(out)
	if err != nil {
		t.Fatal(err)
	}
	if outInfo.Size() <= inInfo.Size() {
		t.Fatalf("expected strtab append to grow the file")
	}

	got, err := NewPatcher(out).Get(FieldSoname)
	if err != nil {
		t.Fatal(err)
	}
	if got != "libtarget.so.217" {
		t.Fatalf("got %q", got)
	}
}

func TestSetRunpathLazyCreate(t *testing.T) {
	path, _, _, _, _ := buildFixture(t, fixtureOpts{withRunpath: false, withSoname: true})

	out := path + ".out"
	p := NewPatcher(path)
	p.SetRunpath("/custom/rpath")
	if err := p.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := NewPatcher(out).Get(FieldRunpath)
	if err != nil {
		t.Fatal(err)
	}
	if got != "/custom/rpath" {
		t.Fatalf("got %q", got)
	}
}

func TestUseRpathSwitchesTag(t *testing.T) {
	path, _, _, _, _ := buildFixture(t, fixtureOpts{withRunpath: false, withSoname: true})

	out := path + ".out"
	p := NewPatcher(path)
	p.UseRpath()
	p.SetRunpath("$ORIGIN")
	if err := p.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}

	withRpath := NewPatcher(out)
	withRpath.UseRpath()
	got, err := withRpath.Get(FieldRunpath)
	if err != nil {
		t.Fatal(err)
	}
	if got != "$ORIGIN" {
		t.Fatalf("got %q via DT_RPATH", got)
	}

	withoutRpath := NewPatcher(out)
	logger := &fakeLogger{}
	withoutRpath.SetLogger(logger)
	got, err = withoutRpath.Get(FieldRunpath)
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Fatalf("expected no DT_RUNPATH entry, got %q", got)
	}
}

func TestNeededNeverModified(t *testing.T) {
	path, _, _, n1, n2 := buildFixture(t, fixtureOpts{withSoname: true})

	before := NewPatcher(path)
	wantBefore, err := before.Needed()
	if err != nil {
		t.Fatal(err)
	}

	out := path + ".out"
	p := NewPatcher(path)
	p.SetInterpreter("/lib64/ld-linux-x86-64-much-longer-name.so.9")
	p.SetSoname("libtarget.so.217")
	p.SetRunpath("/custom/rpath")
	if err := p.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}

	after := NewPatcher(out)
	wantAfter, err := after.Needed()
	if err != nil {
		t.Fatal(err)
	}

	if len(wantBefore) != len(wantAfter) {
		t.Fatalf("needed list length changed: %v -> %v", wantBefore, wantAfter)
	}
	for i := range wantBefore {
		if wantBefore[i] != wantAfter[i] {
			t.Fatalf("needed[%d] changed: %q -> %q", i, wantBefore[i], wantAfter[i])
		}
	}
	if wantAfter[0] != n1 || wantAfter[1] != n2 {
		t.Fatalf("unexpected needed list %v", wantAfter)
	}
}

func TestLoadSegmentsStayPageAligned(t *testing.T) {
	path, _, _, _, _ := buildFixture(t, fixtureOpts{withSoname: true})
	out := path + ".out"

	p := NewPatcher(path)
	p.SetInterpreter("/lib64/ld-linux-x86-64-much-longer-name.so.9")
	if err := p.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}

	img, err := loadImage(out, false, defaultLogger{})
	if err != nil {
		t.Fatal(err)
	}
	pageSize := resolvePageSize()
	phdrs := img.Phdrs.([]elf.Prog64)
	for i, p := range phdrs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		if (p.Vaddr-p.Off)%pageSize != 0 {
			t.Fatalf("PT_LOAD[%d]: vaddr 0x%x, off 0x%x not congruent mod page size", i, p.Vaddr, p.Off)
		}
	}
}

func TestSaveWithNoPendingEditsAndNoOutputIsNoop(t *testing.T) {
	path, _, _, _, _ := buildFixture(t, fixtureOpts{withSoname: true})
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := NewPatcher(path).Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatalf("no-op save mutated the file")
	}
}

func TestSlotReuseWhenPtNotePresent(t *testing.T) {
	path, _, _, _, _ := buildFixture(t, fixtureOpts{withSoname: true, withNote: true})
	out := path + ".out"

	longInterp := "/lib64/ld-linux-x86-64-much-longer-name.so.9"
	p := NewPatcher(path)
	p.SetInterpreter(longInterp)
	if err := p.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}

	img, err := loadImage(out, false, defaultLogger{})
	if err != nil {
		t.Fatal(err)
	}
	hdr := img.hdr64()
	before, err := loadImage(path, false, defaultLogger{})
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Phnum != before.hdr64().Phnum {
		t.Fatalf("expected phnum to stay %d (PT_NOTE slot reused), got %d", before.hdr64().Phnum, hdr.Phnum)
	}

	var noteNdx int = -1
	for i, p := range before.Phdrs.([]elf.Prog64) {
		if elf.ProgType(p.Type) == elf.PT_NOTE {
			noteNdx = i
			break
		}
	}
	if noteNdx < 0 {
		t.Fatal("fixture has no PT_NOTE to reuse")
	}
	phdrs := img.Phdrs.([]elf.Prog64)
	if elf.ProgType(phdrs[noteNdx].Type) != elf.PT_LOAD {
		t.Fatalf("expected repurposed slot %d to be PT_LOAD on disk, got %v", noteNdx, elf.ProgType(phdrs[noteNdx].Type))
	}

	if _, err := img.offsetFromVMA(phdrs[noteNdx].Vaddr); err != nil {
		t.Fatalf("repurposed slot's vaddr is not covered by any PT_LOAD: %v", err)
	}

	got, err := NewPatcher(out).Get(FieldInterpreter)
	if err != nil {
		t.Fatal(err)
	}
	if got != longInterp {
		t.Fatalf("got %q, want %q (interpreter round-tripped through the repurposed slot)", got, longInterp)
	}
}

func TestNewSlotWhenNoPtNoteAvailable(t *testing.T) {
	path, _, _, _, _ := buildFixture(t, fixtureOpts{withSoname: true, withNote: false})
	out := path + ".out"

	before, err := loadImage(path, false, defaultLogger{})
	if err != nil {
		t.Fatal(err)
	}

	p := NewPatcher(path)
	p.SetInterpreter("/lib64/ld-linux-x86-64-much-longer-name.so.9")
	if err := p.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}

	img, err := loadImage(out, false, defaultLogger{})
	if err != nil {
		t.Fatal(err)
	}
	if img.hdr64().Phnum != before.hdr64().Phnum+1 {
		t.Fatalf("expected phnum to grow by one, got %d -> %d", before.hdr64().Phnum, img.hdr64().Phnum)
	}
}
