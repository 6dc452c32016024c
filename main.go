package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sad0p/elfpatch/patch"
)

var (
	printInterp, printNeeded, printSoname, printRunpath bool
	setInterp, setSoname, setRunpath                    string
	forceRpath, debug                                    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "elfpatch FILENAME [OUTPUT_FILE]",
		Short:   "Rewrite PT_INTERP, DT_SONAME and DT_RUNPATH/DT_RPATH in an ELF file",
		Version: "1.0.0",
		Args:    cobra.RangeArgs(1, 2),
		RunE:    run,
	}

	f := rootCmd.Flags()
	f.BoolVarP(&printInterp, "print-interpreter", "I", false, "print the program interpreter")
	f.BoolVar(&printInterp, "pi", false, "alias for --print-interpreter")
	f.BoolVarP(&printNeeded, "print-needed", "N", false, "print the DT_NEEDED list, one per line")
	f.BoolVar(&printNeeded, "pn", false, "alias for --print-needed")
	f.BoolVarP(&printSoname, "print-soname", "S", false, "print DT_SONAME")
	f.BoolVar(&printSoname, "ps", false, "alias for --print-soname")
	f.BoolVarP(&printRunpath, "print-runpath", "R", false, "print DT_RUNPATH/DT_RPATH")
	f.BoolVar(&printRunpath, "pr", false, "alias for --print-runpath")

	f.StringVar(&setInterp, "set-interpreter", "", "set the program interpreter")
	f.StringVar(&setInterp, "interp", "", "alias for --set-interpreter")
	f.StringVar(&setSoname, "set-soname", "", "set DT_SONAME")
	f.StringVar(&setSoname, "so", "", "alias for --set-soname")
	f.StringVar(&setRunpath, "set-runpath", "", "set DT_RUNPATH (or DT_RPATH with --force-rpath)")
	f.StringVar(&setRunpath, "runpath", "", "alias for --set-runpath")

	f.BoolVar(&forceRpath, "force-rpath", false, "use DT_RPATH instead of DT_RUNPATH")
	f.BoolVar(&debug, "debug", false, "print per-step patching trace")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	in := args[0]
	out := ""
	if len(args) == 2 {
		out = args[1]
	}

	p := patch.NewPatcher(in)
	p.SetDebug(debug)
	if forceRpath {
		p.UseRpath()
	}

	switch {
	case printInterp:
		return printField(p, patch.FieldInterpreter)
	case printNeeded:
		return printNeededList(p)
	case printSoname:
		return printField(p, patch.FieldSoname)
	case printRunpath:
		return printField(p, patch.FieldRunpath)
	}

	if setInterp != "" {
		p.SetInterpreter(setInterp)
	}
	if setSoname != "" {
		p.SetSoname(setSoname)
	}
	if setRunpath != "" {
		p.SetRunpath(setRunpath)
	}

	return p.Save(out)
}

func printField(p *patch.Patcher, field patch.Field) error {
	v, err := p.Get(field)
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func printNeededList(p *patch.Patcher) error {
	names, err := p.Needed()
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}
