//go:build linux || darwin

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"github.com/tinyrange/bootload/internal/config"
	"github.com/tinyrange/bootload/internal/guestmem"
	"github.com/tinyrange/bootload/internal/hv"
	"github.com/tinyrange/bootload/internal/loader"
	"github.com/tinyrange/bootload/internal/source"
)

// exitFatal is used when guest memory may hold stale cache lines and the VM
// must not be started.
const exitFatal = 2

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", config.DefaultFilename, "Boot plan to load")
	inspect := fs.String("inspect", "", "Describe the given artifact file and exit")
	initPlan := fs.String("init", "", "Write a template boot plan to the given path and exit")
	progress := fs.Bool("progress", false, "Show a progress bar per artifact when stderr is a terminal")
	verbose := fs.Bool("v", false, "Enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	switch {
	case *initPlan != "":
		if err := writeTemplate(*initPlan); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write template: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote template boot plan to %q\n", *initPlan)
	case *inspect != "":
		if err := runInspect(os.Stdout, *inspect); err != nil {
			fmt.Fprintf(os.Stderr, "failed to inspect %q: %v\n", *inspect, err)
			os.Exit(1)
		}
	default:
		if err := runPlan(os.Stdout, *configPath, *progress); err != nil {
			fmt.Fprintf(os.Stderr, "boot plan %q failed: %v\n", *configPath, err)
			if loader.IsFatal(err) {
				os.Exit(exitFatal)
			}
			os.Exit(1)
		}
	}
}

func writeTemplate(path string) error {
	return config.WriteTemplate(path, config.Plan{
		Version:     1,
		ArtifactDir: "images",
		VM: config.VMConfig{
			Arch:            string(hv.ArchitectureARM64),
			MemoryBase:      0x40000000,
			MemorySize:      0x8000000,
			EntryPoint:      0x40000000,
			DeferredMapping: true,
		},
		RawPolicy: "permissive",
		Kernel:    &config.Artifact{Artifact: "zImage", Base: 0x40000000},
		Modules: []config.Artifact{
			{Artifact: "board.dtb", Base: 0x44000000},
			{Artifact: "initrd.gz", Base: 0x45000000},
		},
	})
}

func runInspect(w io.Writer, path string) error {
	l := loader.New(source.Dir{Root: filepath.Dir(path)}, slog.Default())
	d, err := l.Inspect(filepath.Base(path))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %s\n", path, d.Format)
	for _, f := range d.Fields {
		fmt.Fprintf(w, "  %-24s %s\n", f.Name, f.Value)
	}
	for _, warning := range d.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
	return nil
}

func runPlan(w io.Writer, path string, progress bool) error {
	plan, err := config.Load(path)
	if err != nil {
		return err
	}
	arch, err := plan.Architecture()
	if err != nil {
		return err
	}
	policy, err := plan.Policy()
	if err != nil {
		return err
	}

	mem, err := guestmem.New(guestmem.Config{
		Arch:     arch,
		Base:     plan.VM.MemoryBase,
		Size:     plan.VM.MemorySize,
		PageSize: plan.VM.PageSize,
		Deferred: plan.VM.DeferredMapping,
	})
	if err != nil {
		return fmt.Errorf("create guest memory: %w", err)
	}
	defer mem.Close()

	var sources source.Provider = source.Dir{Root: plan.ArtifactDir}
	if progress && term.IsTerminal(int(os.Stderr.Fd())) {
		sources = source.Progress{Provider: sources, Writer: os.Stderr}
	}

	l := loader.New(sources, slog.Default())
	l.RawPolicy = policy
	vm := mem.VM(plan.VM.EntryPoint)

	var errs []error
	if k := plan.Kernel; k != nil {
		var p loader.Placement
		load := l.LoadKernel
		if k.ForceRaw {
			load = l.LoadKernelForced
		}
		if err := load(vm, k.Artifact, k.Base, &p); err != nil {
			if loader.IsFatal(err) {
				return err
			}
			errs = append(errs, err)
		} else {
			fmt.Fprintf(w, "kernel  %-24s paddr=%#x size=%d range=%s\n", k.Artifact, p.LoadPaddr, p.Size, p.Range())
		}
	}
	for _, m := range plan.Modules {
		var p loader.Placement
		if err := l.LoadModule(vm, m.Artifact, m.Base, &p); err != nil {
			if loader.IsFatal(err) {
				return err
			}
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(w, "module  %-24s paddr=%#x size=%d range=%s\n", m.Artifact, p.LoadPaddr, p.Size, p.Range())
	}

	if arch.NeedsCacheMaintenance() {
		slog.Debug("cache maintenance complete", "pages", mem.Maintained())
	}
	for _, r := range mem.Allocations() {
		slog.Debug("allocated guest range", "range", r.String())
	}
	return errors.Join(errs...)
}
