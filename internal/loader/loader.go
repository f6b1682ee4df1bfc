// Package loader places guest boot artifacts into guest-physical memory.
//
// A Loader classifies each artifact from its header, resolves its load
// address for the requested role and streams it into the VM's memory.
package loader

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/tinyrange/bootload/internal/hv"
	"github.com/tinyrange/bootload/internal/image"
	"github.com/tinyrange/bootload/internal/source"
)

type Loader struct {
	Sources   source.Provider
	Logger    *slog.Logger
	RawPolicy image.RawPolicy

	mu       sync.Mutex
	poisoned error
}

// New returns a Loader reading artifacts from sources.
func New(sources source.Provider, logger *slog.Logger) *Loader {
	return &Loader{Sources: sources, Logger: logger}
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// LoadKernel loads a raw binary or zImage kernel. Raw kernels are placed at
// the VM's entry point; zImages at their embedded start address or
// base+0x8000.
func (l *Loader) LoadKernel(vm hv.VirtualMachine, artifact string, base uint64, out *Placement) error {
	return l.load(image.RoleKernel, vm, artifact, base, false, out)
}

// LoadKernelForced is LoadKernel with an explicit opt-in for raw kernels,
// required when RawPolicy is image.RawExplicit.
func (l *Loader) LoadKernelForced(vm hv.VirtualMachine, artifact string, base uint64, out *Placement) error {
	return l.load(image.RoleKernel, vm, artifact, base, true, out)
}

// LoadModule loads a device tree or gzip initrd at base.
func (l *Loader) LoadModule(vm hv.VirtualMachine, artifact string, base uint64, out *Placement) error {
	return l.load(image.RoleModule, vm, artifact, base, false, out)
}

// Err returns the fatal error that disabled the loader, if any.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.poisoned
}

func (l *Loader) poison(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.poisoned == nil {
		l.poisoned = err
	}
}

func (l *Loader) load(role image.Role, vm hv.VirtualMachine, artifact string, base uint64, forced bool, out *Placement) error {
	switch {
	case out == nil:
		return newError(ErrInvalidArgument, artifact, errors.New("nil output descriptor"))
	case vm == nil || vm.Memory() == nil:
		return newError(ErrInvalidArgument, artifact, errors.New("nil virtual machine"))
	case artifact == "":
		return newError(ErrInvalidArgument, artifact, errors.New("empty artifact identifier"))
	case l.Sources == nil:
		return newError(ErrInvalidArgument, artifact, errors.New("loader has no artifact provider"))
	}
	if err := l.Err(); err != nil {
		return fmt.Errorf("loader disabled by earlier failure: %w", err)
	}

	log := l.logger().With("artifact", artifact, "role", role.String())

	src, err := l.Sources.Open(artifact)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newError(ErrArtifactNotFound, artifact, err)
		}
		return newError(ErrArtifactUnreadable, artifact, err)
	}
	defer src.Close()

	hdr, n, err := image.ReadHeader(src)
	if err != nil {
		return newError(ErrArtifactUnreadable, artifact, err)
	}
	if n == 0 {
		return newError(ErrEmptyArtifact, artifact, nil)
	}
	format := image.Classify(hdr)
	log.Debug("classified artifact", "format", format.String(), "header_bytes", n)

	unsupported := func(err error) error {
		e := newError(ErrUnsupportedFormat, artifact, err)
		e.Format, e.Classified = format, true
		return e
	}
	if role == image.RoleKernel && !l.RawPolicy.Admits(format, forced) {
		return unsupported(&image.UnsupportedError{
			Role:   role,
			Format: format,
			Reason: "unrecognised kernels must be forced under the explicit raw policy",
		})
	}

	load, err := image.Resolve(role, format, hdr, base, vm.EntryPoint())
	if err != nil {
		if errors.Is(err, image.ErrUnsupportedFormat) {
			return unsupported(err)
		}
		e := newError(ErrInvalidArgument, artifact, err)
		e.Format, e.Classified = format, true
		return e
	}
	log.Debug("resolved load address", "format", format.String(), "base", hexAddr(base), "paddr", hexAddr(load))

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		e := newError(ErrArtifactUnreadable, artifact, fmt.Errorf("rewind after header: %w", err))
		e.Format, e.Classified = format, true
		return e
	}

	req := Request{
		Artifact: artifact,
		Role:     role,
		Format:   format,
		Base:     base,
		Load:     load,
	}
	placement, err := Stream(vm, src, req)
	if err != nil {
		if IsFatal(err) {
			l.poison(err)
			log.Error("guest memory left in an unknown cache state", "error", err)
		}
		return err
	}

	*out = placement
	log.Info("loaded artifact",
		"format", format.String(),
		"paddr", hexAddr(placement.LoadPaddr),
		"size", placement.Size,
	)
	return nil
}

// Inspect classifies and describes an artifact without touching guest memory.
func (l *Loader) Inspect(artifact string) (image.Description, error) {
	if l.Sources == nil {
		return image.Description{}, newError(ErrInvalidArgument, artifact, errors.New("loader has no artifact provider"))
	}
	src, err := l.Sources.Open(artifact)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return image.Description{}, newError(ErrArtifactNotFound, artifact, err)
		}
		return image.Description{}, newError(ErrArtifactUnreadable, artifact, err)
	}
	defer src.Close()

	size, err := source.Size(src)
	if err != nil {
		return image.Description{}, newError(ErrArtifactUnreadable, artifact, err)
	}
	hdr, _, err := image.ReadHeader(src)
	if err != nil {
		return image.Description{}, newError(ErrArtifactUnreadable, artifact, err)
	}
	return image.Describe(image.Classify(hdr), hdr, uint64(size)), nil
}

type hexAddr uint64

func (a hexAddr) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprintf("%#x", uint64(a)))
}
