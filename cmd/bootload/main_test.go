//go:build linux || darwin

package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/bootload/internal/loader"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func testArtifacts(t *testing.T, dir string) {
	t.Helper()

	zimage := make([]byte, 0x3000)
	binary.LittleEndian.PutUint32(zimage[0x24:], 0x016f2818)
	writeFile(t, filepath.Join(dir, "zImage"), zimage)

	dtb := make([]byte, 0x48)
	binary.BigEndian.PutUint32(dtb[0:4], 0xd00dfeed)
	binary.BigEndian.PutUint32(dtb[4:8], 0x48)
	binary.BigEndian.PutUint32(dtb[20:24], 17)
	writeFile(t, filepath.Join(dir, "board.dtb"), dtb)
}

func TestRunPlan(t *testing.T) {
	dir := t.TempDir()
	testArtifacts(t, dir)
	plan := `
vm:
  arch: arm64
  memoryBase: 0x40000000
  memorySize: 0x1000000
  deferredMapping: true
kernel: {artifact: zImage, base: 0x40000000}
modules:
  - {artifact: board.dtb, base: 0x40800000}
`
	path := filepath.Join(dir, "bootload.yaml")
	writeFile(t, path, []byte(plan))

	var out bytes.Buffer
	if err := runPlan(&out, path, false); err != nil {
		t.Fatalf("runPlan: %v", err)
	}
	for _, want := range []string{
		"kernel  zImage",
		"paddr=0x40008000 size=12288 range=[0x40008000, 0x4000b000)",
		"module  board.dtb",
		"paddr=0x40800000 size=72 range=[0x40800000, 0x40800048)",
	} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunPlanReportsMissingModule(t *testing.T) {
	dir := t.TempDir()
	testArtifacts(t, dir)
	plan := `
vm: {arch: arm64, memoryBase: 0x40000000, memorySize: 0x1000000}
kernel: {artifact: zImage, base: 0x40000000}
modules:
  - {artifact: initrd.gz, base: 0x40800000}
`
	path := filepath.Join(dir, "bootload.yaml")
	writeFile(t, path, []byte(plan))

	var out bytes.Buffer
	err := runPlan(&out, path, false)
	if !errors.Is(err, loader.ErrArtifactNotFound) {
		t.Fatalf("runPlan = %v, want ErrArtifactNotFound", err)
	}
	if !strings.Contains(out.String(), "kernel  zImage") {
		t.Fatalf("kernel placement missing from output:\n%s", out.String())
	}
}

func TestRunInspect(t *testing.T) {
	dir := t.TempDir()
	testArtifacts(t, dir)

	var out bytes.Buffer
	if err := runInspect(&out, filepath.Join(dir, "board.dtb")); err != nil {
		t.Fatalf("runInspect: %v", err)
	}
	for _, want := range []string{": dtb", "dtb.total_size", "72"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestWriteTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := writeTemplate(path); err != nil {
		t.Fatalf("writeTemplate: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read template: %v", err)
	}
	if !strings.Contains(string(data), "artifact: zImage") {
		t.Fatalf("template missing kernel entry:\n%s", data)
	}
}
