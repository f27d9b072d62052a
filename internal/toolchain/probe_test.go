package toolchain

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func fakeTool(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write tool %s: %v", name, err)
	}
}

func TestDetectGenuineCross(t *testing.T) {
	binDir := t.TempDir()
	for _, tool := range probedTools {
		fakeTool(t, binDir, "arm-linux-gnueabihf-"+tool)
	}

	desc, err := Detect(binDir, "arm-linux-gnueabihf-")
	if err != nil {
		t.Fatalf("Detect() failed: %v", err)
	}
	if desc.Fallback {
		t.Error("expected genuine cross toolchain, got fallback")
	}
	if desc.Prefix != "arm-linux-gnueabihf-" {
		t.Errorf("prefix = %q", desc.Prefix)
	}
	if desc.CC() != "arm-linux-gnueabihf-gcc" {
		t.Errorf("CC() = %q", desc.CC())
	}
}

// With only native tools present the probe must record fallback mode with an
// empty prefix, and synthesize prefixed aliases pointing at the native tools.
func TestDetectNativeFallback(t *testing.T) {
	binDir := t.TempDir()
	for _, tool := range probedTools {
		fakeTool(t, binDir, tool)
	}

	desc, err := Detect(binDir, "i686-w64-mingw32-")
	if err != nil {
		t.Fatalf("Detect() failed: %v", err)
	}
	if !desc.Fallback {
		t.Error("expected fallback mode")
	}
	if desc.Prefix != "" {
		t.Errorf("fallback descriptor must have empty prefix, got %q", desc.Prefix)
	}

	// Aliases should now exist for every probed tool.
	for _, tool := range probedTools {
		alias := filepath.Join(binDir, "i686-w64-mingw32-"+tool)
		if _, err := os.Lstat(alias); err != nil {
			t.Errorf("alias for %s not created: %v", tool, err)
		}
	}
}

func TestDetectNoCompiler(t *testing.T) {
	binDir := t.TempDir()
	fakeTool(t, binDir, ToolStrip) // tools exist, but no compiler

	_, err := Detect(binDir, "i686-w64-mingw32-")
	if err == nil {
		t.Fatal("expected NoCompilerError")
	}
	var noCC *NoCompilerError
	if !errors.As(err, &noCC) {
		t.Errorf("expected *NoCompilerError, got %T: %v", err, err)
	}
}

func TestDetectPartialToolsetStillResolves(t *testing.T) {
	binDir := t.TempDir()
	fakeTool(t, binDir, ToolCC)

	desc, err := Detect(binDir, "")
	if err != nil {
		t.Fatalf("Detect() failed: %v", err)
	}
	if !desc.Fallback {
		t.Error("empty prefix probe should report fallback")
	}
	if desc.CC() != ToolCC {
		t.Errorf("CC() = %q", desc.CC())
	}
	if got := desc.Tools[ToolWindres]; got != "" {
		t.Errorf("missing tool should stay unresolved, got %q", got)
	}
}

// Detect runs once per pipeline; a second probe over the same directory must
// yield the same descriptor even though aliases now exist from the first run.
func TestDetectIdempotent(t *testing.T) {
	binDir := t.TempDir()
	for _, tool := range probedTools {
		fakeTool(t, binDir, tool)
	}

	first, err := Detect(binDir, "i686-w64-mingw32-")
	if err != nil {
		t.Fatalf("first Detect() failed: %v", err)
	}
	second, err := Detect(binDir, "i686-w64-mingw32-")
	if err != nil {
		t.Fatalf("second Detect() failed: %v", err)
	}
	if first.Fallback != second.Fallback {
		t.Errorf("fallback drifted between probes: %v vs %v", first.Fallback, second.Fallback)
	}
}

// On filesystems without symlink support createAlias leaves shell shims
// behind. A probe finding those shims must still report fallback mode, never
// a genuine cross toolchain.
func TestDetectTreatsShimAliasAsFallback(t *testing.T) {
	binDir := t.TempDir()
	const prefix = "i686-w64-mingw32-"
	for _, tool := range probedTools {
		fakeTool(t, binDir, tool)
	}
	for _, tool := range probedTools {
		shim := shimContents(filepath.Join(binDir, tool))
		if err := os.WriteFile(filepath.Join(binDir, prefix+tool), shim, 0o755); err != nil {
			t.Fatalf("write shim: %v", err)
		}
	}

	desc, err := Detect(binDir, prefix)
	if err != nil {
		t.Fatalf("Detect() failed: %v", err)
	}
	if !desc.Fallback {
		t.Error("shim aliases must not be mistaken for a genuine cross toolchain")
	}
	if desc.Prefix != "" {
		t.Errorf("fallback descriptor must have empty prefix, got %q", desc.Prefix)
	}
	if desc.CC() != ToolCC {
		t.Errorf("CC() = %q, want %q", desc.CC(), ToolCC)
	}
}

func TestIsSynthesizedAlias(t *testing.T) {
	dir := t.TempDir()

	real := filepath.Join(dir, "arm-linux-gnueabihf-gcc")
	fakeTool(t, dir, "arm-linux-gnueabihf-gcc")
	if isSynthesizedAlias(real) {
		t.Error("plain executable misidentified as alias")
	}

	link := filepath.Join(dir, "link-gcc")
	if err := os.Symlink(real, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if !isSynthesizedAlias(link) {
		t.Error("symlink alias not recognized")
	}

	shim := filepath.Join(dir, "shim-gcc")
	if err := os.WriteFile(shim, shimContents(real), 0o755); err != nil {
		t.Fatalf("write shim: %v", err)
	}
	if !isSynthesizedAlias(shim) {
		t.Error("shell shim alias not recognized")
	}

	if isSynthesizedAlias(filepath.Join(dir, "absent")) {
		t.Error("missing path misidentified as alias")
	}
}
