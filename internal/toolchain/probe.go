// Package toolchain probes the host for compiler tools and normalizes their
// naming so downstream configuration can uniformly request cross-prefixed
// tool names, whether or not a genuine cross toolchain is installed.
package toolchain

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"avforge/internal/logfields"
)

// Probed tool names, native form.
const (
	ToolCC      = "gcc"
	ToolCXX     = "g++"
	ToolAR      = "ar"
	ToolRanlib  = "ranlib"
	ToolStrip   = "strip"
	ToolObjdump = "objdump"
	ToolWindres = "windres"
)

var probedTools = []string{ToolCC, ToolCXX, ToolAR, ToolRanlib, ToolStrip, ToolObjdump, ToolWindres}

// Descriptor is the result of a single probe. It is computed once per
// pipeline run; configuration decisions consult Fallback instead of
// re-probing the filesystem.
type Descriptor struct {
	// Prefix is the cross-compilation prefix, empty in fallback mode.
	Prefix string
	// Tools maps native tool names to the resolved binary names.
	Tools map[string]string
	// Fallback is set when no genuine cross toolchain was found and native
	// tools are used instead.
	Fallback bool
}

// CC returns the C compiler name to hand to configure: the cross-prefixed
// name for a genuine cross toolchain, the plain native name in fallback mode.
func (d *Descriptor) CC() string {
	if d.Fallback {
		return ToolCC
	}
	return d.Tools[ToolCC]
}

// CXX returns the C++ compiler name to hand to configure.
func (d *Descriptor) CXX() string {
	if d.Fallback {
		return ToolCXX
	}
	return d.Tools[ToolCXX]
}

// NoCompilerError indicates neither a cross nor a native C compiler exists.
type NoCompilerError struct {
	BinDir string
}

func (e *NoCompilerError) Error() string {
	return fmt.Sprintf("no C compiler found in %s (neither cross-prefixed nor native)", e.BinDir)
}

// Detect probes binDir for cross-prefixed tools. When a cross-prefixed tool
// is absent but the native variant exists, a prefixed alias is synthesized
// pointing at the native tool; alias creation failure is a warning only.
// Detect fails with NoCompilerError when no C compiler is found at all.
func Detect(binDir, crossPrefix string) (*Descriptor, error) {
	desc := &Descriptor{
		Prefix: crossPrefix,
		Tools:  make(map[string]string, len(probedTools)),
	}

	genuineCross := false
	for _, tool := range probedTools {
		crossName := crossPrefix + tool
		crossPath := filepath.Join(binDir, crossName)
		crossExists := crossPrefix != "" && executableExists(crossPath)
		nativeExists := executableExists(filepath.Join(binDir, tool))

		switch {
		case crossExists:
			desc.Tools[tool] = crossName
			// An alias synthesized by a previous probe, symlink or shim,
			// is not a real cross compiler; it must not flip the fallback
			// decision between runs.
			if tool == ToolCC && !isSynthesizedAlias(crossPath) {
				genuineCross = true
			}
		case crossPrefix != "" && nativeExists:
			if err := createAlias(binDir, tool, crossName); err != nil {
				slog.Warn("Could not create toolchain alias, using native name",
					logfields.Tool(crossName), logfields.Error(err))
				desc.Tools[tool] = tool
			} else {
				slog.Debug("Synthesized toolchain alias", logfields.Tool(crossName))
				desc.Tools[tool] = crossName
			}
		case nativeExists:
			desc.Tools[tool] = tool
		default:
			slog.Debug("Toolchain tool not found", logfields.Tool(tool), logfields.Path(binDir))
		}
	}

	if desc.Tools[ToolCC] == "" {
		return nil, &NoCompilerError{BinDir: binDir}
	}

	if !genuineCross {
		desc.Fallback = true
		desc.Prefix = ""
		slog.Info("No genuine cross toolchain found, falling back to native tools",
			slog.String("cc", desc.CC()))
	} else {
		slog.Info("Cross toolchain detected", slog.String("prefix", crossPrefix))
	}
	return desc, nil
}

func executableExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// aliasMarker tags shell shims written by createAlias so a later probe can
// tell them apart from real cross tools.
const aliasMarker = "# synthesized toolchain alias"

// isSynthesizedAlias reports whether path was created by a previous probe:
// either a symlink, or a shell shim carrying the alias marker.
func isSynthesizedAlias(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return true
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, 128)
	n, _ := f.Read(head)
	return strings.Contains(string(head[:n]), aliasMarker)
}

// createAlias makes binDir/aliasName resolve to binDir/tool. A relative
// symlink is preferred; when symlinks are unavailable a small exec shim is
// written instead.
func createAlias(binDir, tool, aliasName string) error {
	aliasPath := filepath.Join(binDir, aliasName)
	if err := os.Symlink(tool, aliasPath); err == nil {
		return nil
	}
	return os.WriteFile(aliasPath, shimContents(filepath.Join(binDir, tool)), 0o755)
}

func shimContents(target string) []byte {
	return []byte(fmt.Sprintf("#!/bin/sh\n%s\nexec %s \"$@\"\n", aliasMarker, target))
}
