package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"avforge/internal/config"
	"avforge/internal/execx"
	"avforge/internal/toolchain"
)

// scriptedRunner records commands and fails according to failWhen.
type scriptedRunner struct {
	commands []execx.Command
	failWhen func(call int, cmd execx.Command) error
}

func (r *scriptedRunner) Run(_ context.Context, cmd execx.Command) error {
	call := len(r.commands)
	r.commands = append(r.commands, cmd)
	if r.failWhen != nil {
		return r.failWhen(call, cmd)
	}
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := &config.Config{
		InstallPrefix: filepath.Join(base, "prefix"),
		Framework: config.Framework{
			Repository: config.Repository{Name: "framework", URL: "u", Path: filepath.Join(base, "framework"), Ref: "master"},
			Version:    "4.2",
			PluginDir:  "plugins/codec",
		},
		Plugin: config.Plugin{
			Repository: config.Repository{Name: "plugin", URL: "u", Path: filepath.Join(base, "plugin"), Ref: "master"},
			Files:      "src/*",
		},
		Dependency: config.Dependency{
			Repository:  config.Repository{Name: "dep", URL: "u", Path: filepath.Join(base, "dep"), Ref: "master"},
			BuildScript: "./build.sh",
		},
	}
	return cfg
}

func TestRunStagesOrderAndAbort(t *testing.T) {
	p := New(testConfig(t))
	var order []StageName
	boom := errors.New("boom")

	stages := []StageDef{
		{"one", func(context.Context, *State) error { order = append(order, "one"); return nil }},
		{"two", func(context.Context, *State) error { order = append(order, "two"); return boom }},
		{"three", func(context.Context, *State) error { order = append(order, "three"); return nil }},
	}

	report := &Report{RunID: "test"}
	err := p.runStages(context.Background(), &State{}, report, stages)
	if err == nil {
		t.Fatal("expected stage error")
	}

	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != "two" {
		t.Fatalf("expected StageError for stage two, got %v", err)
	}
	if len(order) != 2 {
		t.Errorf("stage three must not run after failure, ran: %v", order)
	}
	if report.FailedStage() != "two" || report.LastSuccessful() != "one" {
		t.Errorf("report should identify failing and last successful stage, got %q/%q",
			report.FailedStage(), report.LastSuccessful())
	}
}

func TestRunStagesHonorsCancellation(t *testing.T) {
	p := New(testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	stages := []StageDef{{"never", func(context.Context, *State) error { ran = true; return nil }}}
	err := p.runStages(ctx, &State{}, &Report{}, stages)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if ran {
		t.Error("stage must not run after cancellation")
	}
}

// A configure failure with the full argument list is retried exactly once
// with the reduced list; success on retry lets the pipeline proceed.
func TestConfigureRetryWithReducedArguments(t *testing.T) {
	cfg := testConfig(t)
	cfg.Features = []string{"--enable-codec-plugin"}
	p := New(cfg)

	runner := &scriptedRunner{
		failWhen: func(call int, _ execx.Command) error {
			if call == 0 {
				return errors.New("unrecognized option --cross-prefix")
			}
			return nil
		},
	}
	state := &State{
		Config: cfg,
		Runner: runner,
		Toolchain: &toolchain.Descriptor{
			Prefix: "i686-w64-mingw32-",
			Tools:  map[string]string{toolchain.ToolCC: "i686-w64-mingw32-gcc", toolchain.ToolCXX: "i686-w64-mingw32-g++"},
		},
	}

	if err := p.stageConfigure(context.Background(), state); err != nil {
		t.Fatalf("stageConfigure() should succeed via retry: %v", err)
	}
	if len(runner.commands) != 2 {
		t.Fatalf("expected exactly one retry, got %d invocations", len(runner.commands))
	}

	first := strings.Join(runner.commands[0].Args, " ")
	second := strings.Join(runner.commands[1].Args, " ")
	if !strings.Contains(first, "--cross-prefix=i686-w64-mingw32-") {
		t.Errorf("full argument list must carry the cross prefix, got %q", first)
	}
	if strings.Contains(second, "--cross-prefix") {
		t.Errorf("reduced argument list must drop cross flags, got %q", second)
	}
	if !strings.Contains(second, "--cc=") {
		t.Errorf("reduced list should name compilers explicitly, got %q", second)
	}
}

func TestConfigureFatalAfterRetry(t *testing.T) {
	cfg := testConfig(t)
	p := New(cfg)
	runner := &scriptedRunner{
		failWhen: func(int, execx.Command) error { return errors.New("no") },
	}
	state := &State{Config: cfg, Runner: runner, Toolchain: &toolchain.Descriptor{Fallback: true, Tools: map[string]string{}}}

	if err := p.stageConfigure(context.Background(), state); err == nil {
		t.Fatal("expected fatal configure error after retry")
	}
	if len(runner.commands) != 2 {
		t.Errorf("only one retry is allowed, got %d invocations", len(runner.commands))
	}
}

// In fallback mode the cross-prefix argument is omitted and native compiler
// names are passed explicitly.
func TestConfigureArgsFallback(t *testing.T) {
	cfg := testConfig(t)
	cfg.Features = []string{"--enable-shared"}
	state := &State{
		Config:    cfg,
		Toolchain: &toolchain.Descriptor{Fallback: true, Tools: map[string]string{}},
	}

	args := strings.Join(configureArgs(state, false), " ")
	if strings.Contains(args, "--cross-prefix") {
		t.Errorf("fallback configure must omit cross prefix, got %q", args)
	}
	if !strings.Contains(args, "--cc=gcc") || !strings.Contains(args, "--cxx=g++") {
		t.Errorf("fallback configure must name native compilers, got %q", args)
	}
	if !strings.Contains(args, "--enable-shared") || !strings.Contains(args, "--prefix="+cfg.InstallPrefix) {
		t.Errorf("feature flags and prefix must always be present, got %q", args)
	}
}

func TestStageCopyPlugin(t *testing.T) {
	cfg := testConfig(t)
	srcDir := filepath.Join(cfg.Plugin.Path, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"codec.c", "codec.h"} {
		if err := os.WriteFile(filepath.Join(srcDir, name), []byte("src"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// Pre-existing same-named file must be overwritten.
	destDir := filepath.Join(cfg.Framework.Path, cfg.Framework.PluginDir)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		t.Fatalf("mkdir dest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(destDir, "codec.c"), []byte("stale"), 0o644); err != nil {
		t.Fatalf("write stale: %v", err)
	}

	p := New(cfg)
	if err := p.stageCopyPlugin(context.Background(), &State{Config: cfg}); err != nil {
		t.Fatalf("stageCopyPlugin() failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(destDir, "codec.c"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "src" {
		t.Errorf("same-named file not overwritten, got %q", string(data))
	}
	if _, err := os.Stat(filepath.Join(destDir, "codec.h")); err != nil {
		t.Errorf("codec.h not copied: %v", err)
	}
}

func TestStageCopyPluginNoMatches(t *testing.T) {
	cfg := testConfig(t)
	p := New(cfg)
	if err := p.stageCopyPlugin(context.Background(), &State{Config: cfg}); err == nil {
		t.Fatal("expected error when no plugin files match")
	}
}

func TestStageCompileUsesParallelism(t *testing.T) {
	cfg := testConfig(t)
	p := New(cfg)
	runner := &scriptedRunner{}
	state := &State{Config: cfg, Runner: runner, Jobs: 8}

	if err := p.stageCompile(context.Background(), state); err != nil {
		t.Fatalf("stageCompile() failed: %v", err)
	}
	cmd := runner.commands[0]
	if cmd.Name != "make" || cmd.Args[0] != "-j8" {
		t.Errorf("expected make -j8, got %s %v", cmd.Name, cmd.Args)
	}
	if cmd.Dir != cfg.Framework.Path {
		t.Errorf("compile must run in the framework tree, got %q", cmd.Dir)
	}
}

func TestBuildEnvAugmentsExistingSearchPath(t *testing.T) {
	t.Setenv("LD_LIBRARY_PATH", "/existing/lib")
	env := buildEnv("/opt/av")
	if len(env) != 1 || env[0] != "LD_LIBRARY_PATH=/opt/av/lib:/existing/lib" {
		t.Errorf("existing search path must be preserved, got %v", env)
	}

	t.Setenv("LD_LIBRARY_PATH", "")
	env = buildEnv("/opt/av")
	if env[0] != "LD_LIBRARY_PATH=/opt/av/lib" {
		t.Errorf("unexpected env without prior value: %v", env)
	}
}

func TestStageBuildDependencyCommand(t *testing.T) {
	cfg := testConfig(t)
	p := New(cfg)
	runner := &scriptedRunner{}
	state := &State{Config: cfg, Runner: runner, BuildEnv: []string{"LD_LIBRARY_PATH=/x"}}

	if err := p.stageBuildDependency(context.Background(), state); err != nil {
		t.Fatalf("stageBuildDependency() failed: %v", err)
	}
	cmd := runner.commands[0]
	if cmd.Name != "./build.sh" || cmd.Dir != cfg.Dependency.Path {
		t.Errorf("unexpected dependency build invocation: %+v", cmd)
	}
	if len(cmd.Args) != 1 || cmd.Args[0] != cfg.InstallPrefix {
		t.Errorf("build script must receive the install prefix, got %v", cmd.Args)
	}
}

func TestPipelineStageSequence(t *testing.T) {
	p := New(testConfig(t))
	var names []StageName
	for _, def := range p.stages() {
		names = append(names, def.Name)
	}
	want := []StageName{
		StageEnsureRepos, StageResetRepos, StageBuildDependency, StageCopyPlugin,
		StageApplyPatches, StageDetectToolchain, StageConfigure, StageCompile, StageInstall,
	}
	if len(names) != len(want) {
		t.Fatalf("stage sequence = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("stage sequence = %v, want %v", names, want)
		}
	}
}
