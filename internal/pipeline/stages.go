package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"avforge/internal/execx"
	"avforge/internal/logfields"
	"avforge/internal/patch"
	"avforge/internal/toolchain"
)

func (p *Pipeline) stageProvision(ctx context.Context, _ *State) error {
	return p.provisioner.Provision(ctx)
}

func (p *Pipeline) stageEnsureRepos(ctx context.Context, st *State) error {
	for _, repo := range st.Config.Repositories() {
		if err := st.Repos.Ensure(ctx, repo); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) stageResetRepos(ctx context.Context, st *State) error {
	for _, repo := range st.Config.Repositories() {
		if err := st.Repos.Reset(ctx, repo); err != nil {
			return err
		}
	}
	return nil
}

// stageBuildDependency runs the support library's own build script with the
// install prefix as its argument. The script's internals are opaque here.
func (p *Pipeline) stageBuildDependency(ctx context.Context, st *State) error {
	dep := st.Config.Dependency
	return st.Runner.Run(ctx, execx.Command{
		Name: dep.BuildScript,
		Args: []string{st.Config.InstallPrefix},
		Dir:  dep.Path,
		Env:  st.BuildEnv,
	})
}

// stageCopyPlugin grafts the plugin's artifact file family into the
// framework's plugin source directory, overwriting same-named files.
func (p *Pipeline) stageCopyPlugin(_ context.Context, st *State) error {
	cfg := st.Config
	pattern := filepath.Join(cfg.Plugin.Path, cfg.Plugin.Files)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("plugin file pattern %q: %w", cfg.Plugin.Files, err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("no plugin files match %q", pattern)
	}

	destDir := filepath.Join(cfg.Framework.Path, cfg.Framework.PluginDir)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create plugin directory: %w", err)
	}

	copied := 0
	for _, src := range matches {
		info, err := os.Stat(src)
		if err != nil {
			return err
		}
		if info.IsDir() {
			continue
		}
		if err := copyFile(src, filepath.Join(destDir, filepath.Base(src)), info.Mode().Perm()); err != nil {
			return fmt.Errorf("copy plugin file %s: %w", filepath.Base(src), err)
		}
		copied++
	}
	slog.Info("Copied plugin files", slog.Int("files", copied), logfields.Path(destDir))
	return nil
}

func (p *Pipeline) stageApplyPatches(ctx context.Context, st *State) error {
	cfg := st.Config
	var sets []patch.Set
	if dir := cfg.OfficialPatchDir(); dir != "" {
		sets = append(sets, patch.Set{Name: "official", Dir: dir})
	}
	if cfg.Patches.UserDir != "" {
		sets = append(sets, patch.Set{Name: "user", Dir: cfg.Patches.UserDir})
	}
	applier := patch.NewApplier(st.Runner, cfg.Framework.Path)
	return applier.Apply(ctx, sets)
}

func (p *Pipeline) stageDetectToolchain(_ context.Context, st *State) error {
	desc, err := toolchain.Detect(st.Config.Toolchain.BinDir, st.Config.Toolchain.CrossPrefix)
	if err != nil {
		return err
	}
	st.Toolchain = desc
	return nil
}

// stageConfigure invokes the framework's configure routine. A failure with
// the full argument list is retried exactly once with the reduced,
// cross-agnostic list before becoming fatal.
func (p *Pipeline) stageConfigure(ctx context.Context, st *State) error {
	full := configureArgs(st, false)
	cmd := execx.Command{Name: "./configure", Args: full, Dir: st.Config.Framework.Path, Env: st.BuildEnv}
	err := st.Runner.Run(ctx, cmd)
	if err == nil {
		return nil
	}

	slog.Warn("Configure failed, retrying with reduced arguments", logfields.Error(err))
	reduced := configureArgs(st, true)
	cmd.Args = reduced
	if retryErr := st.Runner.Run(ctx, cmd); retryErr != nil {
		return fmt.Errorf("configure failed with full and reduced arguments: %w", retryErr)
	}
	slog.Info("Configure succeeded with reduced arguments")
	return nil
}

// configureArgs builds the configure argument list. The reduced form drops
// every cross-compilation specific flag; it is also used whenever the probe
// fell back to native tools.
func configureArgs(st *State, reduced bool) []string {
	cfg := st.Config
	args := append([]string{}, cfg.Features...)
	args = append(args, "--prefix="+cfg.InstallPrefix)

	tc := st.Toolchain
	if !reduced && tc != nil && !tc.Fallback {
		args = append(args, "--cross-prefix="+tc.Prefix)
		return args
	}
	if tc != nil {
		args = append(args, "--cc="+tc.CC(), "--cxx="+tc.CXX())
	}
	return args
}

func (p *Pipeline) stageCompile(ctx context.Context, st *State) error {
	return st.Runner.Run(ctx, execx.Command{
		Name: "make",
		Args: []string{fmt.Sprintf("-j%d", st.Jobs)},
		Dir:  st.Config.Framework.Path,
		Env:  st.BuildEnv,
	})
}

func (p *Pipeline) stageInstall(ctx context.Context, st *State) error {
	return st.Runner.Run(ctx, execx.Command{
		Name: "make",
		Args: []string{"install"},
		Dir:  st.Config.Framework.Path,
		Env:  st.BuildEnv,
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
