// Package pipeline drives the fixed build sequence that turns the tracked
// source repositories into an installed framework with the codec plugin
// compiled in. Stages run strictly in order; the first fatal failure halts
// the run and completed stages are never rolled back.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"

	"avforge/internal/config"
	"avforge/internal/execx"
	"avforge/internal/logfields"
	"avforge/internal/metrics"
	"avforge/internal/provision"
	"avforge/internal/repostate"
	"avforge/internal/toolchain"
)

// StageName identifies one pipeline stage.
type StageName string

const (
	StageProvision       StageName = "provision"
	StageEnsureRepos     StageName = "ensure-repos"
	StageResetRepos      StageName = "reset-repos"
	StageBuildDependency StageName = "build-dependency"
	StageCopyPlugin      StageName = "copy-plugin-files"
	StageApplyPatches    StageName = "apply-patches"
	StageDetectToolchain StageName = "detect-toolchain"
	StageConfigure       StageName = "configure"
	StageCompile         StageName = "compile"
	StageInstall         StageName = "install"
)

// StageError marks a fatal stage failure. It names the stage so the operator
// can tell where the run halted.
type StageError struct {
	Stage StageName
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageDef binds a stage name to its implementation.
type StageDef struct {
	Name StageName
	Fn   func(ctx context.Context, st *State) error
}

// State is the mutable context threaded through the stages of one run.
type State struct {
	Config    *config.Config
	Runner    execx.Runner
	Repos     *repostate.Manager
	Toolchain *toolchain.Descriptor
	// BuildEnv is appended to every external command environment. It carries
	// the augmented library search path.
	BuildEnv []string
	// Jobs is the compile parallelism degree.
	Jobs int
}

// Pipeline owns one build configuration and its collaborators.
type Pipeline struct {
	cfg         *config.Config
	runner      execx.Runner
	repos       *repostate.Manager
	recorder    metrics.Recorder
	provisioner provision.Provisioner
}

// New creates a pipeline with default collaborators.
func New(cfg *config.Config) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		runner:   execx.ExecRunner{},
		repos:    repostate.NewManager(),
		recorder: metrics.NoopRecorder{},
	}
}

// WithRunner substitutes the external command runner.
func (p *Pipeline) WithRunner(r execx.Runner) *Pipeline {
	if r != nil {
		p.runner = r
	}
	return p
}

// WithRecorder substitutes the metrics recorder.
func (p *Pipeline) WithRecorder(r metrics.Recorder) *Pipeline {
	if r != nil {
		p.recorder = r
	}
	return p
}

// WithProvisioner enables the host provisioning stage.
func (p *Pipeline) WithProvisioner(pr provision.Provisioner) *Pipeline {
	p.provisioner = pr
	return p
}

func (p *Pipeline) stages() []StageDef {
	defs := []StageDef{}
	if p.provisioner != nil && p.cfg.Provision.Enabled {
		defs = append(defs, StageDef{StageProvision, p.stageProvision})
	}
	return append(defs,
		StageDef{StageEnsureRepos, p.stageEnsureRepos},
		StageDef{StageResetRepos, p.stageResetRepos},
		StageDef{StageBuildDependency, p.stageBuildDependency},
		StageDef{StageCopyPlugin, p.stageCopyPlugin},
		StageDef{StageApplyPatches, p.stageApplyPatches},
		StageDef{StageDetectToolchain, p.stageDetectToolchain},
		StageDef{StageConfigure, p.stageConfigure},
		StageDef{StageCompile, p.stageCompile},
		StageDef{StageInstall, p.stageInstall},
	)
}

// Run executes the stage sequence. The returned report is complete even on
// failure; the error, when non-nil, is a *StageError naming the failed stage.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:   uuid.NewString(),
		Started: time.Now(),
	}
	state := &State{
		Config:   p.cfg,
		Runner:   p.runner,
		Repos:    p.repos,
		BuildEnv: buildEnv(p.cfg.InstallPrefix),
		Jobs:     runtime.NumCPU(),
	}

	slog.Info("Starting build pipeline", logfields.RunID(report.RunID),
		slog.String("prefix", p.cfg.InstallPrefix))

	err := p.runStages(ctx, state, report, p.stages())
	report.Finished = time.Now()
	if err != nil {
		report.Outcome = OutcomeFailure
	} else {
		report.Outcome = OutcomeSuccess
	}
	p.recorder.RunCompleted(report.Outcome, report.Finished.Sub(report.Started))

	if err != nil {
		slog.Error("Pipeline halted", logfields.RunID(report.RunID),
			logfields.Stage(string(report.FailedStage())),
			slog.String("last_successful", string(report.LastSuccessful())),
			logfields.Error(err))
		return report, err
	}
	slog.Info("Pipeline completed", logfields.RunID(report.RunID),
		logfields.DurationMS(float64(report.Finished.Sub(report.Started).Milliseconds())))
	return report, nil
}

// runStages executes stages in order, recording timing and stopping on the
// first fatal error.
func (p *Pipeline) runStages(ctx context.Context, state *State, report *Report, stages []StageDef) error {
	for _, st := range stages {
		select {
		case <-ctx.Done():
			err := ctx.Err()
			report.addOutcome(st.Name, ResultFailure, 0, err)
			p.recorder.StageCompleted(string(st.Name), ResultFailure, 0)
			return &StageError{Stage: st.Name, Err: err}
		default:
		}

		slog.Info("Stage starting", logfields.RunID(report.RunID), logfields.Stage(string(st.Name)))
		t0 := time.Now()
		err := st.Fn(ctx, state)
		dur := time.Since(t0)

		if err != nil {
			report.addOutcome(st.Name, ResultFailure, dur, err)
			p.recorder.StageCompleted(string(st.Name), ResultFailure, dur)
			return &StageError{Stage: st.Name, Err: err}
		}

		report.addOutcome(st.Name, ResultSuccess, dur, nil)
		p.recorder.StageCompleted(string(st.Name), ResultSuccess, dur)
		slog.Info("Stage completed", logfields.RunID(report.RunID),
			logfields.Stage(string(st.Name)), logfields.DurationMS(float64(dur.Milliseconds())))
	}
	return nil
}

// buildEnv augments the inherited library search path with the install
// prefix's lib directory. An existing value is prepended to, never replaced.
func buildEnv(installPrefix string) []string {
	libDir := installPrefix + "/lib"
	value := libDir
	if existing := os.Getenv("LD_LIBRARY_PATH"); existing != "" {
		value = libDir + ":" + existing
	}
	return []string{"LD_LIBRARY_PATH=" + value}
}
