package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"avforge/internal/config"
	"avforge/internal/daemon"
	"avforge/internal/execx"
	"avforge/internal/history"
	"avforge/internal/libswap"
	"avforge/internal/pipeline"
	"avforge/internal/provision"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"avforge.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Build struct {
		NoProvision bool `help:"Skip host package provisioning even when enabled in configuration"`
	} `cmd:"" help:"Run the full build pipeline once"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`

	Swap struct {
		Source string `arg:"" help:"Directory holding the freshly built libraries"`
		Target string `arg:"" help:"Directory whose installed libraries are displaced"`
	} `cmd:"" help:"Swap built shared libraries into a target directory, backing up the displaced ones"`

	Restore struct {
		Target string `arg:"" help:"Directory to restore from its backup"`
	} `cmd:"" help:"Restore the libraries displaced by a previous swap"`

	Daemon struct{} `cmd:"" help:"Run continuously, rebuilding on an interval and on patch changes"`

	History struct {
		Limit int `short:"n" help:"Number of runs to show" default:"10"`
	} `cmd:"" help:"Show recent build runs"`
}

func main() {
	ctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	var err error
	switch ctx.Command() {
	case "build":
		err = runBuild(CLI.Config, CLI.Build.NoProvision)
	case "init":
		err = config.Init(CLI.Config, CLI.Init.Force)
	case "swap <source> <target>":
		err = runSwap(CLI.Swap.Source, CLI.Swap.Target)
	case "restore <target>":
		err = runRestore(CLI.Restore.Target)
	case "daemon":
		err = runDaemon(CLI.Config)
	case "history":
		err = runHistory(CLI.Config, CLI.History.Limit)
	}
	if err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runBuild(configPath string, noProvision bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	p := pipeline.New(cfg)
	if !noProvision && cfg.Provision.Enabled {
		p.WithProvisioner(provision.Select(execx.ExecRunner{}, cfg.Provision.Packages))
	}

	report, runErr := p.Run(ctx)

	if cfg.History.Path != "" && report != nil {
		if err := recordRun(ctx, cfg.History.Path, report); err != nil {
			slog.Warn("Failed to record run history", "error", err)
		}
	}
	return runErr
}

func recordRun(ctx context.Context, dbPath string, report *pipeline.Report) error {
	store, err := history.NewStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	run := history.Run{
		ID:       report.RunID,
		Started:  report.Started,
		Finished: report.Finished,
		Outcome:  report.Outcome,
	}
	for _, st := range report.Stages {
		run.Stages = append(run.Stages, history.StageResult{
			Stage:    string(st.Stage),
			Result:   st.Result,
			Duration: st.Duration,
			Error:    st.Error,
		})
	}
	return store.RecordRun(ctx, run)
}

func runSwap(source, target string) error {
	for _, dir := range []string{source, target} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("directory %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
	}
	return libswap.Swap(source, target)
}

func runRestore(target string) error {
	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("directory %s: %w", target, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", target)
	}
	return libswap.Restore(target)
}

func runDaemon(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	d, err := daemon.New(cfg, nil)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

func runHistory(configPath string, limit int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.History.Path == "" {
		return fmt.Errorf("no history database configured")
	}

	store, err := history.NewStore(cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.RecentRuns(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No recorded runs.")
		return nil
	}

	for _, run := range runs {
		fmt.Printf("%s  %s  %s  (%s)\n",
			run.Started.Format("2006-01-02 15:04:05"),
			run.Outcome, run.ID,
			run.Finished.Sub(run.Started).Round(time.Second))
		for _, st := range run.Stages {
			line := fmt.Sprintf("    %-18s %-8s %s", st.Stage, st.Result, st.Duration.Round(time.Millisecond))
			if st.Error != "" {
				line += "  " + st.Error
			}
			fmt.Println(line)
		}
	}
	return nil
}
