// Package provision installs host build dependencies. The host-specific
// branching lives behind the Provisioner interface so the pipeline itself
// stays environment-agnostic.
package provision

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"strings"

	"avforge/internal/execx"
)

// Provisioner prepares the host environment for a build.
type Provisioner interface {
	Name() string
	Provision(ctx context.Context) error
}

// AptProvisioner installs packages through apt-get on Debian-family hosts.
type AptProvisioner struct {
	Runner   execx.Runner
	Packages []string
}

func (p *AptProvisioner) Name() string { return "apt" }

func (p *AptProvisioner) Provision(ctx context.Context) error {
	if len(p.Packages) == 0 {
		return nil
	}
	slog.Info("Installing build dependencies", slog.Int("packages", len(p.Packages)))
	args := append([]string{"install", "-y"}, p.Packages...)
	return p.Runner.Run(ctx, execx.Command{Name: "apt-get", Args: args})
}

// NullProvisioner does nothing; used on hosts without a supported package
// manager, where dependencies are assumed preinstalled.
type NullProvisioner struct{}

func (NullProvisioner) Name() string                      { return "none" }
func (NullProvisioner) Provision(_ context.Context) error { return nil }

// Select returns the provisioner for the current host, derived from the
// os-release ID fields. Unexpected hosts get the NullProvisioner and a
// logged warning rather than a failure.
func Select(runner execx.Runner, packages []string) Provisioner {
	return selectForRelease(runner, packages, "/etc/os-release")
}

func selectForRelease(runner execx.Runner, packages []string, osReleasePath string) Provisioner {
	id, idLike := readOSRelease(osReleasePath)
	if id == "ubuntu" || id == "debian" || strings.Contains(idLike, "debian") {
		return &AptProvisioner{Runner: runner, Packages: packages}
	}
	slog.Warn("Unexpected host distribution, skipping dependency installation",
		slog.String("id", id))
	return NullProvisioner{}
}

// readOSRelease extracts the ID and ID_LIKE fields. Missing file or fields
// yield empty strings.
func readOSRelease(path string) (id, idLike string) {
	file, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "ID":
			id = value
		case "ID_LIKE":
			idLike = value
		}
	}
	return id, idLike
}
