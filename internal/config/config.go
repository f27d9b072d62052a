package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	// InstallPrefix is where the framework build is installed (--prefix).
	InstallPrefix string `yaml:"install_prefix"`

	Framework  Framework  `yaml:"framework"`
	Plugin     Plugin     `yaml:"plugin"`
	Dependency Dependency `yaml:"dependency"`

	Patches   PatchesConfig   `yaml:"patches"`
	Toolchain ToolchainConfig `yaml:"toolchain"`

	// Features are configure feature flags passed verbatim (e.g. --enable-codec).
	Features []string `yaml:"features,omitempty"`

	Provision ProvisionConfig `yaml:"provision"`
	History   HistoryConfig   `yaml:"history"`
	Daemon    DaemonConfig    `yaml:"daemon"`
}

// Repository identifies one tracked source tree.
type Repository struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	Path string `yaml:"path"`
	Ref  string `yaml:"ref,omitempty"`
}

// Framework is the media-processing framework being built.
type Framework struct {
	Repository `yaml:",inline"`

	// Version selects the matching official patch set directory.
	Version string `yaml:"version"`
	// PluginDir is the plugin source directory inside the framework tree
	// that receives the plugin files before patching.
	PluginDir string `yaml:"plugin_dir"`
}

// Plugin is the external codec plugin whose sources are grafted into the framework.
type Plugin struct {
	Repository `yaml:",inline"`

	// Files is a glob (relative to the plugin tree) matching the artifact
	// family copied into the framework's plugin directory.
	Files string `yaml:"files"`
}

// Dependency is the support library built and installed before the framework.
type Dependency struct {
	Repository `yaml:",inline"`

	// BuildScript is invoked in the dependency tree with the install prefix
	// as its single argument.
	BuildScript string `yaml:"build_script"`
}

// PatchesConfig locates the two patch sets. Official patches live under
// OfficialDir/<framework version>/ and are applied before user patches.
type PatchesConfig struct {
	OfficialDir string `yaml:"official_dir"`
	UserDir     string `yaml:"user_dir,omitempty"`
}

// ToolchainConfig describes where compiler tools are probed.
type ToolchainConfig struct {
	BinDir      string `yaml:"bin_dir"`
	CrossPrefix string `yaml:"cross_prefix,omitempty"`
}

// ProvisionConfig controls host package installation before the build.
type ProvisionConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Packages []string `yaml:"packages,omitempty"`
}

// HistoryConfig locates the build history database.
type HistoryConfig struct {
	Path string `yaml:"path,omitempty"`
}

// DaemonConfig configures the rebuild daemon.
type DaemonConfig struct {
	Interval     string `yaml:"interval,omitempty"`
	WatchPatches bool   `yaml:"watch_patches"`
	MetricsAddr  string `yaml:"metrics_addr,omitempty"`
}

// Load loads configuration from the specified file.
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists; absence is not an error.
	loadEnvFile()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.InstallPrefix == "" {
		c.InstallPrefix = "/usr/local"
	}
	if c.Framework.Name == "" {
		c.Framework.Name = "framework"
	}
	if c.Plugin.Name == "" {
		c.Plugin.Name = "plugin"
	}
	if c.Dependency.Name == "" {
		c.Dependency.Name = "dependency"
	}
	for _, r := range []*Repository{&c.Framework.Repository, &c.Plugin.Repository, &c.Dependency.Repository} {
		if r.Ref == "" {
			r.Ref = "master"
		}
	}
	if c.Framework.PluginDir == "" {
		c.Framework.PluginDir = "plugins"
	}
	if c.Plugin.Files == "" {
		c.Plugin.Files = "src/*"
	}
	if c.Dependency.BuildScript == "" {
		c.Dependency.BuildScript = "./build.sh"
	}
	if c.Toolchain.BinDir == "" {
		c.Toolchain.BinDir = "/usr/bin"
	}
	if c.History.Path == "" {
		c.History.Path = "avforge-history.db"
	}
	if c.Daemon.Interval == "" {
		c.Daemon.Interval = "6h"
	}
	if c.Daemon.MetricsAddr == "" {
		c.Daemon.MetricsAddr = ":9137"
	}
}

// Validate checks that the configuration is complete enough to run a build.
func (c *Config) Validate() error {
	for _, r := range []Repository{c.Framework.Repository, c.Plugin.Repository, c.Dependency.Repository} {
		if r.Path == "" {
			return fmt.Errorf("repository %q: path is required", r.Name)
		}
		if r.URL == "" {
			return fmt.Errorf("repository %q: url is required", r.Name)
		}
	}
	if c.Patches.OfficialDir != "" && c.Framework.Version == "" {
		return fmt.Errorf("framework version is required when official patches are configured")
	}
	return nil
}

// Repositories returns the tracked repositories in pipeline order.
func (c *Config) Repositories() []Repository {
	return []Repository{c.Dependency.Repository, c.Plugin.Repository, c.Framework.Repository}
}

// OfficialPatchDir returns the version-matched official patch set directory,
// or "" when official patches are not configured.
func (c *Config) OfficialPatchDir() string {
	if c.Patches.OfficialDir == "" {
		return ""
	}
	return filepath.Join(c.Patches.OfficialDir, c.Framework.Version)
}

// Init creates a new configuration file with example content.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	exampleConfig := Config{
		InstallPrefix: "/usr/local",
		Framework: Framework{
			Repository: Repository{
				Name: "framework",
				URL:  "https://github.com/example/media-framework.git",
				Path: "./sources/framework",
				Ref:  "master",
			},
			Version:   "4.2",
			PluginDir: "plugins/codec",
		},
		Plugin: Plugin{
			Repository: Repository{
				Name: "codec-plugin",
				URL:  "https://github.com/example/codec-plugin.git",
				Path: "./sources/plugin",
				Ref:  "master",
			},
			Files: "src/*",
		},
		Dependency: Dependency{
			Repository: Repository{
				Name: "support-lib",
				URL:  "https://github.com/example/support-lib.git",
				Path: "./sources/support-lib",
				Ref:  "master",
			},
			BuildScript: "./build.sh",
		},
		Patches: PatchesConfig{
			OfficialDir: "./patches/official",
			UserDir:     "./patches/user",
		},
		Toolchain: ToolchainConfig{
			BinDir:      "/usr/bin",
			CrossPrefix: "i686-w64-mingw32-",
		},
		Features: []string{"--enable-codec-plugin", "--enable-shared"},
		Provision: ProvisionConfig{
			Enabled:  false,
			Packages: []string{"build-essential", "pkg-config", "yasm"},
		},
	}

	data, err := yaml.Marshal(&exampleConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
