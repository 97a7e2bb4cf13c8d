package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "taskpilot.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/taskpilot"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Environment overrides, applied last.
const (
	EnvRobust   = "TASKPILOT_ROBUST"
	EnvLogLevel = "TASKPILOT_LOG_LEVEL"
	EnvNATSURL  = "TASKPILOT_NATS_URL"
	EnvProjects = "TASKPILOT_PROJECTS"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger    *slog.Logger
	lookupEnv func(string) (string, bool)
	homeDir   func() (string, error)
	workDir   func() (string, error)
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger:    logger,
		lookupEnv: os.LookupEnv,
		homeDir:   os.UserHomeDir,
		workDir:   os.Getwd,
	}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/taskpilot/config.yaml)
// 3. Project config (taskpilot.yaml in current or parent directories)
// 4. The explicit file, when given
// 5. Environment variables
//
// Each file only overrides the keys it sets. A tier or backend redefined in
// a later file replaces the earlier definition as a whole.
func (l *Loader) Load(explicit string) (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if err := config.overlay(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if err := config.overlay(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	// An explicit file that cannot be read is an error, not a warning.
	if explicit != "" {
		if err := config.overlay(explicit); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config", slog.String("path", explicit))
	}

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (l *Loader) applyEnv(c *Config) error {
	if v, ok := l.lookupEnv(EnvRobust); ok && v != "" {
		robust, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRobust, err)
		}
		c.Orchestrator.Robust = robust
	}
	if v, ok := l.lookupEnv(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := l.lookupEnv(EnvNATSURL); ok && v != "" {
		c.Events.Enabled = true
		c.Events.Embedded = false
		c.Events.URL = v
	}
	if v, ok := l.lookupEnv(EnvProjects); ok && v != "" {
		var projects []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				projects = append(projects, p)
			}
		}
		c.Tracker.Projects = projects
	}
	return nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return fmt.Errorf("cannot determine home directory")
	}

	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := l.homeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for taskpilot.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := l.workDir()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// Paths lists the files Load reads, whether or not they exist yet, for
// watching.
func (l *Loader) Paths(explicit string) []string {
	var paths []string
	if p := l.userConfigPath(); p != "" {
		paths = append(paths, p)
	}
	if p := l.findProjectConfig(); p != "" {
		paths = append(paths, p)
	}
	if explicit != "" {
		paths = append(paths, explicit)
	}
	return paths
}
