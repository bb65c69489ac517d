package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ProjectEntry is one registered project in the daemon config.
type ProjectEntry struct {
	Slug  string `yaml:"slug"`
	Path  string `yaml:"path"`
	Title string `yaml:"title,omitempty"`
}

// NotifyConfig configures the ntfy push client.
type NotifyConfig struct {
	Topic  string `yaml:"topic,omitempty"`  // bare topic or full URL
	Token  string `yaml:"token,omitempty"`  // bearer token for reserved topics
	Events string `yaml:"events,omitempty"` // comma-separated: "done,permission,error"
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
	File  string `yaml:"file,omitempty"`
}

// Config is the daemon configuration, persisted to ~/.perch/config.yaml.
type Config struct {
	ListenAddr string         `yaml:"listen_addr,omitempty"`
	PinHash    string         `yaml:"pin_hash,omitempty"` // bcrypt hash of the shared PIN
	KeepAwake  bool           `yaml:"keep_awake,omitempty"`
	Engine     string         `yaml:"engine,omitempty"` // engine binary, default "claude"
	Projects   []ProjectEntry `yaml:"projects,omitempty"`
	Notify     NotifyConfig   `yaml:"notify,omitempty"`
	Logging    LoggingConfig  `yaml:"logging,omitempty"`
}

// Default returns a config with usable defaults.
func Default() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:7736",
		Engine:     "claude",
	}
}

// Load reads the config file at path. A missing file yields Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:7736"
	}
	if cfg.Engine == "" {
		cfg.Engine = "claude"
	}
	return cfg, nil
}

// Save writes the config atomically: temp file in the same directory, fsync,
// then rename over the target. A crash mid-write never leaves a torn file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// FindProject returns the entry with the given slug, or nil.
func (c *Config) FindProject(slug string) *ProjectEntry {
	for i := range c.Projects {
		if c.Projects[i].Slug == slug {
			return &c.Projects[i]
		}
	}
	return nil
}

// FindProjectByPath returns the entry with the given absolute path, or nil.
func (c *Config) FindProjectByPath(path string) *ProjectEntry {
	for i := range c.Projects {
		if c.Projects[i].Path == path {
			return &c.Projects[i]
		}
	}
	return nil
}

// RemoveProject deletes the entry with the given slug. Returns true if an
// entry was removed.
func (c *Config) RemoveProject(slug string) bool {
	for i := range c.Projects {
		if c.Projects[i].Slug == slug {
			c.Projects = append(c.Projects[:i], c.Projects[i+1:]...)
			return true
		}
	}
	return false
}
