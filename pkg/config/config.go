// Package config loads the per-project user configuration (config.yaml at
// the project root) and locates the project root itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"

	"github.com/bakebuild/bake/pkg/global"
	"github.com/bakebuild/bake/pkg/util/files"
)

// ArchiveBackend configures one artifact archive.
type ArchiveBackend struct {
	// Backend is "file" or "s3".
	Backend string `yaml:"backend"`

	// Path is the root directory of a file backend. "~" expands.
	Path string `yaml:"path"`

	// S3 settings.
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`

	// Flags: nofail, nodownload, noupload.
	Flags []string `yaml:"flags"`
}

func (b ArchiveBackend) HasFlag(name string) bool {
	for _, f := range b.Flags {
		if f == name {
			return true
		}
	}
	return false
}

// Config is the user configuration, all fields optional.
type Config struct {
	Archive     []ArchiveBackend  `yaml:"archive"`
	Environment map[string]string `yaml:"environment"`
	Attic       string            `yaml:"attic"`
}

// FindProjectRoot walks up from startDir until it finds a directory holding
// a recipes/ tree or a config.yaml.
func FindProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		for _, marker := range []string{global.RecipesDir, global.ConfigFilename} {
			exists, err := files.Exists(filepath.Join(dir, marker))
			if err != nil {
				return "", err
			}
			if exists {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found in %s or any parent directory", global.RecipesDir, startDir)
		}
		dir = parent
	}
}

// Load reads config.yaml from the project root. A missing file yields an
// empty configuration.
func Load(projectRoot string) (*Config, error) {
	cfg := &Config{}
	path := filepath.Join(projectRoot, global.ConfigFilename)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if cfg.Attic != "" {
		if cfg.Attic, err = homedir.Expand(cfg.Attic); err != nil {
			return nil, fmt.Errorf("%s: attic: %w", path, err)
		}
	}
	for i := range cfg.Archive {
		b := &cfg.Archive[i]
		switch b.Backend {
		case "file":
			if b.Path == "" {
				return nil, fmt.Errorf("%s: file archive needs a path", path)
			}
			if b.Path, err = homedir.Expand(b.Path); err != nil {
				return nil, fmt.Errorf("%s: archive path: %w", path, err)
			}
		case "s3":
			if b.Bucket == "" {
				return nil, fmt.Errorf("%s: s3 archive needs a bucket", path)
			}
		default:
			return nil, fmt.Errorf("%s: unknown archive backend %q", path, b.Backend)
		}
	}
	return cfg, nil
}

// AtticDir returns the configured attic, defaulting to <root>/attic.
func (c *Config) AtticDir(projectRoot string) string {
	if c.Attic != "" {
		return c.Attic
	}
	return filepath.Join(projectRoot, "attic")
}
