package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bakebuild/bake/pkg/util/files"
)

// LocalDriver stores artifacts on a local (or network-mounted) filesystem.
type LocalDriver struct {
	root     string
	download bool
	upload   bool
	noFail   bool
}

type LocalOption func(*LocalDriver)

func LocalNoDownload() LocalOption { return func(d *LocalDriver) { d.download = false } }

func LocalNoUpload() LocalOption { return func(d *LocalDriver) { d.upload = false } }

func LocalNoFail() LocalOption { return func(d *LocalDriver) { d.noFail = true } }

func NewLocalDriver(root string, opts ...LocalOption) *LocalDriver {
	d := &LocalDriver{root: root, download: true, upload: true}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *LocalDriver) Name() string { return "local(" + d.root + ")" }

func (d *LocalDriver) CanDownload() bool { return d.download }

func (d *LocalDriver) CanUpload() bool { return d.upload }

func (d *LocalDriver) NoFail() bool { return d.noFail }

func (d *LocalDriver) path(buildID string) string {
	return filepath.Join(d.root, artifactRelPath(buildID))
}

func (d *LocalDriver) Fetch(_ context.Context, buildID, destPath string) (bool, error) {
	src := d.path(buildID)
	exists, err := files.Exists(src)
	if err != nil || !exists {
		return false, err
	}
	if err := files.CopyFile(src, destPath); err != nil {
		return false, err
	}
	return true, nil
}

func (d *LocalDriver) Store(_ context.Context, buildID, srcPath string) error {
	dest := d.path(buildID)
	exists, err := files.Exists(dest)
	if err != nil {
		return err
	}
	if exists {
		// first writer wins
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	// write under a temporary name, then publish atomically so a concurrent
	// reader never sees a partial artifact
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)
	if err := files.CopyFile(srcPath, tmpPath); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("publishing %s: %w", dest, err)
	}
	return nil
}

func (d *LocalDriver) GetMapping(_ context.Context, kind, key string) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(d.root, mappingRelPath(kind, key)))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func (d *LocalDriver) PutMapping(_ context.Context, kind, key, value string) error {
	path := filepath.Join(d.root, mappingRelPath(kind, key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return files.WriteFileAtomic(path, []byte(value), 0o644)
}
