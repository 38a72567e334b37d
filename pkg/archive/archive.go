package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bakebuild/bake/pkg/util/console"
)

// Mapping kinds stored next to artifacts. Live-identity mappings memoize the
// relation between a package's live Build-Id (moving sources resolved to
// their current heads) and the artifact that resulted from building it.
const (
	MappingLiveID = "liveid"
)

// Driver stores and retrieves raw artifact files keyed by Build-Id. A false
// "found" return is a soft miss and never fatal by itself; upload semantics
// are first-writer-wins (an existing artifact at the same key is a silent
// success, never overwritten).
type Driver interface {
	Name() string
	CanDownload() bool
	CanUpload() bool

	// NoFail downgrades upload errors on this driver to warnings.
	NoFail() bool

	// Fetch retrieves the artifact for buildID into destPath.
	Fetch(ctx context.Context, buildID, destPath string) (bool, error)

	// Store publishes srcPath under buildID. The artifact must never be
	// observable half-written: write to a temporary key, then publish
	// atomically.
	Store(ctx context.Context, buildID, srcPath string) error

	GetMapping(ctx context.Context, kind, key string) (string, bool, error)
	PutMapping(ctx context.Context, kind, key, value string) error
}

// Composite fans out across drivers: download tries each in order and
// mirrors remote hits into earlier local drivers; upload fans out to every
// upload-capable driver.
type Composite struct {
	drivers []Driver
}

func NewComposite(drivers ...Driver) *Composite {
	return &Composite{drivers: drivers}
}

// CanDownload reports whether any driver can serve downloads.
func (c *Composite) CanDownload() bool {
	for _, d := range c.drivers {
		if d.CanDownload() {
			return true
		}
	}
	return false
}

// CanUpload reports whether any driver accepts uploads.
func (c *Composite) CanUpload() bool {
	for _, d := range c.drivers {
		if d.CanUpload() {
			return true
		}
	}
	return false
}

// DownloadPackage extracts the artifact for buildID into workspace. Driver
// failures are soft: logged and treated as a miss.
func (c *Composite) DownloadPackage(ctx context.Context, buildID, workspace string) (*Audit, bool, error) {
	tmp, err := os.CreateTemp("", "bake-artifact-*.tgz")
	if err != nil {
		return nil, false, err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	for i, d := range c.drivers {
		if !d.CanDownload() {
			continue
		}
		found, err := d.Fetch(ctx, buildID, tmpPath)
		if err != nil {
			console.Warnf("archive %s: download of %s failed: %s", d.Name(), buildID, err)
			continue
		}
		if !found {
			continue
		}

		// mirror a remote hit into the faster drivers tried before it
		for _, mirror := range c.drivers[:i] {
			if !mirror.CanUpload() {
				continue
			}
			if err := mirror.Store(ctx, buildID, tmpPath); err != nil {
				console.Warnf("archive %s: mirroring %s failed: %s", mirror.Name(), buildID, err)
			}
		}

		f, err := os.Open(tmpPath)
		if err != nil {
			return nil, false, err
		}
		defer f.Close()
		if err := os.MkdirAll(workspace, 0o755); err != nil {
			return nil, false, err
		}
		audit, err := Unpack(f, workspace)
		if err != nil {
			// a corrupt artifact is a hard error: falling through would
			// leave a half-extracted workspace
			return nil, false, fmt.Errorf("archive %s: artifact %s: %w", d.Name(), buildID, err)
		}
		console.Infof("downloaded %s from archive %s", buildID[:16], d.Name())
		return audit, true, nil
	}
	return nil, false, nil
}

// UploadPackage packs contentDir once and stores it on every upload-capable
// driver. Upload failures are fatal unless the driver is marked no-fail.
func (c *Composite) UploadPackage(ctx context.Context, buildID, contentDir string, audit *Audit) error {
	if !c.CanUpload() {
		return nil
	}

	tmp, err := os.CreateTemp("", "bake-artifact-*.tgz")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := Pack(tmp, contentDir, audit); err != nil {
		tmp.Close()
		return fmt.Errorf("packing artifact %s: %w", buildID, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	for _, d := range c.drivers {
		if !d.CanUpload() {
			continue
		}
		if err := d.Store(ctx, buildID, tmpPath); err != nil {
			if d.NoFail() {
				console.Warnf("archive %s: upload of %s failed (ignored): %s", d.Name(), buildID, err)
				continue
			}
			return fmt.Errorf("archive %s: upload of %s: %w", d.Name(), buildID, err)
		}
		console.Debugf("uploaded %s to archive %s", buildID[:16], d.Name())
	}
	return nil
}

// GetMapping queries drivers in order; the first hit wins.
func (c *Composite) GetMapping(ctx context.Context, kind, key string) (string, bool, error) {
	for _, d := range c.drivers {
		if !d.CanDownload() {
			continue
		}
		v, found, err := d.GetMapping(ctx, kind, key)
		if err != nil {
			console.Warnf("archive %s: mapping lookup failed: %s", d.Name(), err)
			continue
		}
		if found {
			return v, true, nil
		}
	}
	return "", false, nil
}

// PutMapping stores the mapping on every upload-capable driver,
// best-effort.
func (c *Composite) PutMapping(ctx context.Context, kind, key, value string) {
	for _, d := range c.drivers {
		if !d.CanUpload() {
			continue
		}
		if err := d.PutMapping(ctx, kind, key, value); err != nil {
			console.Warnf("archive %s: mapping upload failed: %s", d.Name(), err)
		}
	}
}

// artifactRelPath shards artifacts by the first hash byte, the layout both
// the local driver and remote prefixes use.
func artifactRelPath(buildID string) string {
	return filepath.Join(buildID[:2], buildID[2:]+"-1.tgz")
}

func mappingRelPath(kind, key string) string {
	return filepath.Join("meta", kind, key)
}
