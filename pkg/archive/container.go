// Package archive implements the binary artifact container format and the
// remote archive drivers that store and retrieve artifacts keyed by
// Build-Id.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FormatVersion tags every artifact; extraction fails closed on anything
// else.
const FormatVersion = "1"

const (
	entryVersion = "meta/version"
	entryAudit   = "meta/audit.json.gz"
	entryContent = "content"
)

// Audit is the provenance record embedded in every artifact: what was built,
// from which sources, against which dependency artifacts.
type Audit struct {
	ArtifactID string            `json:"artifact-id"`
	VariantID  string            `json:"variant-id"`
	Recipe     string            `json:"recipe"`
	Env        map[string]string `json:"env,omitempty"`
	SCMs       []string          `json:"scms,omitempty"`
	Depends    []string          `json:"depends,omitempty"`
	BuiltAt    time.Time         `json:"built-at"`
	Bake       string            `json:"bake"`
}

// Pack writes contentDir plus the audit record as a versioned artifact to w.
// Entries are emitted in sorted order with times zeroed so identical content
// packs identically.
func Pack(w io.Writer, contentDir string, audit *Audit) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	writeFile := func(name string, data []byte, mode int64) error {
		hdr := &tar.Header{Name: name, Mode: mode, Size: int64(len(data))}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(data)
		return err
	}

	if err := writeFile(entryVersion, []byte(FormatVersion+"\n"), 0o644); err != nil {
		return err
	}

	var auditBuf bytes.Buffer
	agz := gzip.NewWriter(&auditBuf)
	if err := json.NewEncoder(agz).Encode(audit); err != nil {
		return err
	}
	if err := agz.Close(); err != nil {
		return err
	}
	if err := writeFile(entryAudit, auditBuf.Bytes(), 0o644); err != nil {
		return err
	}

	if err := tw.WriteHeader(&tar.Header{Name: entryContent + "/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
		return err
	}

	var paths []string
	err := filepath.WalkDir(contentDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != contentDir {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(paths)

	for _, p := range paths {
		rel, err := filepath.Rel(contentDir, p)
		if err != nil {
			return err
		}
		info, err := os.Lstat(p)
		if err != nil {
			return err
		}
		name := entryContent + "/" + filepath.ToSlash(rel)
		switch {
		case info.IsDir():
			if err := tw.WriteHeader(&tar.Header{Name: name + "/", Typeflag: tar.TypeDir, Mode: int64(info.Mode().Perm())}); err != nil {
				return err
			}
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			if err := tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeSymlink, Linkname: link, Mode: 0o777}); err != nil {
				return err
			}
		case info.Mode().IsRegular():
			hdr := &tar.Header{Name: name, Mode: int64(info.Mode().Perm()), Size: info.Size()}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			if _, err := io.Copy(tw, f); err != nil {
				f.Close()
				return err
			}
			f.Close()
		default:
			return fmt.Errorf("cannot archive %s: unsupported file type", p)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// Unpack extracts an artifact into destDir and returns its audit record. It
// fails closed on an unrecognized format version, on any unrecognized
// top-level entry, and on hard links pointing outside content/.
func Unpack(r io.Reader, destDir string) (*Audit, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("not a bake artifact: %w", err)
	}
	tr := tar.NewReader(gz)

	var audit *Audit
	versionSeen := false

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := path.Clean(hdr.Name)

		switch {
		case name == entryVersion:
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, err
			}
			if v := strings.TrimSpace(string(data)); v != FormatVersion {
				return nil, fmt.Errorf("unsupported artifact format version %q", v)
			}
			versionSeen = true
		case name == entryAudit:
			agz, err := gzip.NewReader(tr)
			if err != nil {
				return nil, fmt.Errorf("corrupt audit record: %w", err)
			}
			audit = &Audit{}
			if err := json.NewDecoder(agz).Decode(audit); err != nil {
				return nil, fmt.Errorf("corrupt audit record: %w", err)
			}
		case name == "meta" || name == entryContent:
			// bare directory entries
		case strings.HasPrefix(name, entryContent+"/"):
			if !versionSeen {
				return nil, fmt.Errorf("artifact has no version marker before content")
			}
			if err := extractEntry(tr, hdr, name, destDir); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unrecognized artifact entry %q", hdr.Name)
		}
	}

	if !versionSeen {
		return nil, fmt.Errorf("artifact has no version marker")
	}
	if audit == nil {
		return nil, fmt.Errorf("artifact has no audit record")
	}
	return audit, nil
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, name, destDir string) error {
	rel := strings.TrimPrefix(name, entryContent+"/")
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return fmt.Errorf("artifact entry %q escapes content/", hdr.Name)
	}
	target := filepath.Join(destDir, filepath.FromSlash(rel))

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode).Perm())
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		linked := path.Clean(hdr.Linkname)
		if !strings.HasPrefix(linked, entryContent+"/") {
			return fmt.Errorf("hard link %q escapes content/", hdr.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Link(filepath.Join(destDir, filepath.FromSlash(strings.TrimPrefix(linked, entryContent+"/"))), target)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	default:
		return fmt.Errorf("artifact entry %q has unsupported type", hdr.Name)
	}
}
