package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func makeContentDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "app"), []byte("#!/bin/sh\necho hi\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Symlink("bin/app", filepath.Join(dir, "app")))
	return dir
}

func testAudit() *Audit {
	return &Audit{
		ArtifactID: "abc123",
		VariantID:  "def456",
		Recipe:     "app",
		Env:        map[string]string{"CC": "gcc"},
		SCMs:       []string{"git url=https://example.com/app.git commit=0000000000000000000000000000000000000000"},
		BuiltAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Bake:       "1.0.0",
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	src := makeContentDir(t)

	var buf bytes.Buffer
	require.NoError(t, Pack(&buf, src, testAudit()))

	dest := t.TempDir()
	audit, err := Unpack(bytes.NewReader(buf.Bytes()), dest)
	require.NoError(t, err)
	require.Equal(t, testAudit(), audit)

	data, err := os.ReadFile(filepath.Join(dest, "bin", "app"))
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\necho hi\n", string(data))

	data, err = os.ReadFile(filepath.Join(dest, "readme.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	link, err := os.Readlink(filepath.Join(dest, "app"))
	require.NoError(t, err)
	require.Equal(t, "bin/app", link)

	info, err := os.Stat(filepath.Join(dest, "bin", "app"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestPackIsDeterministic(t *testing.T) {
	src := makeContentDir(t)

	var a, b bytes.Buffer
	require.NoError(t, Pack(&a, src, testAudit()))
	require.NoError(t, Pack(&b, src, testAudit()))
	require.Equal(t, a.Bytes(), b.Bytes())
}

// writeArtifact builds a raw artifact from explicit entries so the
// fail-closed paths can be exercised.
func writeArtifact(t *testing.T, entries []*tar.Header, bodies map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, hdr := range entries {
		body := bodies[hdr.Name]
		hdr.Size = int64(len(body))
		require.NoError(t, tw.WriteHeader(hdr))
		if len(body) > 0 {
			_, err := tw.Write(body)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func auditBody(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(`{"artifact-id":"a","variant-id":"v","recipe":"r","built-at":"2025-06-01T12:00:00Z","bake":"1.0.0"}`))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestUnpackRejectsUnknownVersion(t *testing.T) {
	raw := writeArtifact(t, []*tar.Header{
		{Name: "meta/version", Mode: 0o644},
		{Name: "meta/audit.json.gz", Mode: 0o644},
	}, map[string][]byte{
		"meta/version":       []byte("99\n"),
		"meta/audit.json.gz": auditBody(t),
	})
	_, err := Unpack(bytes.NewReader(raw), t.TempDir())
	require.ErrorContains(t, err, "unsupported artifact format version")
}

func TestUnpackRejectsUnknownEntry(t *testing.T) {
	raw := writeArtifact(t, []*tar.Header{
		{Name: "meta/version", Mode: 0o644},
		{Name: "meta/audit.json.gz", Mode: 0o644},
		{Name: "extra/surprise", Mode: 0o644},
	}, map[string][]byte{
		"meta/version":       []byte(FormatVersion + "\n"),
		"meta/audit.json.gz": auditBody(t),
		"extra/surprise":     []byte("x"),
	})
	_, err := Unpack(bytes.NewReader(raw), t.TempDir())
	require.ErrorContains(t, err, "unrecognized artifact entry")
}

func TestUnpackRejectsContentBeforeVersion(t *testing.T) {
	raw := writeArtifact(t, []*tar.Header{
		{Name: "content/file", Mode: 0o644},
		{Name: "meta/version", Mode: 0o644},
		{Name: "meta/audit.json.gz", Mode: 0o644},
	}, map[string][]byte{
		"content/file":       []byte("x"),
		"meta/version":       []byte(FormatVersion + "\n"),
		"meta/audit.json.gz": auditBody(t),
	})
	_, err := Unpack(bytes.NewReader(raw), t.TempDir())
	require.ErrorContains(t, err, "no version marker before content")
}

func TestUnpackRejectsMissingAudit(t *testing.T) {
	raw := writeArtifact(t, []*tar.Header{
		{Name: "meta/version", Mode: 0o644},
	}, map[string][]byte{
		"meta/version": []byte(FormatVersion + "\n"),
	})
	_, err := Unpack(bytes.NewReader(raw), t.TempDir())
	require.ErrorContains(t, err, "no audit record")
}

func TestUnpackRejectsEscapingHardLink(t *testing.T) {
	raw := writeArtifact(t, []*tar.Header{
		{Name: "meta/version", Mode: 0o644},
		{Name: "meta/audit.json.gz", Mode: 0o644},
		{Name: "content/link", Typeflag: tar.TypeLink, Linkname: "../../etc/passwd", Mode: 0o644},
	}, map[string][]byte{
		"meta/version":       []byte(FormatVersion + "\n"),
		"meta/audit.json.gz": auditBody(t),
	})
	_, err := Unpack(bytes.NewReader(raw), t.TempDir())
	require.ErrorContains(t, err, "escapes content/")
}

func TestUnpackRejectsEscapingPath(t *testing.T) {
	raw := writeArtifact(t, []*tar.Header{
		{Name: "meta/version", Mode: 0o644},
		{Name: "meta/audit.json.gz", Mode: 0o644},
		{Name: "content/../../evil", Mode: 0o644},
	}, map[string][]byte{
		"meta/version":       []byte(FormatVersion + "\n"),
		"meta/audit.json.gz": auditBody(t),
		"content/../../evil": []byte("x"),
	})
	_, err := Unpack(bytes.NewReader(raw), t.TempDir())
	require.Error(t, err)
}

func TestUnpackNotAnArchive(t *testing.T) {
	_, err := Unpack(bytes.NewReader([]byte("plain text")), t.TempDir())
	require.ErrorContains(t, err, "not a bake artifact")
}
