package cook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bakebuild/bake/pkg/archive"
	"github.com/bakebuild/bake/pkg/errors"
	"github.com/bakebuild/bake/pkg/global"
	"github.com/bakebuild/bake/pkg/graph"
	"github.com/bakebuild/bake/pkg/scm"
	"github.com/bakebuild/bake/pkg/util"
	"github.com/bakebuild/bake/pkg/util/console"
	"github.com/bakebuild/bake/pkg/util/files"
)

func phaseDir(kind graph.StepKind) string {
	switch kind {
	case graph.KindCheckout:
		return "src"
	case graph.KindBuild:
		return "build"
	default:
		return "dist"
	}
}

// stepDir holds everything belonging to one step: the workspace, the
// generated script and the log. Develop mode fans build and package steps out
// into one directory per variant; checkouts are shared, they are keyed by
// their sources alone.
func (e *Executor) stepDir(step *graph.Step) string {
	dir := filepath.Join(e.root, e.opts.Destination, phaseDir(step.Kind()), step.Package().Name())
	if e.opts.BuildMode == ModeDevelop && step.Kind() != graph.KindCheckout {
		dir = filepath.Join(dir, step.VariantID()[:8])
	}
	return dir
}

func (e *Executor) wsPath(step *graph.Step) string {
	return filepath.Join(e.stepDir(step), "workspace")
}

func hashWorkspace(ws string) (string, error) {
	return util.SHA256HashDirectory(ws)
}

// checkoutComparisonKey folds the SCM spec digests and the script digest so
// any configuration change invalidates the stored state.
func checkoutComparisonKey(step *graph.Step) string {
	h := sha256.New()
	fmt.Fprintf(h, "bake-checkout\x00%s\x00", step.Script().DigestText())
	digests := make([]string, 0, len(step.ScmDrivers()))
	for _, d := range step.ScmDrivers() {
		digests = append(digests, d.SubPath()+"="+d.Digest())
	}
	sort.Strings(digests)
	for _, d := range digests {
		fmt.Fprintf(h, "%s\x00", d)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Executor) cookCheckout(ctx context.Context, step *graph.Step) (*stepResult, error) {
	name := step.Package().Name()
	ws := e.wsPath(step)
	key := checkoutComparisonKey(step)

	storedKey, err := e.state.GetDirectoryState(ws)
	if err != nil {
		return nil, err
	}
	wsExists, err := files.Exists(ws)
	if err != nil {
		return nil, err
	}

	// sub-paths whose working copy must go to the attic before fetching
	displaced := map[string]bool{}
	// sub-paths whose sources actually need fetching; a comparison-key change
	// from a script edit alone re-runs the script, not the fetches
	needsFetch := map[string]bool{}
	changed := e.opts.Force || storedKey != key || !wsExists

	for _, d := range step.ScmDrivers() {
		subDir := filepath.Join(ws, filepath.FromSlash(d.SubPath()))
		subExists, err := files.Exists(subDir)
		if err != nil {
			return nil, err
		}
		if !subExists {
			changed = true
			needsFetch[d.SubPath()] = true
			continue
		}

		if e.opts.Force {
			needsFetch[d.SubPath()] = true
		}
		if e.opts.CleanCheckout {
			switch d.Status(ws) {
			case scm.StatusUnclean, scm.StatusError:
				console.Infof("%s: %s is not clean, checking out again", name, d.SubPath())
				displaced[d.SubPath()] = true
				needsFetch[d.SubPath()] = true
				changed = true
			}
		}

		storedDigest, err := e.state.GetDirectoryState(subKey(ws, d.SubPath()))
		if err != nil {
			return nil, err
		}
		if storedDigest != d.Digest() {
			changed = true
			needsFetch[d.SubPath()] = true
			if storedDigest != "" && !d.Switch(storedDigest) {
				displaced[d.SubPath()] = true
			}
		}
	}

	// a fetch overwrites local modifications, so an unclean working copy is
	// displaced to the attic instead of silently discarded
	for _, d := range step.ScmDrivers() {
		if !needsFetch[d.SubPath()] || displaced[d.SubPath()] {
			continue
		}
		subDir := filepath.Join(ws, filepath.FromSlash(d.SubPath()))
		subExists, err := files.Exists(subDir)
		if err != nil {
			return nil, err
		}
		if subExists && d.Status(ws) == scm.StatusUnclean {
			console.Infof("%s: %s has local modifications", name, d.SubPath())
			displaced[d.SubPath()] = true
		}
	}

	if !changed {
		// sources may have been hand-edited, so the result is re-hashed even
		// when the checkout itself is skipped
		hash, err := hashWorkspace(ws)
		if err != nil {
			return nil, err
		}
		if err := e.state.SetResultHash(ws, hash); err != nil {
			return nil, err
		}
		console.Debugf("%s: checkout unchanged", name)
		e.count(func(s *Stats) { s.Skipped++ })
		return &stepResult{resultHash: hash, action: actionSkipped}, nil
	}

	for sub := range displaced {
		if err := e.moveToAttic(filepath.Join(ws, filepath.FromSlash(sub))); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return nil, err
	}

	for _, d := range step.ScmDrivers() {
		if !needsFetch[d.SubPath()] {
			continue
		}
		console.Infof("%s: fetching %s", name, d.SubPath())
		if err := d.Fetch(ctx, ws); err != nil {
			return nil, errors.BuildFailed(fmt.Sprintf("%s: checkout of %s: %s", name, d.SubPath(), err))
		}
	}
	if step.Script().IsSet() {
		if err := e.runScript(ctx, step, nil); err != nil {
			return nil, err
		}
	}

	for _, d := range step.ScmDrivers() {
		if err := e.state.SetDirectoryState(subKey(ws, d.SubPath()), d.Digest()); err != nil {
			return nil, err
		}
	}
	hash, err := hashWorkspace(ws)
	if err != nil {
		return nil, err
	}
	if err := e.state.SetDirectoryState(ws, key); err != nil {
		return nil, err
	}
	if err := e.state.SetResultHash(ws, hash); err != nil {
		return nil, err
	}
	e.count(func(s *Stats) { s.Executed++ })
	return &stepResult{resultHash: hash, action: actionExecuted}, nil
}

func subKey(ws, subPath string) string {
	return ws + "//" + subPath
}

// buildComparisonKey adds the literal argument workspace paths to the
// Variant-Id: reusing a directory across develop-mode variants must force a
// rebuild even when the Variant-Id is unchanged.
func (e *Executor) buildComparisonKey(step *graph.Step) string {
	parts := []string{step.VariantID()}
	for _, arg := range step.Args() {
		parts = append(parts, e.wsPath(arg))
	}
	return strings.Join(parts, "\x00")
}

func (e *Executor) cookBuild(ctx context.Context, step *graph.Step) (*stepResult, error) {
	inputs, err := e.cookArgs(ctx, step)
	if err != nil {
		return nil, err
	}
	return e.runPhase(ctx, step, e.buildComparisonKey(step), inputs)
}

func (e *Executor) cookPackage(ctx context.Context, step *graph.Step) (*stepResult, error) {
	ws := e.wsPath(step)
	buildID, hasBuildID := step.BuildID()

	if e.downloadWanted(step.Package()) {
		id := buildID
		if !hasBuildID {
			id = e.predictArtifactID(ctx, step)
		}
		if id != "" {
			res, err := e.tryDownload(ctx, step, ws, id)
			if err != nil || res != nil {
				return res, err
			}
			if e.opts.Download == DownloadForced {
				return nil, errors.BuildFailed(fmt.Sprintf(
					"%s: artifact %s not found in any archive and downloads are forced",
					step.Package().Name(), id[:16]))
			}
		}
	}

	inputs, err := e.cookArgs(ctx, step)
	if err != nil {
		return nil, err
	}
	res, err := e.runPhase(ctx, step, step.VariantID(), inputs)
	if err != nil {
		return nil, err
	}

	if res.action == actionExecuted && e.opts.Upload && e.archive != nil && e.archive.CanUpload() {
		if err := e.uploadPackage(ctx, step, ws, res, buildID, hasBuildID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// predictArtifactID resolves a package with moving checkout sources to an
// archived artifact: every source is asked for its live head, the resulting
// live Build-Id is looked up in the archives' live-identity mapping.
func (e *Executor) predictArtifactID(ctx context.Context, step *graph.Step) string {
	liveID, ok, err := step.LiveBuildID(func(_ *graph.Step, d scm.Driver) (string, error) {
		return d.PredictLiveID(ctx)
	})
	if err != nil {
		console.Warnf("%s: live identity prediction failed: %s", step.Package().Name(), err)
		return ""
	}
	if !ok {
		return ""
	}
	id, found, err := e.archive.GetMapping(ctx, archive.MappingLiveID, liveID)
	if err != nil || !found {
		return ""
	}
	console.Debugf("%s: live identity %s maps to artifact %s", step.Package().Name(), liveID[:16], id[:16])
	return id
}

// uploadPackage publishes an executed package result. Deterministic packages
// go out under their Build-Id; packages with moving sources go out under
// their content hash, registered in the live-identity mapping so other
// workspaces find them while the sources' heads stay put.
func (e *Executor) uploadPackage(ctx context.Context, step *graph.Step, ws string, res *stepResult, buildID string, hasBuildID bool) error {
	if hasBuildID {
		if err := e.archive.UploadPackage(ctx, buildID, ws, e.buildAudit(step, buildID)); err != nil {
			return err
		}
		e.count(func(s *Stats) { s.Uploaded++ })
		return nil
	}
	if e.opts.BuildMode == ModeRelease {
		// release results carry a timestamp, not a content hash; there is
		// nothing stable to address the artifact by
		return nil
	}

	liveID, ok, err := step.LiveBuildID(func(checkout *graph.Step, d scm.Driver) (string, error) {
		return d.CalcLiveID(e.wsPath(checkout))
	})
	if err != nil || !ok {
		return err
	}
	artifactID := res.resultHash
	if err := e.archive.UploadPackage(ctx, artifactID, ws, e.buildAudit(step, artifactID)); err != nil {
		return err
	}
	e.archive.PutMapping(ctx, archive.MappingLiveID, liveID, artifactID)
	e.count(func(s *Stats) { s.Uploaded++ })
	return nil
}

func (e *Executor) downloadWanted(pkg *graph.Package) bool {
	if e.archive == nil || !e.archive.CanDownload() {
		return false
	}
	switch e.opts.Download {
	case DownloadYes, DownloadForced:
		return true
	case DownloadDeps:
		e.mu.Lock()
		isRoot := e.roots[pkg]
		e.mu.Unlock()
		return !isRoot
	default:
		return false
	}
}

// tryDownload returns a non-nil result when the step is satisfied by a
// previously recorded download or a fresh archive hit; (nil, nil) means fall
// through to building.
func (e *Executor) tryDownload(ctx context.Context, step *graph.Step, ws, buildID string) (*stepResult, error) {
	prev, err := e.state.GetDownloadedBuildID(ws)
	if err != nil {
		return nil, err
	}
	if prev == buildID && !e.opts.Force {
		hash, err := e.state.GetResultHash(ws)
		if err != nil {
			return nil, err
		}
		if hash != "" {
			console.Debugf("%s: artifact %s already downloaded", step.Package().Name(), buildID[:16])
			e.count(func(s *Stats) { s.Skipped++ })
			return &stepResult{resultHash: hash, action: actionSkipped}, nil
		}
	}

	// stage the download next to the workspace so a miss or a failure never
	// destroys existing content
	staging := ws + ".download"
	if err := os.RemoveAll(staging); err != nil {
		return nil, err
	}
	_, found, err := e.archive.DownloadPackage(ctx, buildID, staging)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if err := os.RemoveAll(ws); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(ws), 0o755); err != nil {
		return nil, err
	}
	if err := os.Rename(staging, ws); err != nil {
		return nil, err
	}

	hash, err := hashWorkspace(ws)
	if err != nil {
		return nil, err
	}
	for _, set := range []error{
		e.state.SetDownloadedBuildID(ws, buildID),
		e.state.SetVariantID(ws, step.VariantID()),
		e.state.SetDirectoryState(ws, step.VariantID()),
		e.state.SetResultHash(ws, hash),
	} {
		if set != nil {
			return nil, set
		}
	}
	e.count(func(s *Stats) { s.Downloaded++ })
	return &stepResult{resultHash: hash, action: actionDownloaded}, nil
}

// runPhase is the shared build/package state machine: compare the stored key
// and input hashes, skip on a match, otherwise prune stale workspaces, run
// the script and persist the new state.
func (e *Executor) runPhase(ctx context.Context, step *graph.Step, key string, inputs []string) (*stepResult, error) {
	name := step.Package().Name()
	ws := e.wsPath(step)

	storedKey, err := e.state.GetDirectoryState(ws)
	if err != nil {
		return nil, err
	}
	storedInputs, err := e.state.GetInputHashes(ws)
	if err != nil {
		return nil, err
	}
	storedHash, err := e.state.GetResultHash(ws)
	if err != nil {
		return nil, err
	}
	wsExists, err := files.Exists(ws)
	if err != nil {
		return nil, err
	}

	if !e.opts.Force && wsExists && storedHash != "" && storedKey == key && equalInputs(storedInputs, inputs) {
		console.Debugf("%s: %s unchanged", name, step.Kind())
		e.count(func(s *Stats) { s.Skipped++ })
		return &stepResult{resultHash: storedHash, action: actionSkipped}, nil
	}

	if wsExists {
		storedVariant, err := e.state.GetVariantID(ws)
		if err != nil {
			return nil, err
		}
		if storedVariant != step.VariantID() {
			// a different recipe outcome is expected: stale output must not
			// leak into the new result
			console.Debugf("%s: pruning %s workspace, variant changed", name, step.Kind())
			if err := os.RemoveAll(ws); err != nil {
				return nil, err
			}
			if err := e.state.Forget(ws); err != nil {
				return nil, err
			}
		}
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return nil, err
	}

	if step.Script().IsSet() {
		if err := e.pool.Acquire(ctx); err != nil {
			return nil, err
		}
		console.Infof("%s: running %s script", name, step.Kind())
		err := e.runScript(ctx, step, step.Args())
		e.pool.Release()
		if err != nil {
			return nil, err
		}
	}

	hash, err := e.resultHashFor(ws)
	if err != nil {
		return nil, err
	}
	for _, set := range []error{
		e.state.SetInputHashes(ws, inputs),
		e.state.SetVariantID(ws, step.VariantID()),
		e.state.SetDirectoryState(ws, key),
		e.state.SetResultHash(ws, hash),
		e.state.SetDownloadedBuildID(ws, ""),
	} {
		if set != nil {
			return nil, set
		}
	}
	e.count(func(s *Stats) { s.Executed++ })
	return &stepResult{resultHash: hash, action: actionExecuted}, nil
}

func equalInputs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// moveToAttic displaces path into a uniquely named backup instead of deleting
// it, then drops its recorded state. With no attic configured the content is
// removed.
func (e *Executor) moveToAttic(path string) error {
	exists, err := files.Exists(path)
	if err != nil || !exists {
		return err
	}
	defer e.state.Forget(path)

	if e.opts.AtticDir == "" {
		console.Warnf("removing %s (attic disabled)", path)
		return os.RemoveAll(path)
	}
	if err := os.MkdirAll(e.opts.AtticDir, 0o755); err != nil {
		return err
	}
	base := time.Now().Format("2006-01-02_15-04-05") + "_" + filepath.Base(path)
	dest := filepath.Join(e.opts.AtticDir, base)
	for i := 1; ; i++ {
		exists, err := files.Exists(dest)
		if err != nil {
			return err
		}
		if !exists {
			break
		}
		dest = filepath.Join(e.opts.AtticDir, fmt.Sprintf("%s.%d", base, i))
	}
	console.Warnf("moving %s to attic: %s", path, dest)
	return files.MoveDir(path, dest)
}

// buildAudit assembles the provenance record embedded in an uploaded
// artifact.
func (e *Executor) buildAudit(step *graph.Step, buildID string) *archive.Audit {
	pkg := step.Package()
	audit := &archive.Audit{
		ArtifactID: buildID,
		VariantID:  step.VariantID(),
		Recipe:     pkg.Name(),
		Env:        step.IdentityEnv(),
		BuiltAt:    time.Now().UTC(),
		Bake:       global.Version,
	}
	for _, d := range pkg.CheckoutStep().ScmDrivers() {
		audit.SCMs = append(audit.SCMs, d.Digest())
	}
	for _, arg := range pkg.BuildStep().Args() {
		if arg.Package() == pkg {
			continue
		}
		if id, ok := arg.BuildID(); ok {
			audit.Depends = append(audit.Depends, id)
		} else {
			audit.Depends = append(audit.Depends, "variant:"+arg.VariantID())
		}
	}
	return audit
}
