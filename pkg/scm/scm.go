// Package scm defines the source-control driver contract the build engine
// fetches checkouts through, plus the git and url drivers. Drivers never
// error for "nothing to do": they report status and let the engine decide.
package scm

import (
	"context"
	"fmt"

	"github.com/bakebuild/bake/pkg/interp"
	"github.com/bakebuild/bake/pkg/recipe"
)

// Status of a working copy sub-path.
type Status string

const (
	StatusClean   Status = "clean"
	StatusUnclean Status = "unclean"
	StatusError   Status = "error"
	StatusEmpty   Status = "empty"
)

// Driver manages one checkout sub-path.
type Driver interface {
	// SubPath is the directory relative to the workspace root this driver
	// populates. Empty means the workspace root itself.
	SubPath() string

	// Digest is the long-term-stable spec string folded into the checkout
	// step's identity. Two drivers with equal digests produce equal content
	// when deterministic.
	Digest() string

	// IsDeterministic reports whether the spec pins an immutable reference.
	IsDeterministic() bool

	// Fetch creates or updates the sub-path under workspace.
	Fetch(ctx context.Context, workspace string) error

	// Switch reports whether the driver can update an existing working copy
	// in place from an older spec with the same digest-invariant parts
	// (e.g. same git url, different commit). A false return sends the old
	// content to the attic before Fetch runs.
	Switch(oldDigest string) bool

	// Status inspects an existing checkout.
	Status(workspace string) Status

	// PredictLiveID queries the remote for the identity Fetch would
	// produce, without local state. Empty string means unpredictable; the
	// error is reserved for hard failures.
	PredictLiveID(ctx context.Context) (string, error)

	// CalcLiveID derives the identity from an existing checkout. Empty
	// string means not calculable.
	CalcLiveID(workspace string) (string, error)
}

// FromSpec instantiates a driver for one checkoutSCM entry, substituting its
// string fields against env. A false guard returns (nil, nil).
func FromSpec(spec recipe.ScmSpec, env *interp.Env) (Driver, error) {
	ok, err := env.EvalCondition(spec.If)
	if err != nil {
		return nil, fmt.Errorf("checkoutSCM if: %w", err)
	}
	if !ok {
		return nil, nil
	}

	sub := func(prop, tpl string) (string, error) {
		if tpl == "" {
			return "", nil
		}
		return env.SubstituteProp("checkoutSCM "+prop, tpl)
	}
	url, err := sub("url", spec.URL)
	if err != nil {
		return nil, err
	}
	dir, err := sub("dir", spec.Dir)
	if err != nil {
		return nil, err
	}

	switch spec.Scm {
	case "git":
		commit, err := sub("commit", spec.Commit)
		if err != nil {
			return nil, err
		}
		tag, err := sub("tag", spec.Tag)
		if err != nil {
			return nil, err
		}
		branch, err := sub("branch", spec.Branch)
		if err != nil {
			return nil, err
		}
		return NewGitDriver(url, commit, tag, branch, dir), nil
	case "url":
		digest, err := sub("digestSHA256", spec.Digest)
		if err != nil {
			return nil, err
		}
		return NewURLDriver(url, digest, dir), nil
	default:
		return nil, fmt.Errorf("unknown scm type %q", spec.Scm)
	}
}
