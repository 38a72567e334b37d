package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/bakebuild/bake/pkg/global"
	"github.com/bakebuild/bake/pkg/scm"
)

// VariantID is the content hash of a step's expected inputs: digest script,
// pinned environment, resolved tools, sandbox (when it affects results),
// checkout sources and the Variant-Ids of its arguments. Stable across
// process runs for identical inputs; memoized per step.
//
// Argument and SCM contributions are folded as sorted sets, so dependency
// declaration order does not affect the hash.
func (s *Step) VariantID() string {
	if s.variantID == "" {
		s.variantID = s.hashIdentity(false)
	}
	return s.variantID
}

// BuildID is the same recursive hash computed in deterministic mode: the
// sandbox is always folded in and every transitive input must itself have a
// Build-Id. Present only when the step's result is fully determined by its
// spec; equal Build-Ids imply byte-identical results.
func (s *Step) BuildID() (string, bool) {
	if !s.buildIDDone {
		s.buildID, s.buildIDPresent = s.computeBuildID()
		s.buildIDDone = true
	}
	return s.buildID, s.buildIDPresent
}

func (s *Step) computeBuildID() (string, bool) {
	if s.kind == KindCheckout {
		for _, d := range s.scms {
			if !d.IsDeterministic() {
				return "", false
			}
		}
	}
	for _, nt := range s.Tools() {
		if _, ok := nt.Tool.Step.BuildID(); !ok {
			return "", false
		}
	}
	if s.sandbox != nil {
		if _, ok := s.sandbox.Step.BuildID(); !ok {
			return "", false
		}
	}
	for _, arg := range s.args {
		if _, ok := arg.BuildID(); !ok {
			return "", false
		}
	}
	return s.hashIdentity(true), true
}

// hashIdentity folds the step's inputs. In deterministic mode arguments,
// tools and the sandbox contribute their Build-Ids (the caller has already
// established those exist); otherwise their Variant-Ids.
func (s *Step) hashIdentity(deterministic bool) string {
	return s.foldIdentity(
		func(d scm.Driver) string { return d.Digest() },
		func(in *Step) string { return s.inputID(in, deterministic) },
		deterministic || sandboxAffectsIdentity,
	)
}

// foldIdentity is the shared hash core: scmDigest and inputID supply the
// contribution of each checkout source and input step.
func (s *Step) foldIdentity(scmDigest func(scm.Driver) string, inputID func(*Step) string, includeSandbox bool) string {
	h := sha256.New()

	fmt.Fprintf(h, "%s\x00%s\x00", global.IdentitySalt, s.kind)
	fmt.Fprintf(h, "script\x00%s\x00", s.script.DigestText())

	keys := make([]string, 0, len(s.identityEnv))
	for k := range s.identityEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "env\x00%s\x00%s\x00", k, s.identityEnv[k])
	}

	for _, nt := range s.Tools() {
		fmt.Fprintf(h, "tool\x00%s\x00%s\x00%s\x00%s\x00",
			nt.Name, inputID(nt.Tool.Step), nt.Tool.Path, strings.Join(nt.Tool.Libs, ":"))
	}

	if s.sandbox != nil && includeSandbox {
		fmt.Fprintf(h, "sandbox\x00%s\x00%s\x00",
			inputID(s.sandbox.Step), strings.Join(s.sandbox.Paths, ":"))
	}

	if s.kind == KindCheckout {
		digests := make([]string, 0, len(s.scms))
		for _, d := range s.scms {
			digests = append(digests, scmDigest(d))
		}
		sort.Strings(digests)
		for _, d := range digests {
			fmt.Fprintf(h, "scm\x00%s\x00", d)
		}
	}

	argIDs := make([]string, 0, len(s.args))
	for _, arg := range s.args {
		argIDs = append(argIDs, inputID(arg))
	}
	sort.Strings(argIDs)
	for _, id := range argIDs {
		fmt.Fprintf(h, "arg\x00%s\x00", id)
	}

	return hex.EncodeToString(h.Sum(nil))
}

func (s *Step) inputID(input *Step, deterministic bool) string {
	if deterministic {
		id, ok := input.BuildID()
		if !ok {
			// computeBuildID checks all inputs before hashing
			panic("deterministic hash requested for step without Build-Id")
		}
		return id
	}
	return input.VariantID()
}

// sandboxAffectsIdentity controls whether the sandbox is folded into
// Variant-Ids. Build-Ids always include it. Kept as a package toggle so a
// workspace can opt into sandbox-invariant local caching.
var sandboxAffectsIdentity = true

// SetSandboxInvariant makes Variant-Ids independent of the sandbox, for
// workspaces that treat the sandbox as reproducibility plumbing only.
func SetSandboxInvariant(invariant bool) {
	sandboxAffectsIdentity = !invariant
}

// LiveBuildID is BuildID with every non-deterministic checkout source
// resolved through liveID: a remote head query before downloading, the
// checked-out revision after building. The second return is false when any
// source stays unresolvable; the callback's checkout argument is the step
// owning the source, so callers can locate its workspace.
func (s *Step) LiveBuildID(liveID func(checkout *Step, d scm.Driver) (string, error)) (string, bool, error) {
	return s.liveBuildID(liveID, map[*Step]string{})
}

func (s *Step) liveBuildID(liveID func(*Step, scm.Driver) (string, error), memo map[*Step]string) (string, bool, error) {
	if id, ok := s.BuildID(); ok {
		return id, true, nil
	}
	if id, done := memo[s]; done {
		return id, id != "", nil
	}

	live := map[scm.Driver]string{}
	if s.kind == KindCheckout {
		for _, d := range s.scms {
			if d.IsDeterministic() {
				continue
			}
			id, err := liveID(s, d)
			if err != nil {
				return "", false, err
			}
			if id == "" {
				memo[s] = ""
				return "", false, nil
			}
			live[d] = id
		}
	}

	inputs := map[*Step]string{}
	resolve := func(in *Step) (bool, error) {
		id, ok, err := in.liveBuildID(liveID, memo)
		if err != nil || !ok {
			memo[s] = ""
			return false, err
		}
		inputs[in] = id
		return true, nil
	}
	for _, nt := range s.Tools() {
		if ok, err := resolve(nt.Tool.Step); !ok {
			return "", false, err
		}
	}
	if s.sandbox != nil {
		if ok, err := resolve(s.sandbox.Step); !ok {
			return "", false, err
		}
	}
	for _, arg := range s.args {
		if ok, err := resolve(arg); !ok {
			return "", false, err
		}
	}

	id := s.foldIdentity(
		func(d scm.Driver) string {
			if lid, ok := live[d]; ok {
				return d.Digest() + " live=" + lid
			}
			return d.Digest()
		},
		func(in *Step) string { return inputs[in] },
		true,
	)
	memo[s] = id
	return id, true, nil
}
