package cook

import (
	"github.com/bakebuild/bake/pkg/graph"
	"github.com/bakebuild/bake/pkg/util/files"
)

// PhaseStatus is one workspace compared against the state store.
type PhaseStatus struct {
	Package string
	Kind    graph.StepKind
	Path    string

	// State is "clean", "stale" or "missing".
	State string
}

// Status walks the graph below root, dependencies first, and reports every
// workspace without executing anything. A workspace is stale when its stored
// comparison key no longer matches the resolved step.
func (e *Executor) Status(root *graph.Package) ([]PhaseStatus, error) {
	var out []PhaseStatus
	seen := map[*graph.Package]bool{}

	var walk func(pkg *graph.Package) error
	walk = func(pkg *graph.Package) error {
		if seen[pkg] {
			return nil
		}
		seen[pkg] = true

		for _, dep := range pkg.BuildStep().Args() {
			if dep.Package() != pkg {
				if err := walk(dep.Package()); err != nil {
					return err
				}
			}
		}

		for _, step := range []*graph.Step{pkg.CheckoutStep(), pkg.BuildStep(), pkg.PackageStep()} {
			if !step.IsValid() {
				continue
			}
			key := step.VariantID()
			switch step.Kind() {
			case graph.KindCheckout:
				key = checkoutComparisonKey(step)
			case graph.KindBuild:
				key = e.buildComparisonKey(step)
			}
			s, err := e.phaseStatus(step, key)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Executor) phaseStatus(step *graph.Step, key string) (PhaseStatus, error) {
	ws := e.wsPath(step)
	s := PhaseStatus{
		Package: step.Package().Name(),
		Kind:    step.Kind(),
		Path:    ws,
	}

	exists, err := files.Exists(ws)
	if err != nil {
		return s, err
	}
	if !exists {
		s.State = "missing"
		return s, nil
	}

	storedKey, err := e.state.GetDirectoryState(ws)
	if err != nil {
		return s, err
	}
	storedHash, err := e.state.GetResultHash(ws)
	if err != nil {
		return s, err
	}
	if storedKey != key || storedHash == "" {
		s.State = "stale"
	} else {
		s.State = "clean"
	}
	return s, nil
}
