package cli

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bakebuild/bake/pkg/cook"
	"github.com/bakebuild/bake/pkg/errors"
	"github.com/bakebuild/bake/pkg/global"
	"github.com/bakebuild/bake/pkg/util/console"
)

// enumFlag is a pflag.Value constrained to a fixed set of words.
type enumFlag struct {
	value   string
	allowed []string
}

func newEnumFlag(def string, allowed ...string) *enumFlag {
	return &enumFlag{value: def, allowed: allowed}
}

func (e *enumFlag) String() string { return e.value }
func (e *enumFlag) Type() string   { return "string" }

func (e *enumFlag) Set(v string) error {
	for _, a := range e.allowed {
		if v == a {
			e.value = v
			return nil
		}
	}
	return errors.Parse("must be one of: " + strings.Join(e.allowed, ", "))
}

var _ pflag.Value = (*enumFlag)(nil)

var buildDestination string
var buildJobs int
var buildForce bool
var buildNoDeps bool
var buildCheckoutOnly bool
var buildMode = newEnumFlag("normal", "normal", "develop", "release")
var buildDownload = newEnumFlag("no", "no", "yes", "deps", "forced")
var buildUpload bool
var buildCleanCheckout bool
var buildNoAttic bool
var buildKeepGoing bool
var buildPreserveEnv bool
var buildQuiet bool

func newBuildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [recipe...]",
		Short: "Build the named recipes, or all root recipes",
		RunE:  buildCommand,
	}
	addProjectDirFlag(cmd)
	addResolverFlags(cmd)
	cmd.Flags().StringVar(&buildDestination, "destination", "dev", "Workspace tree below the project root")
	cmd.Flags().IntVarP(&buildJobs, "jobs", "j", runtime.NumCPU(), "Number of parallel jobs")
	cmd.Flags().BoolVarP(&buildForce, "force", "f", false, "Force execution of all steps")
	cmd.Flags().BoolVar(&buildNoDeps, "no-deps", false, "Do not build dependencies, use their last results")
	cmd.Flags().BoolVar(&buildCheckoutOnly, "checkout-only", false, "Only run the checkout steps")
	cmd.Flags().VarP(buildMode, "build-mode", "b", "Result tracking mode: normal, develop or release")
	cmd.Flags().Var(buildDownload, "download", "Download from archives: yes, no, deps or forced")
	cmd.Flags().BoolVar(&buildUpload, "upload", false, "Upload deterministic results to the configured archives")
	cmd.Flags().BoolVar(&buildCleanCheckout, "clean-checkout", false, "Re-checkout sources whose working copy is not clean")
	cmd.Flags().BoolVar(&buildNoAttic, "no-attic", false, "Delete displaced checkout content instead of moving it to the attic")
	cmd.Flags().BoolVarP(&buildKeepGoing, "keep-going", "k", false, "Continue independent roots after a failure")
	cmd.Flags().BoolVarP(&buildPreserveEnv, "preserve-env", "E", false, "Pass the full host environment to scripts")
	cmd.Flags().BoolVarP(&buildQuiet, "quiet", "q", false, "Suppress script output")
	return cmd
}

func buildCommand(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	roots, err := p.resolveTargets(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	arch, err := p.openArchive(ctx)
	if err != nil {
		return err
	}
	state, err := p.openState()
	if err != nil {
		return err
	}
	defer state.Close()
	state.SetAsync(true)
	defer state.SetAsync(false)

	attic := p.cfg.AtticDir(p.root)
	if buildNoAttic {
		attic = ""
	}
	verbosity := 1
	if buildQuiet {
		verbosity = 0
	}
	if global.Verbose {
		verbosity = 3
	}

	executor, err := cook.New(p.root, state, arch, cook.Options{
		Destination:   buildDestination,
		AtticDir:      attic,
		Jobs:          buildJobs,
		Makeflags:     os.Getenv("MAKEFLAGS"),
		Force:         buildForce,
		NoDeps:        buildNoDeps,
		CheckoutOnly:  buildCheckoutOnly,
		CleanCheckout: buildCleanCheckout,
		KeepGoing:     buildKeepGoing,
		PreserveEnv:   buildPreserveEnv,
		BuildMode:     cook.BuildMode(buildMode.String()),
		Download:      cook.DownloadMode(buildDownload.String()),
		Upload:        buildUpload,
		Verbosity:     verbosity,
	})
	if err != nil {
		return err
	}

	err = executor.Cook(ctx, roots)
	if ctx.Err() != nil {
		// hand the terminal back with default signal behavior; the state
		// store reflects the last fully completed phase, so the next
		// invocation resumes from there
		signal.Reset(os.Interrupt, syscall.SIGTERM)
		return errors.BuildFailed("interrupted; rerun to resume")
	}
	if err != nil {
		return err
	}

	stats := executor.Stats()
	console.Infof("done: %d executed, %d skipped, %d downloaded, %d uploaded",
		stats.Executed, stats.Skipped, stats.Downloaded, stats.Uploaded)
	return nil
}
