package global

var (
	Version        = "0.0.1"
	BuildTime      = "none"
	Verbose        = false
	ConfigFilename = "config.yaml"
	RecipesDir     = "recipes"
	ClassesDir     = "classes"

	// Bumped whenever the identity hash inputs change shape, so state
	// recorded by an older bake never aliases the new layout.
	IdentitySalt = "bake-1"
)
