// Package errors carries the coded, user-facing error kinds produced by the
// resolver and the build engine. Codes let callers branch on failure class
// without string matching; the processing stack (recipe names from root to
// the failure point) replaces a raw Go stack trace in diagnostics.
package errors

import (
	"fmt"
	"strings"
)

const (
	CodeCyclicDependency      = "CYCLIC_DEPENDENCY"
	CodeVariantCollision      = "VARIANT_COLLISION"
	CodeSharedNondeterministic = "SHARED_NONDETERMINISTIC"
	CodeRecipeNotFound        = "RECIPE_NOT_FOUND"
	CodeParse                 = "PARSE_ERROR"
	CodeBuildFailed           = "BUILD_FAILED"
	CodeInternalConsistency   = "INTERNAL_CONSISTENCY"
)

// Types ////////////////////////////////////////

type CodedError interface {
	Code() string
}

type codedError struct {
	code  string
	msg   string
	stack []string
}

func (e *codedError) Error() string {
	if len(e.stack) == 0 {
		return e.msg
	}
	return fmt.Sprintf("%s\nProcessing stack: %s", e.msg, strings.Join(e.stack, " -> "))
}

func (e *codedError) Code() string {
	return e.code
}

// ProcessingStack returns the recipe names from root to failure point, if any.
func (e *codedError) ProcessingStack() []string {
	return e.stack
}

// Error Creators ///////////////////////////////

// CyclicDependency reports a recipe reachable from itself.
func CyclicDependency(msg string, stack []string) error {
	return &codedError{code: CodeCyclicDependency, msg: msg, stack: stack}
}

// VariantCollision reports the same package reached at two incompatible variants.
func VariantCollision(msg string, stack []string) error {
	return &codedError{code: CodeVariantCollision, msg: msg, stack: stack}
}

// SharedNondeterministic reports a shared recipe whose Build-Id cannot be determined.
func SharedNondeterministic(msg string, stack []string) error {
	return &codedError{code: CodeSharedNondeterministic, msg: msg, stack: stack}
}

// RecipeNotFound reports an unresolvable dependency name.
func RecipeNotFound(msg string, stack []string) error {
	return &codedError{code: CodeRecipeNotFound, msg: msg, stack: stack}
}

// Parse reports a malformed recipe or class.
func Parse(msg string) error {
	return &codedError{code: CodeParse, msg: msg}
}

// BuildFailed reports a script or sandbox failure. Resumable: no success is
// recorded for the failed phase.
func BuildFailed(msg string) error {
	return &codedError{code: CodeBuildFailed, msg: msg}
}

// InternalConsistency reports a resolver bug, e.g. a reused package whose
// result suddenly differs. Never recoverable.
func InternalConsistency(msg string) error {
	return &codedError{code: CodeInternalConsistency, msg: msg}
}

// Helpers //////////////////////////////////////

func IsCyclicDependency(err error) bool { return Code(err) == CodeCyclicDependency }

func IsVariantCollision(err error) bool { return Code(err) == CodeVariantCollision }

func IsRecipeNotFound(err error) bool { return Code(err) == CodeRecipeNotFound }

func IsBuildFailed(err error) bool { return Code(err) == CodeBuildFailed }

// Return the error code, or the empty string
func Code(err error) string {
	if cerr, ok := err.(CodedError); ok {
		return cerr.Code()
	}

	return ""
}
