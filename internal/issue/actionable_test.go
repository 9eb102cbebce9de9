// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"strings"
	"testing"
)

func TestActionableError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      *ActionableError
		expected string
	}{
		{
			name:     "operation only",
			err:      &ActionableError{Operation: "build environment"},
			expected: "failed to build environment",
		},
		{
			name:     "operation with resource",
			err:      &ActionableError{Operation: "build environment", Resource: "crewai"},
			expected: "failed to build environment: crewai",
		},
		{
			name:     "operation with cause",
			err:      &ActionableError{Operation: "load environment file", Cause: errors.New("no such file")},
			expected: "failed to load environment file: no such file",
		},
		{
			name: "full context",
			err: &ActionableError{
				Operation: "run command",
				Resource:  "langchain",
				Cause:     errors.New("engine unavailable"),
			},
			expected: "failed to run command: langchain: engine unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestActionableError_ErrorsIs(t *testing.T) {
	t.Parallel()

	cause := errors.New("specific error")
	wrapped := &ActionableError{Operation: "test", Cause: cause}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if (&ActionableError{Operation: "test"}).Unwrap() != nil {
		t.Error("Unwrap() should return nil when no cause")
	}
}

func TestActionableError_Format(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      *ActionableError
		verbose  bool
		contains []string
		excludes []string
	}{
		{
			name: "suggestions as bullets",
			err: &ActionableError{
				Operation:   "load environment file",
				Resource:    "./envrun.cue",
				Suggestions: []string{"Run 'envrun validate'", "Check file permissions"},
			},
			contains: []string{
				"failed to load environment file: ./envrun.cue",
				"• Run 'envrun validate'",
				"• Check file permissions",
			},
		},
		{
			name: "no error chain in non-verbose",
			err: &ActionableError{
				Operation: "parse config",
				Cause:     errors.New("syntax error"),
			},
			contains: []string{"failed to parse config: syntax error"},
			excludes: []string{"Error chain:"},
		},
		{
			name: "nested error chain verbose",
			err: &ActionableError{
				Operation: "run command",
				Cause: &ActionableError{
					Operation: "build environment",
					Cause:     errors.New("pip exited 1"),
				},
			},
			verbose: true,
			contains: []string{
				"Error chain:",
				"1. failed to build environment: pip exited 1",
				"2. pip exited 1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.err.Format(tt.verbose)
			for _, s := range tt.contains {
				if !strings.Contains(got, s) {
					t.Errorf("Format() missing %q\ngot:\n%s", s, got)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(got, s) {
					t.Errorf("Format() should not contain %q\ngot:\n%s", s, got)
				}
			}
		})
	}
}

func TestErrorContext_Build(t *testing.T) {
	t.Parallel()

	if NewErrorContext().WithResource("crewai").Build() != nil {
		t.Error("Build() without operation should return nil")
	}
	if NewErrorContext().BuildError() != nil {
		t.Error("BuildError() without operation should return a nil interface")
	}

	ctx := NewErrorContext().
		WithOperation("build environment").
		WithResource("crewai").
		WithIssue(BuildFailedId).
		WithSuggestion("Check the manifest").
		WithSuggestions("Check the base image", "Retry with --verbose")

	first := ctx.Wrap(errors.New("error 1")).Build()
	second := ctx.Wrap(errors.New("error 2")).Build()

	if first.Operation != "build environment" || first.Resource != "crewai" {
		t.Errorf("unexpected operation/resource: %q %q", first.Operation, first.Resource)
	}
	if len(first.Suggestions) != 3 {
		t.Errorf("Suggestions count = %d, want 3", len(first.Suggestions))
	}
	if first.Cause.Error() == second.Cause.Error() {
		t.Error("reused context should allow different causes")
	}
	if !first.HasSuggestions() {
		t.Error("HasSuggestions() = false, want true")
	}
	if got := first.CatalogIssue(); got == nil || got.Id() != BuildFailedId {
		t.Errorf("CatalogIssue() = %v, want BuildFailedId", got)
	}

	var ae *ActionableError
	if !errors.As(ctx.BuildError(), &ae) {
		t.Error("BuildError() should return *ActionableError")
	}
}

func TestWrapHelpers(t *testing.T) {
	t.Parallel()

	cause := errors.New("original error")

	if WrapWithOperation(nil, "x") != nil {
		t.Error("WrapWithOperation(nil) should return nil")
	}
	if WrapWithContext(nil, "x", "y") != nil {
		t.Error("WrapWithContext(nil) should return nil")
	}

	err := WrapWithContext(cause, "remove image", "envrun/crewai:0123456789ab")
	if err.Resource != "envrun/crewai:0123456789ab" || !errors.Is(err, cause) {
		t.Errorf("WrapWithContext() = %+v", err)
	}
	if NewActionableError("prune").CatalogIssue() != nil {
		t.Error("CatalogIssue() should be nil without an issue id")
	}
}
