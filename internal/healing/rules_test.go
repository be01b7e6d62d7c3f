package healing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectErrorType(t *testing.T) {
	tests := []struct {
		name string
		log  string
		want string
	}{
		{"yaml", "YAML parsing error on line 3", KindYAMLSyntax},
		{"case insensitive", "yaml PARSING error", KindYAMLSyntax},
		{"workflow", "Invalid workflow file: jobs.build", KindWorkflowSyntax},
		{"permissions", "Permission denied (publickey)", KindPermissions},
		{"artifacts", "Artifact not found for name: dist", KindArtifacts},
		{"timeout", "The job exceeded the maximum execution time. Timeout", KindTimeout},
		{"dependency", "npm install exited with code 1", KindDependency},
		{"playwright", "Playwright browser not installed", KindTestSetup},
		{"typescript", "TypeScript: TS2304 cannot find name", KindTypeCheck},
		{"eslint", "ESLint: 2 errors", KindLinting},
		{"unknown", "segfault", KindUnknown},
		{"empty", "", KindUnknown},
		{"first match wins", "YAML parsing error after Timeout", KindYAMLSyntax},
		{"timeout before dependency", "npm install hit a Timeout", KindTimeout},
		{"permissions before artifacts", "Artifact not found: Permission denied", KindPermissions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectErrorType(tt.log))
		})
	}
}

func TestLocalFix(t *testing.T) {
	fix := LocalFix(KindPermissions)
	assert.Equal(t, PathLocalHeuristic, fix.Path)
	assert.Equal(t, FixPermissions, fix.Kind)
	assert.Equal(t, 0.95, fix.Confidence)
	assert.Equal(t, SourceLocal, fix.Source)

	generic := LocalFix(KindUnknown)
	assert.Equal(t, FixGeneric, generic.Kind)
	assert.Equal(t, 0.3, generic.Confidence)

	assert.True(t, EditsFile(FixYAMLSyntax))
	assert.True(t, EditsFile(FixTimeout))
	assert.False(t, EditsFile(FixDependency))
	assert.False(t, EditsFile(FixGeneric))
}

func TestRules(t *testing.T) {
	t.Run("trailing whitespace", func(t *testing.T) {
		assert.Equal(t, "a:\n  b: 1\n", RuleTrimTrailingWhitespace.Apply("a:  \n  b: 1\t\n"))
	})

	t.Run("step names", func(t *testing.T) {
		in := "    steps:\n      -name:checkout\n      -   name: build\n"
		want := "    steps:\n      - name: checkout\n      - name: build\n"
		assert.Equal(t, want, RuleNormalizeStepNames.Apply(in))
	})

	t.Run("blank lines", func(t *testing.T) {
		assert.Equal(t, "a: 1\n\nb: 2\n", RuleCollapseBlankLines.Apply("a: 1\n\n\n\nb: 2\n"))
		assert.Equal(t, "a: 1\n\nb: 2\n", RuleCollapseBlankLines.Apply("a: 1\n\nb: 2\n"))
	})

	t.Run("permissions after name", func(t *testing.T) {
		out := RuleEnsurePermissions.Apply("name: CI\non: push\n")
		assert.True(t, strings.HasPrefix(out, "name: CI\n\npermissions:\n  contents: write\n"))
		assert.True(t, strings.HasSuffix(out, "  actions: read\non: push\n"))
		require.NoError(t, VerifyYAML([]byte(out)))
	})

	t.Run("permissions without name", func(t *testing.T) {
		out := RuleEnsurePermissions.Apply("on: push\n")
		assert.True(t, strings.HasPrefix(out, "permissions:\n"))
		assert.True(t, strings.HasSuffix(out, "\n\non: push\n"))
	})

	t.Run("existing permissions untouched", func(t *testing.T) {
		in := "name: CI\npermissions:\n  contents: read\n"
		assert.Equal(t, in, RuleEnsurePermissions.Apply(in))
	})

	t.Run("timeouts", func(t *testing.T) {
		in := "    timeout-minutes: 360\n    timeout-minutes:5\n"
		want := "    timeout-minutes: 30\n    timeout-minutes: 30\n"
		assert.Equal(t, want, RuleClampTimeouts.Apply(in))
	})
}

func TestApplyRulesReportsChangedRules(t *testing.T) {
	in := "name: CI\npermissions:\n  contents: read\njobs:\n  a:\n    timeout-minutes: 90  \n"

	out, changed := ApplyRules(in, SyntaxRules)
	assert.Equal(t, []string{RuleTrimTrailingWhitespace.Name, RuleClampTimeouts.Name}, changed)
	assert.Contains(t, out, "timeout-minutes: 30\n")

	again, none := ApplyRules(out, SyntaxRules)
	assert.Equal(t, out, again)
	assert.Empty(t, none)
}

func TestVerifyYAML(t *testing.T) {
	assert.NoError(t, VerifyYAML(nil))
	assert.NoError(t, VerifyYAML([]byte("a: 1\n---\nb: [1, 2]\n")))

	err := VerifyYAML([]byte("a: 1\n---\nb: [1, 2\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document 1")

	assert.Error(t, VerifyYAML([]byte("a:\n\tb: 1\n")))
}
