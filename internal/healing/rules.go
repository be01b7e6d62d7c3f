package healing

import (
	"regexp"
	"strings"
)

// MaxTimeoutMinutes is the value timeout-minutes is clamped to.
const MaxTimeoutMinutes = "30"

// Rule is one text normalization applied to a workflow file.
type Rule struct {
	Name  string
	Apply func(content string) string
}

const permissionsBlock = `permissions:
  contents: write
  pull-requests: write
  issues: write
  checks: write
  statuses: write
  actions: read`

var (
	trailingWhitespaceRe = regexp.MustCompile(`(?m)[ \t]+$`)
	stepNameRe           = regexp.MustCompile(`(?m)^([ \t]*)-[ \t]*name:[ \t]*(\S)`)
	blankRunRe           = regexp.MustCompile(`\n(?:[ \t]*\n){2,}`)
	topPermissionsRe     = regexp.MustCompile(`(?m)^permissions:`)
	topNameRe            = regexp.MustCompile(`(?m)^name:.*$`)
	timeoutRe            = regexp.MustCompile(`timeout-minutes:[ \t]*\d+`)
)

var (
	RuleTrimTrailingWhitespace = Rule{
		Name: "trim_trailing_whitespace",
		Apply: func(content string) string {
			return trailingWhitespaceRe.ReplaceAllString(content, "")
		},
	}
	RuleNormalizeStepNames = Rule{
		Name: "normalize_step_names",
		Apply: func(content string) string {
			return stepNameRe.ReplaceAllString(content, "$1- name: $2")
		},
	}
	RuleCollapseBlankLines = Rule{
		Name: "collapse_blank_lines",
		Apply: func(content string) string {
			return blankRunRe.ReplaceAllString(content, "\n\n")
		},
	}
	RuleEnsurePermissions = Rule{
		Name:  "ensure_permissions",
		Apply: ensurePermissions,
	}
	RuleClampTimeouts = Rule{
		Name: "clamp_timeouts",
		Apply: func(content string) string {
			return timeoutRe.ReplaceAllString(content, "timeout-minutes: "+MaxTimeoutMinutes)
		},
	}
)

// SyntaxRules is the full ordered rule list used by the syntax fixes.
var SyntaxRules = []Rule{
	RuleTrimTrailingWhitespace,
	RuleNormalizeStepNames,
	RuleCollapseBlankLines,
	RuleEnsurePermissions,
	RuleClampTimeouts,
}

// ensurePermissions adds a top-level permissions block after the workflow
// name, or at the top when there is no name line.
func ensurePermissions(content string) string {
	if topPermissionsRe.MatchString(content) {
		return content
	}

	loc := topNameRe.FindStringIndex(content)
	if loc == nil {
		return permissionsBlock + "\n\n" + content
	}

	var b strings.Builder
	b.WriteString(content[:loc[1]])
	b.WriteString("\n\n")
	b.WriteString(permissionsBlock)
	b.WriteString(content[loc[1]:])
	return b.String()
}

// ApplyRules runs rules in order and reports which of them changed the text.
func ApplyRules(content string, rules []Rule) (string, []string) {
	var changed []string
	for _, r := range rules {
		next := r.Apply(content)
		if next != content {
			changed = append(changed, r.Name)
			content = next
		}
	}
	return content, changed
}
