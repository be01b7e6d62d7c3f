package healing

import "strings"

// Error kinds produced by DetectErrorType.
const (
	KindYAMLSyntax     = "yaml_syntax"
	KindWorkflowSyntax = "workflow_syntax"
	KindPermissions    = "permissions"
	KindArtifacts      = "artifacts"
	KindTimeout        = "timeout"
	KindDependency     = "dependency"
	KindTestSetup      = "test_setup"
	KindTypeCheck      = "type_check"
	KindLinting        = "linting"
	KindUnknown        = "unknown"
)

type classifier struct {
	match func(lowerLog string) bool
	kind  string
}

func contains(pattern string) func(string) bool {
	pattern = strings.ToLower(pattern)
	return func(lowerLog string) bool {
		return strings.Contains(lowerLog, pattern)
	}
}

// classifiers is evaluated in order; the first match wins.
var classifiers = []classifier{
	{contains("YAML parsing error"), KindYAMLSyntax},
	{contains("Invalid workflow"), KindWorkflowSyntax},
	{contains("Permission denied"), KindPermissions},
	{contains("Artifact not found"), KindArtifacts},
	{contains("Timeout"), KindTimeout},
	{contains("npm install"), KindDependency},
	{contains("Playwright"), KindTestSetup},
	{contains("TypeScript"), KindTypeCheck},
	{contains("ESLint"), KindLinting},
}

// DetectErrorType classifies a raw CI error log.
func DetectErrorType(errorLog string) string {
	lower := strings.ToLower(errorLog)
	for _, c := range classifiers {
		if c.match(lower) {
			return c.kind
		}
	}
	return KindUnknown
}
