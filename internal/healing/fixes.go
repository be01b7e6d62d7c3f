package healing

// Path is the tier a fix was selected from.
type Path string

const (
	PathProvenSolution  Path = "proven_solution"
	PathRemoteSuggested Path = "remote_suggested"
	PathLocalHeuristic  Path = "local_heuristic"
)

const (
	SourceLearningDB = "learning_db"
	SourceRemote     = "remote_agent"
	SourceLocal      = "local_fix"
)

// Solution kinds with a built-in remediation.
const (
	FixYAMLSyntax     = "yaml_syntax_fix"
	FixWorkflowSyntax = "workflow_syntax_fix"
	FixPermissions    = "permissions_fix"
	FixArtifacts      = "artifacts_fix"
	FixTimeout        = "timeout_fix"
	FixDependency     = "dependency_fix"
	FixTestSetup      = "test_setup_fix"
	FixTypeScript     = "typescript_fix"
	FixLinting        = "linting_fix"
	FixGeneric        = "generic_fix"
)

// Fix is a selected remediation ready to execute.
type Fix struct {
	Path       Path    `json:"path"`
	Kind       string  `json:"solution_type"`
	Payload    string  `json:"solution_data"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

type localFix struct {
	kind       string
	payload    string
	confidence float64
}

var localFixes = map[string]localFix{
	KindYAMLSyntax:     {FixYAMLSyntax, "Fixed common YAML syntax issues", 0.8},
	KindWorkflowSyntax: {FixWorkflowSyntax, "Fixed workflow syntax and added missing permissions", 0.9},
	KindPermissions:    {FixPermissions, "Added required permissions to workflow", 0.95},
	KindArtifacts:      {FixArtifacts, "Added artifact existence checks", 0.8},
	KindTimeout:        {FixTimeout, "Clamped timeout values", 0.7},
	KindDependency:     {FixDependency, "Fixed npm install and dependency issues", 0.8},
	KindTestSetup:      {FixTestSetup, "Fixed Playwright and test setup issues", 0.8},
	KindTypeCheck:      {FixTypeScript, "Fixed TypeScript compilation issues", 0.7},
	KindLinting:        {FixLinting, "Fixed ESLint and code style issues", 0.8},
}

var genericFix = localFix{FixGeneric, "No automated remediation available; flagged for review", 0.3}

// LocalFix returns the built-in fix for an error kind. Unknown kinds get the
// generic no-op fix.
func LocalFix(errorKind string) Fix {
	lf, ok := localFixes[errorKind]
	if !ok {
		lf = genericFix
	}
	return Fix{
		Path:       PathLocalHeuristic,
		Kind:       lf.kind,
		Payload:    lf.payload,
		Confidence: lf.confidence,
		Source:     SourceLocal,
	}
}

// fileRules lists the fix kinds that edit the workflow file. Every other kind
// is a declared remediation: it is recorded but changes nothing on disk.
var fileRules = map[string][]Rule{
	FixYAMLSyntax:     SyntaxRules,
	FixWorkflowSyntax: SyntaxRules,
	FixPermissions:    {RuleEnsurePermissions},
	FixTimeout:        {RuleClampTimeouts},
}

// EditsFile reports whether applying kind rewrites the workflow file.
func EditsFile(kind string) bool {
	_, ok := fileRules[kind]
	return ok
}
