// Package sanitize implements the Input Sanitizer: detection of
// prompt-injection phrasing, path-traversal attempts, and shell
// metacharacter injection in agent-supplied input before it reaches a
// tool or an LLM call. Traversal detection flags a path whose cleaned
// form still escapes its root, or whose raw form contains "../"
// anywhere (backslashes count as slashes).
package sanitize

import (
	"path"
	"regexp"
	"strings"
)

// Category classifies what kind of unsafe content a Finding describes.
type Category string

const (
	CategoryPromptInjection Category = "prompt_injection"
	CategoryPathTraversal   Category = "path_traversal"
	CategoryShellMeta       Category = "shell_metacharacter"
)

// Finding is a single detected issue.
type Finding struct {
	Category Category
	Detail   string
	Excerpt  string
}

// promptInjectionPatterns are common phrasings used to try to override an
// agent's system instructions. Matching is case-insensitive substring and
// light regex; it is a heuristic layer, not a guarantee.
var promptInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) instructions`),
	regexp.MustCompile(`(?i)disregard (your|the|all) (system |prior )?(instructions|prompt|rules)`),
	regexp.MustCompile(`(?i)you are now (in )?(developer|dan|jailbreak) mode`),
	regexp.MustCompile(`(?i)reveal (your|the) system prompt`),
	regexp.MustCompile(`(?i)act as (if you (had|have) )?no (restrictions|filters|rules)`),
	regexp.MustCompile(`(?i)\bnew instructions?\s*:`),
	regexp.MustCompile(`(?i)forget (everything|all) (you|that) (were|was) told`),
}

// shellMetaChars are characters that let one command spawn another or
// redirect I/O when interpreted by a shell.
var shellMetaChars = []string{";", "|", "&", "$(", "`", ">", "<", "&&", "||", "\n"}

// Sanitizer scans agent input for known-unsafe content.
type Sanitizer struct{}

// New returns a ready-to-use Sanitizer. It is stateless and safe for
// concurrent use.
func New() *Sanitizer { return &Sanitizer{} }

// ScanText checks free-form text (tool output, user messages, retrieved
// documents) for prompt-injection phrasing.
func (s *Sanitizer) ScanText(text string) []Finding {
	var findings []Finding
	for _, re := range promptInjectionPatterns {
		if loc := re.FindStringIndex(text); loc != nil {
			findings = append(findings, Finding{
				Category: CategoryPromptInjection,
				Detail:   "matched pattern " + re.String(),
				Excerpt:  excerpt(text, loc[0], loc[1]),
			})
		}
	}
	return findings
}

// ScanPath checks a file path argument for traversal attempts. A path is
// considered unsafe if, once cleaned, it still escapes its own root, or
// if its raw form contains "../" at all.
func (s *Sanitizer) ScanPath(p string) []Finding {
	if p == "" {
		return nil
	}
	normalized := strings.ReplaceAll(p, "\\", "/")
	cleaned := path.Clean(normalized)
	trimmed := strings.TrimPrefix(cleaned, "/")
	if trimmed == ".." || strings.HasPrefix(trimmed, "../") || strings.Contains(normalized, "../") {
		return []Finding{{
			Category: CategoryPathTraversal,
			Detail:   "path escapes its root after normalization",
			Excerpt:  p,
		}}
	}
	return nil
}

// ScanShellArg checks a shell command argument for metacharacters that
// would let it break out of a single-command invocation.
func (s *Sanitizer) ScanShellArg(arg string) []Finding {
	var findings []Finding
	for _, meta := range shellMetaChars {
		if strings.Contains(arg, meta) {
			findings = append(findings, Finding{
				Category: CategoryShellMeta,
				Detail:   "contains shell metacharacter " + meta,
				Excerpt:  arg,
			})
		}
	}
	return findings
}

// Check runs every applicable scanner against value for the given
// category hint ("text", "path", "shell") and reports whether it is
// safe (no findings).
func (s *Sanitizer) Check(kind, value string) (bool, []Finding) {
	var findings []Finding
	switch kind {
	case "path":
		findings = s.ScanPath(value)
	case "shell":
		findings = s.ScanShellArg(value)
	default:
		findings = s.ScanText(value)
	}
	return len(findings) == 0, findings
}

func excerpt(text string, start, end int) string {
	const pad = 20
	lo := start - pad
	if lo < 0 {
		lo = 0
	}
	hi := end + pad
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:hi]
}
