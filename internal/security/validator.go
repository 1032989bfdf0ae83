// Package security implements static validation of submitted program text.
// Validation is pure: no I/O, no shared mutable state, deterministic for
// identical (code, language, tier) inputs.
package security

import (
	"fmt"
	"sort"
	"strings"

	"agent-exec-sandbox/internal/lang"
)

// Tier is the caller's privilege level, supplied by the authorization
// collaborator. Privileged callers may use restricted imports; nobody
// bypasses the deny-list.
type Tier int

const (
	TierStandard Tier = iota
	TierTrusted
	TierPrivileged
)

func (t Tier) String() string {
	switch t {
	case TierStandard:
		return "standard"
	case TierTrusted:
		return "trusted"
	case TierPrivileged:
		return "privileged"
	default:
		return "unknown"
	}
}

// ParseTier maps a tier name to its value. Unknown names resolve to the
// least privileged tier, failing closed.
func ParseTier(s string) Tier {
	switch strings.ToLower(s) {
	case "trusted":
		return TierTrusted
	case "privileged":
		return TierPrivileged
	default:
		return TierStandard
	}
}

// Severity of a violation or of a whole check result.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Severity) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"low"`:
		*s = SeverityLow
	case `"medium"`:
		*s = SeverityMedium
	case `"high"`:
		*s = SeverityHigh
	case `"critical"`:
		*s = SeverityCritical
	default:
		*s = SeverityNone
	}
	return nil
}

// Check names identify which validation pass produced a violation.
const (
	CheckPattern = "pattern"
	CheckImport  = "import"
	CheckSyntax  = "syntax"
)

// Violation is one finding from one check.
type Violation struct {
	Check      string   `json:"check"`
	Detail     string   `json:"detail"`
	Severity   Severity `json:"severity"`
	Module     string   `json:"module,omitempty"`
	Line       int      `json:"line,omitempty"`
	Restricted bool     `json:"restricted,omitempty"`
}

// CheckResult is the outcome of validating one program.
type CheckResult struct {
	Passed      bool        `json:"passed"`
	Violations  []Violation `json:"violations,omitempty"`
	Severity    Severity    `json:"severity"`
	Remediation string      `json:"remediation,omitempty"`
}

// Policy holds the import classification sets. Modules not in either set
// are unknown and denied.
type Policy struct {
	Allowed    map[string]struct{}
	Restricted map[string]string // module -> justification for the restriction
}

// DefaultPolicy covers the stock python/javascript module surface.
func DefaultPolicy() Policy {
	allowed := []string{
		// python stdlib, side-effect free
		"json", "math", "re", "datetime", "collections", "itertools",
		"functools", "random", "string", "statistics", "csv", "base64",
		"hashlib", "uuid", "time", "typing", "dataclasses", "decimal",
		"fractions", "heapq", "bisect", "textwrap", "unicodedata",
		// analysis libraries commonly preinstalled in the python image
		"numpy", "pandas",
		// javascript
		"lodash", "dayjs", "uuid",
	}
	restricted := map[string]string{
		"os":       "filesystem and process control",
		"sys":      "interpreter internals",
		"io":       "raw stream access",
		"pathlib":  "filesystem traversal",
		"shutil":   "bulk filesystem operations",
		"socket":   "raw network access",
		"requests": "outbound network fetch",
		"urllib":   "outbound network fetch",
		"http":     "outbound network fetch",
		"ftplib":   "outbound network transfer",
		"fs":       "filesystem access",
		"net":      "raw network access",
		"axios":    "outbound network fetch",
		"undici":   "outbound network fetch",
	}

	p := Policy{
		Allowed:    make(map[string]struct{}, len(allowed)),
		Restricted: restricted,
	}
	for _, m := range allowed {
		p.Allowed[m] = struct{}{}
	}
	return p
}

// Validator runs the three static checks. All checks always run so the
// caller gets a complete violation list, not just the first failure.
type Validator struct {
	langs    *lang.Registry
	policy   Policy
	patterns []DenyPattern
}

// NewValidator builds a validator over the given language registry and
// policy. Extra deny patterns from configuration append to the built-ins.
func NewValidator(langs *lang.Registry, policy Policy, extra ...DenyPattern) *Validator {
	return &Validator{
		langs:    langs,
		policy:   policy,
		patterns: append(denyPatterns(), extra...),
	}
}

// Validate runs the pattern scan, import classification and syntax check.
func (v *Validator) Validate(code, language string, tier Tier) CheckResult {
	var violations []Violation

	violations = append(violations, v.scanPatterns(code)...)
	violations = append(violations, v.checkImports(code, language, tier)...)

	result := CheckResult{
		Passed:     len(violations) == 0,
		Violations: violations,
		Severity:   aggregate(violations),
	}
	result.Remediation = remediation(violations)
	return result
}

func (v *Validator) scanPatterns(code string) []Violation {
	var out []Violation
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, p := range v.patterns {
			if p.Regex.MatchString(line) {
				out = append(out, Violation{
					Check:     CheckPattern,
					Detail:    fmt.Sprintf("%s: %s", p.Name, p.Description),
					Severity:  SeverityCritical,
					Line:      i + 1,
				})
			}
		}
	}
	return out
}

func (v *Validator) checkImports(code, language string, tier Tier) []Violation {
	l, err := v.langs.Get(language)
	if err != nil {
		return []Violation{{
			Check:     CheckSyntax,
			Detail:    err.Error(),
			Severity:  SeverityHigh,
		}}
	}

	mods, err := l.Imports(code)
	if err != nil {
		// Parse failure is a violation in its own right; the import walk
		// is vacuous over an unparseable program.
		return []Violation{{
			Check:     CheckSyntax,
			Detail:    fmt.Sprintf("program does not parse: %v", err),
			Severity:  SeverityMedium,
		}}
	}

	var out []Violation
	for _, mod := range mods {
		if _, ok := v.policy.Allowed[mod]; ok {
			continue
		}
		if why, ok := v.policy.Restricted[mod]; ok {
			if tier >= TierPrivileged {
				continue
			}
			out = append(out, Violation{
				Check:      CheckImport,
				Detail:     fmt.Sprintf("module %q is restricted (%s) and requires the privileged tier", mod, why),
				Severity:   SeverityHigh,
				Module:     mod,
				Restricted: true,
			})
			continue
		}
		// Unknown modules are denied by default.
		out = append(out, Violation{
			Check:     CheckImport,
			Detail:    fmt.Sprintf("module %q is not allow-listed", mod),
			Severity:  SeverityMedium,
			Module:    mod,
		})
	}
	return out
}

func aggregate(violations []Violation) Severity {
	if len(violations) == 0 {
		return SeverityNone
	}
	for _, v := range violations {
		if v.Severity == SeverityCritical {
			return SeverityCritical
		}
	}
	for _, v := range violations {
		if v.Restricted {
			return SeverityHigh
		}
	}
	if len(violations) > 3 {
		return SeverityMedium
	}
	return SeverityLow
}

func remediation(violations []Violation) string {
	hints := make(map[string]struct{})
	for _, v := range violations {
		switch {
		case v.Check == CheckPattern:
			hints["remove deny-listed calls; no tier can override them"] = struct{}{}
		case v.Restricted:
			hints["restricted imports require the privileged tier"] = struct{}{}
		case v.Check == CheckImport:
			hints["use only allow-listed modules"] = struct{}{}
		case v.Check == CheckSyntax:
			hints["fix the reported syntax error"] = struct{}{}
		}
	}
	if len(hints) == 0 {
		return ""
	}
	out := make([]string, 0, len(hints))
	for h := range hints {
		out = append(out, h)
	}
	sort.Strings(out)
	return strings.Join(out, "; ")
}
