// Package lang defines the scripting languages the sandbox can execute and
// how to statically analyze them. The orchestrator and sandbox manager are
// agnostic to the grammar; everything language-specific lives here.
package lang

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Well-known paths inside the sandbox. The host work directory is bind
// mounted read-only at WorkspaceDir; dependencies install into DepsDir,
// which lives on the sandbox tmpfs.
const (
	WorkspaceDir = "/workspace"
	DepsDir      = "/tmp/deps"

	ProgramFileBase = "program"
	HarnessFileBase = "harness"
	InputFileName   = "input.json"

	// The harness brackets the serialized result binding with these
	// markers so the executor can recover it from the stdout stream.
	ResultBegin = "__RESULT_BEGIN__"
	ResultEnd   = "__RESULT_END__"
)

// Language describes one executable scripting grammar.
type Language interface {
	// Name returns the language tag used in requests (e.g. "python").
	Name() string

	// Image returns the container image backing sandboxes for this language.
	Image() string

	// FileExtension returns the extension for program files (e.g. ".py").
	FileExtension() string

	// RunCommand returns the argv that executes the harness inside the
	// sandbox. The harness loads the user program from WorkspaceDir.
	RunCommand() []string

	// InstallCommand returns the argv that installs the given dependencies
	// inside the sandbox, or nil if the language has no package manager.
	InstallCommand(deps []string) []string

	// HarnessSource returns the harness program. The harness executes the
	// user program, reads its `result` binding and writes it as JSON
	// between ResultBegin/ResultEnd markers. A missing binding serializes
	// as null; the harness never invents a value.
	HarnessSource() string

	// Imports parses the program and returns the top-level modules it
	// references. A non-nil error means the program does not parse.
	Imports(code string) ([]string, error)
}

// Registry maps language tags to their implementations.
type Registry struct {
	languages map[string]Language
}

// NewRegistry returns a registry with all supported languages.
func NewRegistry() *Registry {
	r := &Registry{languages: make(map[string]Language)}
	r.Register(&Python{})
	r.Register(&JavaScript{})
	r.Register(&Shell{})
	return r
}

func (r *Registry) Register(l Language) {
	r.languages[l.Name()] = l
}

// ErrUnsupported marks a language tag no implementation is registered for.
var ErrUnsupported = errors.New("unsupported language")

// Get returns the language for the given tag.
func (r *Registry) Get(tag string) (Language, error) {
	l, ok := r.languages[strings.ToLower(tag)]
	if !ok {
		return nil, fmt.Errorf("%w %q (supported: %s)",
			ErrUnsupported, tag, strings.Join(r.Names(), ", "))
	}
	return l, nil
}

// Names returns all registered language tags, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.languages))
	for name := range r.languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Images returns the container images needed by all registered languages.
func (r *Registry) Images() []string {
	images := make([]string, 0, len(r.languages))
	for _, l := range r.languages {
		images = append(images, l.Image())
	}
	sort.Strings(images)
	return images
}

// topModule reduces a module path to the name that import policy is keyed
// on: "os.path" -> "os", "lodash/fp" -> "lodash", "@scope/pkg/x" -> "@scope/pkg".
func topModule(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(path, "/")
	if strings.HasPrefix(path, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

func dedupe(mods []string) []string {
	seen := make(map[string]struct{}, len(mods))
	var out []string
	for _, m := range mods {
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
