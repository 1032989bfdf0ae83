package lang

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Shell executes POSIX shell programs. There is no package manager; the
// result contract for shell programs is to write JSON to /tmp/result.json.
type Shell struct{}

const shellResultFile = "/tmp/result.json"

func (s *Shell) Name() string { return "shell" }

func (s *Shell) Image() string { return "docker.io/library/alpine:3.20" }

func (s *Shell) FileExtension() string { return ".sh" }

func (s *Shell) RunCommand() []string {
	return []string{"sh", WorkspaceDir + "/" + HarnessFileBase + ".sh"}
}

func (s *Shell) InstallCommand(deps []string) []string { return nil }

func (s *Shell) HarnessSource() string {
	return `#!/bin/sh
sh ` + WorkspaceDir + `/` + ProgramFileBase + `.sh
status=$?
echo ""
echo "` + ResultBegin + `"
if [ -f ` + shellResultFile + ` ]; then
  cat ` + shellResultFile + `
else
  echo null
fi
echo "` + ResultEnd + `"
exit $status
`
}

// Imports parses the script and returns the targets of source statements.
// Sourced files are always outside the allow set, so sourcing anything
// fails closed at validation.
func (s *Shell) Imports(code string) ([]string, error) {
	file, err := syntax.NewParser().Parse(strings.NewReader(code), ProgramFileBase+".sh")
	if err != nil {
		return nil, err
	}

	var mods []string
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) < 2 {
			return true
		}
		switch call.Args[0].Lit() {
		case "source", ".":
			if target := call.Args[1].Lit(); target != "" {
				mods = append(mods, target)
			}
		}
		return true
	})
	return dedupe(mods), nil
}
