package lang

import (
	"github.com/go-python/gpython/ast"
	"github.com/go-python/gpython/parser"
	"github.com/go-python/gpython/py"
)

// Python executes programs with CPython inside the sandbox and analyzes
// them with gpython's parser on the host.
type Python struct{}

func (p *Python) Name() string { return "python" }

func (p *Python) Image() string { return "docker.io/library/python:3.12-slim" }

func (p *Python) FileExtension() string { return ".py" }

func (p *Python) RunCommand() []string {
	return []string{
		"python3", "-u", // unbuffered output
		"-B", // no .pyc files
		WorkspaceDir + "/" + HarnessFileBase + ".py",
	}
}

func (p *Python) InstallCommand(deps []string) []string {
	cmd := []string{"pip", "install", "--no-cache-dir", "--disable-pip-version-check", "--target", DepsDir}
	return append(cmd, deps...)
}

func (p *Python) HarnessSource() string {
	return `import json
import os
import sys

sys.path.insert(0, "` + DepsDir + `")

ns = {"__name__": "__main__"}
if os.path.exists("` + WorkspaceDir + `/` + InputFileName + `"):
    with open("` + WorkspaceDir + `/` + InputFileName + `") as f:
        ns["INPUT"] = json.load(f)

with open("` + WorkspaceDir + `/` + ProgramFileBase + `.py") as f:
    src = f.read()

exec(compile(src, "` + ProgramFileBase + `.py", "exec"), ns)

value = ns.get("result")
sys.stdout.flush()
sys.stdout.write("\n` + ResultBegin + `\n")
json.dump(value, sys.stdout, default=str)
sys.stdout.write("\n` + ResultEnd + `\n")
`
}

// Imports walks the parse tree and collects every module referenced by an
// import or from-import statement. Relative imports (level > 0) resolve
// within the program itself and are skipped.
func (p *Python) Imports(code string) ([]string, error) {
	tree, err := parser.ParseString(code, py.ExecMode)
	if err != nil {
		return nil, err
	}

	var mods []string
	ast.Walk(tree, func(n ast.Ast) bool {
		switch node := n.(type) {
		case *ast.Import:
			for _, alias := range node.Names {
				mods = append(mods, topModule(string(alias.Name)))
			}
		case *ast.ImportFrom:
			if node.Level == 0 {
				mods = append(mods, topModule(string(node.Module)))
			}
		}
		return true
	})
	return dedupe(mods), nil
}
