package lang

import (
	"regexp"

	"github.com/dop251/goja/parser"
)

// JavaScript executes programs with Node.js inside the sandbox and checks
// syntax with goja's parser on the host.
type JavaScript struct{}

func (j *JavaScript) Name() string { return "javascript" }

func (j *JavaScript) Image() string { return "docker.io/library/node:20-slim" }

func (j *JavaScript) FileExtension() string { return ".js" }

func (j *JavaScript) RunCommand() []string {
	return []string{"node", WorkspaceDir + "/" + HarnessFileBase + ".js"}
}

func (j *JavaScript) InstallCommand(deps []string) []string {
	cmd := []string{"npm", "install", "--no-audit", "--no-fund", "--prefix", DepsDir}
	return append(cmd, deps...)
}

func (j *JavaScript) HarnessSource() string {
	return `"use strict";
const fs = require("fs");
const vm = require("vm");

process.env.NODE_PATH = "` + DepsDir + `/node_modules";
require("module").Module._initPaths();

const ctx = {
  require, console, process, Buffer,
  setTimeout, clearTimeout, setInterval, clearInterval,
  module: { exports: {} },
};
const inputPath = "` + WorkspaceDir + `/` + InputFileName + `";
if (fs.existsSync(inputPath)) {
  ctx.INPUT = JSON.parse(fs.readFileSync(inputPath, "utf8"));
}
vm.createContext(ctx);

const src = fs.readFileSync("` + WorkspaceDir + `/` + ProgramFileBase + `.js", "utf8");
vm.runInContext(src, ctx, { filename: "` + ProgramFileBase + `.js" });

const value = ctx.result === undefined ? null : ctx.result;
process.stdout.write("\n` + ResultBegin + `\n" + JSON.stringify(value) + "\n` + ResultEnd + `\n");
`
}

var requirePattern = regexp.MustCompile(`require\s*\(\s*['"]([^'"]+)['"]\s*\)`)

// Imports parses the program (rejecting anything goja cannot compile, which
// includes ES module syntax) and then collects require() specifiers. goja's
// AST has no exported walker, so specifier extraction is textual over code
// that is already known to parse.
func (j *JavaScript) Imports(code string) ([]string, error) {
	if _, err := parser.ParseFile(nil, ProgramFileBase+".js", code, 0); err != nil {
		return nil, err
	}

	var mods []string
	for _, m := range requirePattern.FindAllStringSubmatch(code, -1) {
		spec := m[1]
		if spec == "" || spec[0] == '.' || spec[0] == '/' {
			// Relative requires resolve inside the read-only workspace.
			continue
		}
		mods = append(mods, topModule(spec))
	}
	return dedupe(mods), nil
}
