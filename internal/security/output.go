package security

import "strings"

// OutputFinding flags suspicious content in captured execution output.
// Findings feed the audit trail and metrics; they are never returned to
// the caller, whose view of output is already truncated and summarized.
type OutputFinding struct {
	Name     string
	Severity Severity
	Detail   string
}

var outputProbes = []struct {
	name   string
	substr string
	sev    Severity
}{
	{"kernel_leak", "Linux version", SeverityHigh},
	{"passwd_leak", "root:x:0:0", SeverityCritical},
	{"runtime_socket", "docker.sock", SeverityCritical},
	{"runtime_socket", "containerd.sock", SeverityCritical},
	{"host_info_leak", "host:", SeverityMedium},
}

// ScanOutput checks captured stdout/stderr for signs that isolation was
// probed or breached during execution.
func ScanOutput(output string) []OutputFinding {
	var findings []OutputFinding
	for _, p := range outputProbes {
		if strings.Contains(output, p.substr) {
			findings = append(findings, OutputFinding{
				Name:     p.name,
				Severity: p.sev,
				Detail:   "suspicious content in execution output: " + p.name,
			})
		}
	}
	return findings
}
