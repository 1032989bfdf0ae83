package security

import "regexp"

// DenyPattern is an unconditional rejection. Any match fails validation at
// critical severity regardless of caller tier.
type DenyPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
}

func denyPatterns() []DenyPattern {
	return []DenyPattern{
		{
			Name:        "filesystem_wipe",
			Description: "destructive filesystem command",
			Regex:       regexp.MustCompile(`(?i)rm\s+-[a-z]*[rf][a-z]*\s+/|mkfs\.|\bshred\b|dd\s+[^|]*of=/dev/`),
		},
		{
			Name:        "process_spawn",
			Description: "spawning processes from sandboxed code",
			Regex:       regexp.MustCompile(`(?i)\bsubprocess\b|os\.system|os\.exec|os\.spawn|os\.popen|\bpopen\s*\(|child_process|execSync|spawnSync`),
		},
		{
			Name:        "dynamic_eval",
			Description: "dynamic code evaluation",
			Regex:       regexp.MustCompile(`\beval\s*\(|\bexec\s*\(|__import__\s*\(|\bimportlib\b|\bcompile\s*\(|Function\s*\(\s*["']`),
		},
		{
			Name:        "write_mode_open",
			Description: "opening files for writing outside the result contract",
			Regex:       regexp.MustCompile(`open\s*\([^)]*,\s*['"][wax]\+?b?['"]|fs\.(write|append)File|writeFileSync|appendFileSync`),
		},
		{
			Name:        "proc_self_access",
			Description: "reading /proc/self process internals",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|status)`),
		},
		{
			Name:        "container_breakout",
			Description: "cgroup release-agent breakout attempt",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
		},
		{
			Name:        "runtime_socket",
			Description: "touching the container runtime socket",
			Regex:       regexp.MustCompile(`docker\.sock|containerd\.sock|/var/run/docker|/run/containerd`),
		},
		{
			Name:        "metadata_service",
			Description: "reaching a cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
		},
		{
			Name:        "reverse_shell",
			Description: "reverse shell construction",
			Regex:       regexp.MustCompile(`(?i)(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
		},
		{
			Name:        "ptrace_attempt",
			Description: "process tracing or memory injection",
			Regex:       regexp.MustCompile(`(?i)\bptrace\b|process_vm_readv|process_vm_writev|PTRACE_ATTACH`),
		},
		{
			Name:        "kernel_exploit",
			Description: "known kernel exploitation probe",
			Regex:       regexp.MustCompile(`(?i)dirty.?cow|dirty.?pipe|userfaultfd`),
		},
	}
}
