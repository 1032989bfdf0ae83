package sandbox

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"agent-exec-sandbox/pkg/seccomp"
)

// SecurityProfile bundles the kernel-level isolation settings applied to
// every sandbox container.
type SecurityProfile struct {
	Seccomp       *specs.LinuxSeccomp
	Capabilities  []string
	Namespaces    []specs.LinuxNamespace
	MaskedPaths   []string
	ReadonlyPaths []string
}

// ProfileFor returns the profile for the given network mode. Bridge mode
// only relaxes socket syscalls; everything else is identical.
func ProfileFor(network NetworkMode) SecurityProfile {
	return SecurityProfile{
		Seccomp:      seccomp.ExecutionProfile(network == NetworkBridge),
		Capabilities: []string{},
		Namespaces: []specs.LinuxNamespace{
			{Type: specs.PIDNamespace},
			{Type: specs.NetworkNamespace},
			{Type: specs.MountNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.IPCNamespace},
			{Type: specs.UserNamespace},
		},
		MaskedPaths: []string{
			"/proc/acpi",
			"/proc/kcore",
			"/proc/keys",
			"/proc/latency_stats",
			"/proc/timer_list",
			"/proc/timer_stats",
			"/proc/sched_debug",
			"/proc/scsi",
			"/sys/firmware",
			"/sys/devices/virtual/powercap",
		},
		ReadonlyPaths: []string{
			"/proc/asound",
			"/proc/bus",
			"/proc/fs",
			"/proc/irq",
			"/proc/sys",
			"/proc/sysrq-trigger",
		},
	}
}

// Apply writes the profile into the OCI spec: all capabilities dropped,
// fresh namespaces, seccomp, nobody user, read-only rootfs.
func (p SecurityProfile) Apply(spec *specs.Spec) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}
	if spec.Process.Capabilities == nil {
		spec.Process.Capabilities = &specs.LinuxCapabilities{}
	}

	spec.Linux.Seccomp = p.Seccomp
	spec.Process.Capabilities.Bounding = p.Capabilities
	spec.Process.Capabilities.Effective = p.Capabilities
	spec.Process.Capabilities.Inheritable = p.Capabilities
	spec.Process.Capabilities.Permitted = p.Capabilities
	spec.Process.Capabilities.Ambient = p.Capabilities

	spec.Linux.Namespaces = p.Namespaces
	spec.Linux.MaskedPaths = p.MaskedPaths
	spec.Linux.ReadonlyPaths = p.ReadonlyPaths

	spec.Process.NoNewPrivileges = true
	spec.Process.User = specs.User{
		UID: 65534,
		GID: 65534,
	}

	if spec.Root != nil {
		spec.Root.Readonly = true
	}
}
