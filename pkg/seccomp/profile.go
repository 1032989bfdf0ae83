// Package seccomp builds OCI seccomp profiles for sandboxed executions.
package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Builder assembles a deny-by-default seccomp profile.
type Builder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *Builder {
	return &Builder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

// Allow permits the named syscalls.
func (b *Builder) Allow(names ...string) *Builder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActAllow,
	})
	return b
}

// Deny rejects the named syscalls with EPERM.
func (b *Builder) Deny(names ...string) *Builder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActErrno,
	})
	return b
}

// Trap kills the calling thread with SIGSYS, which surfaces in audit logs.
func (b *Builder) Trap(names ...string) *Builder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActTrap,
	})
	return b
}

// Group applies a named rule group.
func (b *Builder) Group(g func(*Builder) *Builder) *Builder {
	return g(b)
}

func (b *Builder) WithArchitectures(archs ...specs.Arch) *Builder {
	b.profile.Architectures = archs
	return b
}

func (b *Builder) Build() *specs.LinuxSeccomp {
	return b.profile
}
