// Package sandbox manages isolated execution environments backed by a
// container runtime. The Manager exclusively owns sandbox lifecycle; no
// other component mutates a Sandbox.
package sandbox

import "time"

// Status is the sandbox lifecycle state. destroyed and error are terminal.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusReady     Status = "ready"
	StatusBusy      Status = "busy"
	StatusCleaning  Status = "cleaning"
	StatusError     Status = "error"
	StatusDestroyed Status = "destroyed"
)

// NetworkMode controls sandbox network isolation. The default is none; the
// bridge mode is only granted when the request asks for it and the caller's
// tier permits it.
type NetworkMode string

const (
	NetworkNone   NetworkMode = "none"
	NetworkBridge NetworkMode = "bridge"
)

// Config is the immutable resource configuration of one sandbox.
type Config struct {
	Language   string         `json:"language"`
	Limits     ResourceLimits `json:"limits"`
	Network    NetworkMode    `json:"network"`
	Persistent bool           `json:"persistent"`

	// Env is additional environment for the container, e.g. the egress
	// proxy address for bridge-mode sandboxes.
	Env []string `json:"-"`
}

// Sandbox is the externally visible state of one environment. Busy
// sandboxes hold exactly one execution.
type Sandbox struct {
	ID               string      `json:"id"`
	ContainerID      string      `json:"container_id"`
	Owner            string      `json:"owner"`
	Status           Status      `json:"status"`
	Config           Config      `json:"config"`
	CurrentExecution string      `json:"current_execution,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	LastUsedAt       time.Time   `json:"last_used_at"`
}
