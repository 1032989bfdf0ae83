package sandbox

import "errors"

var (
	// ErrNotFound reports an unknown sandbox id. Destroy never returns it;
	// destroying an unknown id is deliberately a no-op success.
	ErrNotFound = errors.New("sandbox not found")

	// ErrBusy reports a lease attempt against a sandbox that already has a
	// running execution. Concurrent use of a persistent sandbox is
	// rejected, not queued.
	ErrBusy = errors.New("sandbox busy")

	// ErrNotReady reports a lease attempt against a sandbox that is being
	// created, cleaned or already destroyed.
	ErrNotReady = errors.New("sandbox not ready")

	// ErrProvisioning reports a container-runtime failure while creating a
	// sandbox. Potentially transient; distinct from code-level failures.
	ErrProvisioning = errors.New("sandbox provisioning failed")

	// ErrRuntimeDown reports that the container runtime itself is
	// unreachable. This is a service-level failure, not an execution one.
	ErrRuntimeDown = errors.New("container runtime unavailable")

	// ErrInvalidConfig reports an out-of-range sandbox configuration.
	ErrInvalidConfig = errors.New("invalid sandbox config")
)
