// Package errors defines the error kinds from the Leo error-handling design:
// NotFound and PreconditionFailed are never exceptions (callers see a nil
// result or an ok=false return), the rest are typed errors constructed here
// and wrapped, never re-wrapped, as they cross layer boundaries.
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// TransientBackendError is the error kind for a transient backend failure.
// No adapter in this repository constructs it or retries a failed backend
// call; backend failures reach callers as StorageError.
type TransientBackendError struct {
	Path string
	Op   string
	Err  error
}

func (e *TransientBackendError) Error() string {
	return fmt.Sprintf("leo: transient backend error during %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransientBackendError) Unwrap() error { return e.Err }

func NewTransientError(op, path string, cause error) error {
	return &TransientBackendError{Path: path, Op: op, Err: errors.WithStack(cause)}
}

// LockException is raised by a layer that expects to hold a lock (e.g. a
// caller that requires mutual exclusion to proceed) when Lock() returned a
// nil lease. It is distinct from a bare nil lease return, which by itself is
// not an error — see backend.Lock.
type LockException struct {
	Container string
	BasePath  string
}

func (e *LockException) Error() string {
	return fmt.Sprintf("leo: lock conflict on %s/%s: already held", e.Container, e.BasePath)
}

func NewLockException(container, basePath string) error {
	return &LockException{Container: container, BasePath: basePath}
}

// StorageError wraps any backend-originated failure that isn't NotFound,
// PreconditionFailed, or a recognized transient condition. It always carries
// the offending path so logs and callers don't have to re-derive it.
type StorageError struct {
	Path string
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("leo: storage error during %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func NewStorageError(op, path string, cause error) error {
	if cause == nil {
		return nil
	}
	return &StorageError{Path: path, Op: op, Err: errors.WithStack(cause)}
}

// ConfigurationError signals a problem discovered at registration/startup
// time: duplicate indexer registration, an unparsable config, etc. It is
// always a programmer/operator mistake, never a runtime condition.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return "leo: configuration error: " + e.Msg }

func NewConfigurationError(format string, args ...interface{}) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// DispatchError is raised by the Index Listener when a batch of messages
// cannot be routed to any registered indexer. The batch handler re-raises
// it; messages are left unacknowledged and will be redelivered by the queue.
type DispatchError struct {
	Container string
	BasePath  string
	Reason    string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("leo: no indexer for %s/%s: %s", e.Container, e.BasePath, e.Reason)
}

func NewDispatchError(container, basePath, reason string) error {
	return &DispatchError{Container: container, BasePath: basePath, Reason: reason}
}

// Cause unwraps a github.com/pkg/errors-annotated error down to its root,
// the one place in the codebase allowed to do so (§7: "higher layers do not
// re-wrap"; this is the terminal read, e.g. for logging).
func Cause(err error) error { return errors.Cause(err) }
