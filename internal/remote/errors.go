package remote

import "errors"

// Error taxonomy for the sync pipeline. Transient classes are retried by
// the queue; fatal classes surface to the caller immediately.
var (
	// ErrNetworkUnavailable covers transport failures: no route, refused,
	// timeouts. Transient.
	ErrNetworkUnavailable = errors.New("remote store unreachable")

	// ErrVersionConflict means the batch carried a stale version and was
	// rejected in full. The caller re-fetches and re-resolves.
	ErrVersionConflict = errors.New("remote rejected stale version")

	// ErrUnauthorized means the API key was rejected. Fatal until the
	// credential changes.
	ErrUnauthorized = errors.New("remote rejected credentials")

	// ErrRateLimited means the remote asked us to back off. Transient.
	ErrRateLimited = errors.New("remote rate limit exceeded")

	// ErrTombstoned means every row in the request targeted permanently
	// deleted ids. Droppable, never retried.
	ErrTombstoned = errors.New("all rows tombstoned")
)

// Transient reports whether the queue should retry the error.
func Transient(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrRateLimited)
}
