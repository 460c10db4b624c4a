package coordination

import "errors"

var (
	// ErrLockHeld is returned by Acquire when another holder owns a valid,
	// unexpired lock on the resource.
	ErrLockHeld = errors.New("lock held by another holder")

	// ErrLockTimeout is returned by AcquireWait when the bounded backoff
	// budget is exhausted. Callers must skip the cycle, not block.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrLockLost is returned by Renew and Release when the presented token
	// no longer matches the current lock state.
	ErrLockLost = errors.New("lock lost")

	// ErrStaleToken rejects a write whose fencing token has been superseded
	// by a newer acquisition on the same resource.
	ErrStaleToken = errors.New("stale fencing token")

	// ErrCursorConflict is returned by Commit when the expected previous
	// position does not match the stored cursor.
	ErrCursorConflict = errors.New("cursor conflict")

	// ErrCursorCorrupt indicates the checksum over the last consumed chunk
	// no longer matches the source, typically after truncation or rotation.
	ErrCursorCorrupt = errors.New("cursor corrupt")
)
