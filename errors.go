package swarmd

import "fmt"

// ErrorKind classifies failures per the taxonomy in spec.md §7. It drives how
// the caller reacts: disconnect a peer, stop a torrent, or simply return to
// the caller.
type ErrorKind int

const (
	// ProtocolError: malformed message, out-of-range index, BITFIELD out of
	// position, unknown message type. The peer is disconnected.
	ProtocolError ErrorKind = iota
	// CommunicationError: I/O failure, peer shutdown, keepalive timeout.
	// The peer is disconnected and a retry may be scheduled by the caller.
	CommunicationError
	// StorageError: chunk creation, msync, or file I/O failure. The torrent
	// stops; the process does not.
	StorageError
	// ResourceError: memory quota exhaustion. The caller (usually a peer)
	// skips the block.
	ResourceError
	// InternalError: invariant violation. Aborts in debug, logs and
	// disconnects in release.
	InternalError
	// InputError: invalid caller argument. Returned to the caller; never
	// affects peers.
	InputError
)

func (k ErrorKind) String() string {
	switch k {
	case ProtocolError:
		return "protocol_error"
	case CommunicationError:
		return "communication_error"
	case StorageError:
		return "storage_error"
	case ResourceError:
		return "resource_error"
	case InternalError:
		return "internal_error"
	case InputError:
		return "input_error"
	default:
		return "unknown_error"
	}
}

// Error wraps a cause with its ErrorKind and enough context (piece index or
// file descriptor) for the single-line log record spec.md §7 requires.
type Error struct {
	Kind    ErrorKind
	Context string // e.g. "piece 7" or "fd 42"
	Cause   error
}

func (e *Error) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Context, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap builds an *Error, the standard constructor used throughout the core.
func Wrap(kind ErrorKind, context string, cause error) *Error {
	return &Error{Kind: kind, Context: context, Cause: cause}
}

// ENOMEM is the resource_error ChunkList.Get returns when the memory
// quota refuses an allocation (spec.md §4.1).
var ENOMEM = fmt.Errorf("memory quota exhausted")
