package core

import "errors"

// Errors shared across the client. Manager operations never panic across
// their public boundary; they return one of these (possibly wrapped) and the
// caller branches with errors.Is.
var (
	// Remote failures, mirrored from the server's machine reason strings
	ErrPoolNotFound  = errors.New("pool not found")
	ErrAlreadyInPool = errors.New("device already in pool")
	ErrNotInPool     = errors.New("device not in pool")
	ErrTransport     = errors.New("transport failure")

	// Data-integrity failures: a successful response whose payload is
	// missing required fields
	ErrCorruptedData = errors.New("corrupted data")

	// Storage failures
	ErrNotFound = errors.New("value not found")

	// State-consistency failures
	ErrIndexOutOfRange  = errors.New("pool index out of range")
	ErrEmptyCollection  = errors.New("pool collection is empty")
	ErrLeaveInProgress  = errors.New("another leave is still in flight")
	ErrLoggedOut        = errors.New("not logged in to any pool")
	ErrInvalidKeyPhrase = errors.New("invalid key phrase")
	ErrEmptyArgument    = errors.New("missing required argument")
	ErrStaleState       = errors.New("state changed while the operation was in flight")
)

// Machine reason strings exchanged with the server. The coordinator branches
// on these, they are not display text.
const (
	ReasonAlreadyInPool = "AlreadyInPool"
	ReasonPoolNotFound  = "PoolNotFound"
	ReasonNotInPool     = "NotInPool"
	ReasonCorrupted     = "Corrupted data"
	ReasonTransport     = "transport"
)

// ReasonError carries a server reason string verbatim when it maps to no
// known sentinel.
type ReasonError struct {
	Reason string
}

func (e *ReasonError) Error() string { return e.Reason }

var reasonToErr = map[string]error{
	ReasonAlreadyInPool: ErrAlreadyInPool,
	ReasonPoolNotFound:  ErrPoolNotFound,
	ReasonNotInPool:     ErrNotInPool,
	ReasonCorrupted:     ErrCorruptedData,
	ReasonTransport:     ErrTransport,
}

// ErrForReason maps a server reason string to its sentinel error, or wraps it
// verbatim when unknown.
func ErrForReason(reason string) error {
	if err, ok := reasonToErr[reason]; ok {
		return err
	}
	return &ReasonError{Reason: reason}
}

// ReasonFor maps an error back to its machine reason string. Unknown errors
// report as transport failures, the catch-all for "the call did not land".
func ReasonFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyInPool):
		return ReasonAlreadyInPool
	case errors.Is(err, ErrPoolNotFound):
		return ReasonPoolNotFound
	case errors.Is(err, ErrNotInPool):
		return ReasonNotInPool
	case errors.Is(err, ErrCorruptedData):
		return ReasonCorrupted
	}
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonTransport
}
