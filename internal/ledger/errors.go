package ledger

import "errors"

// Reject taxonomy. All of these are recoverable; callers match with errors.Is.
var (
	ErrBadSignature       = errors.New("bad signature")
	ErrHashMismatch       = errors.New("hash mismatch")
	ErrDuplicateID        = errors.New("duplicate transaction id")
	ErrOutOfSequence      = errors.New("block out of sequence")
	ErrNotLongerOrInvalid = errors.New("candidate chain not longer or invalid")
	ErrUnauthorized       = errors.New("producer not authorized")
	ErrNoConnectivity     = errors.New("no connectivity")
	ErrPoolFull           = errors.New("transaction pool full")
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrNotFound           = errors.New("not found")
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrBadSignature, "BadSignature"},
	{ErrHashMismatch, "HashMismatch"},
	{ErrDuplicateID, "DuplicateId"},
	{ErrOutOfSequence, "OutOfSequence"},
	{ErrNotLongerOrInvalid, "NotLongerOrInvalid"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrNoConnectivity, "NoConnectivity"},
	{ErrPoolFull, "PoolFull"},
	{ErrInvalidPayload, "InvalidPayload"},
	{ErrNotFound, "NotFound"},
}

// ReasonOf names the reject reason carried by err, or "Internal".
func ReasonOf(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "Internal"
}

// IsIntegrityError reports whether err means the data itself was forged or
// corrupted, as opposed to merely arriving at the wrong time.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrBadSignature) || errors.Is(err, ErrHashMismatch)
}
