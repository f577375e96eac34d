// Package apperr defines the error kinds the lifecycle engine dispatches on.
// Deep functions wrap one of these sentinels with fmt.Errorf("...: %w", ...);
// the outer cycle loops match with errors.Is and decide whether to skip,
// retry next cycle or alert the operator.
package apperr

import "errors"

var (
	// ErrConfig marks a missing or invalid host/plan. Fatal on startup
	// paths, skip-host on periodic paths.
	ErrConfig = errors.New("configuration error")

	// ErrRemoteTransient marks a panel or gateway network failure. No
	// in-cycle retry; the next cycle picks it up.
	ErrRemoteTransient = errors.New("remote transient failure")

	// ErrRemotePermanent marks a panel rejection (bad auth, missing
	// inbound). The host is considered unhealthy for the cycle.
	ErrRemotePermanent = errors.New("remote permanent failure")

	// ErrConflict marks a lost CAS, a duplicate notification marker or a
	// duplicate key email. Silently skipping it is the happy path of
	// deduplication.
	ErrConflict = errors.New("conflict")

	// ErrInsufficientFunds marks a balance debit that would cross zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrFatal marks corrupt state, e.g. metadata referencing a key that
	// does not exist.
	ErrFatal = errors.New("fatal state error")
)

func IsConfig(err error) bool            { return errors.Is(err, ErrConfig) }
func IsConflict(err error) bool          { return errors.Is(err, ErrConflict) }
func IsInsufficientFunds(err error) bool { return errors.Is(err, ErrInsufficientFunds) }

// Transient reports whether the error should be retried on the next cycle.
func Transient(err error) bool { return errors.Is(err, ErrRemoteTransient) }
