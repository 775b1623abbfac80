package upgrade

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrDatabaseNewer is returned when the ledger holds a version above
	// what this binary knows about. An older binary must never touch a newer
	// database.
	ErrDatabaseNewer = errors.New("database is newer than application")

	// ErrDatabaseTooOld is returned when the ledger holds a version below the
	// oldest version the registered chain can upgrade from.
	ErrDatabaseTooOld = errors.New("database is older than the minimum supported version")

	ErrDesignFailed = errors.New("design update failed")
	ErrDataFailed   = errors.New("data update failed")

	// ErrUnavailable is returned by every Startup.Ensure call after one gate
	// failed.
	ErrUnavailable = errors.New("server unavailable")

	ErrCanceled             = errors.New("upgrade canceled")
	ErrConfirmationRequired = errors.New("upgrade requires confirmation; run interactively or enable silent mode")
	ErrUpgradeDeclined      = errors.New("upgrade declined by operator")
	ErrLedgerRegression     = errors.New("ledger version cannot decrease")
	ErrNoLedger             = errors.New("ledger row not found")
	ErrRecordFailures       = errors.New("one or more records failed to update")
)

// VersionError describes a mismatch between the ledger and the chain known
// to the running code.
type VersionError struct {
	Chain    Counter
	Database int
	Code     int
	Err      error
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%s version %d, application supports %d: %s",
		e.Chain, e.Database, e.Code, e.Err)
}

func (e *VersionError) Unwrap() error { return e.Err }

// IsFatal reports whether err means the process must not continue: the
// database and code disagree in a way no retry can fix, or the database could
// not be reached at all.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrDatabaseNewer),
		errors.Is(err, ErrDatabaseTooOld),
		errors.Is(err, ErrUpgradeDeclined),
		errors.Is(err, ErrConfirmationRequired),
		errors.Is(err, ErrUnavailable):
		return true
	}
	return false
}

// unavailableError marks the first startup failure. It matches
// ErrUnavailable and unwraps to the cause.
type unavailableError struct {
	err error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnavailable, e.err)
}

func (e *unavailableError) Is(target error) bool { return target == ErrUnavailable }

func (e *unavailableError) Unwrap() error { return e.err }

// failedError marks a chain that stopped on a failed step. It matches the
// chain's sentinel, ErrDesignFailed or ErrDataFailed, and unwraps to the
// step's error.
type failedError struct {
	kind error
	err  error
}

func (e *failedError) Error() string {
	return fmt.Sprintf("%s: %s", e.err, e.kind)
}

func (e *failedError) Is(target error) bool { return target == e.kind }

func (e *failedError) Unwrap() error { return e.err }
