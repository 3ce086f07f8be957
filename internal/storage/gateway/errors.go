package gateway

import (
	"context"
	"strings"

	"github.com/xtxerr/tally/internal/errors"
)

// DuckDB reports failures as "<Kind> Error: message". Transient kinds are
// worth retrying; the constraint kinds fail the same way every time.
var (
	// A commit that loses a race with another transaction is retryable even
	// when DuckDB words it as a key violation.
	commitConflictPatterns = []string{
		"failed to commit",
		"transactioncontext error",
	}

	transientPatterns = []string{
		"transactioncontext error",
		"conflict",
		"database is locked",
		"could not set lock",
		"busy",
		"timeout",
		"connection reset",
		"connection error",
		"broken pipe",
		"temporary failure",
		"i/o error",
		"io error",
		"interrupt",
		"disk full",
	}

	constraintPatterns = []string{
		"constraint error",
		"catalog error",
		"binder error",
		"parser error",
		"conversion error",
		"invalid input error",
		"duplicate key",
	}
)

// classify marks err with ErrTransient, ErrConstraint or ErrDatabase.
// Context errors are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.IsTransient(err) || errors.IsConstraint(err) || errors.Is(err, errors.ErrDatabase) {
		return err
	}

	msg := strings.ToLower(err.Error())

	for _, p := range commitConflictPatterns {
		if strings.Contains(msg, p) {
			return errors.Mark(err, errors.ErrTransient)
		}
	}

	// Constraint patterns first: "Constraint Error: Duplicate key ... conflict"
	// must not be retried.
	for _, p := range constraintPatterns {
		if strings.Contains(msg, p) {
			return errors.Mark(err, errors.ErrConstraint)
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return errors.Mark(err, errors.ErrTransient)
		}
	}
	return errors.Mark(err, errors.ErrDatabase)
}

// isWriteConflict reports whether err is a concurrent-update conflict.
func isWriteConflict(err error) bool {
	if err == nil || errors.IsConstraint(err) {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "conflict")
}
