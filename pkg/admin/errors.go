package admin

import "errors"

var (
	// ErrAccessDenied means the caller lacks permission to read the VM's
	// state or devices. Never fatal; handlers proceed with zero visibility.
	ErrAccessDenied = errors.New("access denied")

	// ErrVMGone means the VM disappeared mid-query, e.g. it was removed by
	// an administrator while we were reading it.
	ErrVMGone = errors.New("vm no longer present")
)

// IsZeroVisibility reports whether err is one of the expected, non-fatal
// administration errors that reduce a query to "zero visibility".
func IsZeroVisibility(err error) bool {
	return errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrVMGone)
}
