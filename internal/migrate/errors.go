package migrate

import "fmt"

// ApplyError reports a migration script failure. The transaction was
// rolled back and the ledger holds a failed row for this version.
type ApplyError struct {
	Version int
	Name    string
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("migration %03d_%s failed: %v", e.Version, e.Name, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// MissingReverseError halts a rollback at the first applied version that
// has no reverse script.
type MissingReverseError struct {
	Version int
}

func (e *MissingReverseError) Error() string {
	return fmt.Sprintf("no rollback script for version %03d", e.Version)
}

// FailedVersionError blocks forward migration while the ledger records a
// failed attempt. Rolling back past the version clears the record.
type FailedVersionError struct {
	Version int
	Name    string
}

func (e *FailedVersionError) Error() string {
	return fmt.Sprintf("migration %03d_%s previously failed; roll back past it before retrying", e.Version, e.Name)
}
