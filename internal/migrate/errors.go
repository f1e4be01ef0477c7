package migrate

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors with stable identity. Check with errors.Is.
var (
	// ErrDuplicateNames means the declared migration list has two entries
	// sharing a name within the same group.
	ErrDuplicateNames = errors.New("migrate: duplicate migration name declared within a group")

	// ErrRequiresChanges means a dry-run apply found pending work.
	ErrRequiresChanges = errors.New("migrate: dry run detected pending changes")

	// ErrAppliedMigrationsInconsistent means the ledger's applied list for
	// some group diverges from the declared prefix.
	ErrAppliedMigrationsInconsistent = errors.New("migrate: applied migrations diverge from declared list")

	// ErrCannotRevertMigration means no descriptor is available (via add
	// or register) to revert a ledger entry.
	ErrCannotRevertMigration = errors.New("migrate: no descriptor available to revert an applied migration")
)

// InconsistentGroupError carries the group and an aligned diff for an
// AppliedMigrationsInconsistent failure, logged and returned together.
type InconsistentGroupError struct {
	Group Group
	Diff  []string
}

func (e *InconsistentGroupError) Error() string {
	return fmt.Sprintf("migrate: group %s: applied migrations diverge from declared list:\n%s",
		e.Group, strings.Join(e.Diff, "\n"))
}

func (e *InconsistentGroupError) Unwrap() error {
	return ErrAppliedMigrationsInconsistent
}

// CannotRevertError names the migration a revert could not find a
// descriptor for.
type CannotRevertError struct {
	Name string
}

func (e *CannotRevertError) Error() string {
	return fmt.Sprintf("migrate: cannot revert %q: no descriptor registered via Add or Register", e.Name)
}

func (e *CannotRevertError) Unwrap() error {
	return ErrCannotRevertMigration
}

// DuplicateNameError names the group and migration name declared twice.
type DuplicateNameError struct {
	Group Group
	Name  string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("migrate: duplicate migration name %q declared in group %s", e.Name, e.Group)
}

func (e *DuplicateNameError) Unwrap() error {
	return ErrDuplicateNames
}
