package migrate

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hbpg/hbpg/internal/dbx"
)

func newTestEngine(t *testing.T) (*Migrations, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(dbx.New(db), nil), mock
}

func noopApply(ctx context.Context, conn dbx.Conn) error  { return nil }
func noopRevert(ctx context.Context, conn dbx.Conn) error { return nil }

func expectEnsureLedger(mock sqlmock.Sqlmock) {
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS _hb_pg_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectListLedger(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT "order", name, "group" FROM _hb_pg_migrations`).WillReturnRows(rows)
}

func ledgerRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"order", "name", "group"})
}

func TestApply_BasicMigrate(t *testing.T) {
	m, mock := newTestEngine(t)
	m.Add(Descriptor{Name: "001_init", Group: DefaultGroup, Apply: noopApply, Revert: noopRevert})
	m.Add(Descriptor{Name: "002_add_col", Group: DefaultGroup, Apply: noopApply, Revert: noopRevert})

	expectEnsureLedger(mock)
	expectListLedger(mock, ledgerRows())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO _hb_pg_migrations`).WithArgs("001_init", string(DefaultGroup)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO _hb_pg_migrations`).WithArgs("002_add_col", string(DefaultGroup)).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	if err := m.Apply(context.Background(), nil, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.WaitUntilCompleted(context.Background()); err != nil {
		t.Fatalf("expected completed, got: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestApply_DuplicateNames(t *testing.T) {
	m, _ := newTestEngine(t)
	m.Add(Descriptor{Name: "001_init", Group: DefaultGroup, Apply: noopApply, Revert: noopRevert})
	m.Add(Descriptor{Name: "001_init", Group: DefaultGroup, Apply: noopApply, Revert: noopRevert})

	err := m.Apply(context.Background(), nil, false)
	if !errors.Is(err, ErrDuplicateNames) {
		t.Fatalf("expected ErrDuplicateNames, got %v", err)
	}
}

func TestApply_DryRun_NoChanges(t *testing.T) {
	m, mock := newTestEngine(t)
	m.Add(Descriptor{Name: "001_init", Group: DefaultGroup, Apply: noopApply, Revert: noopRevert})

	expectEnsureLedger(mock)
	expectListLedger(mock, ledgerRows().AddRow(int64(1), "001_init", string(DefaultGroup)))

	if err := m.Apply(context.Background(), nil, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.WaitUntilCompleted(context.Background()); err != nil {
		t.Fatalf("expected completed, got: %v", err)
	}
}

func TestApply_DryRun_RequiresChanges(t *testing.T) {
	m, mock := newTestEngine(t)
	m.Add(Descriptor{Name: "001_init", Group: DefaultGroup, Apply: noopApply, Revert: noopRevert})

	expectEnsureLedger(mock)
	expectListLedger(mock, ledgerRows())

	err := m.Apply(context.Background(), nil, true)
	if !errors.Is(err, ErrRequiresChanges) {
		t.Fatalf("expected ErrRequiresChanges, got %v", err)
	}

	// dry run with pending changes never resolves WaitUntilCompleted.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.WaitUntilCompleted(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestApply_InconsistentLedger_ReportsFailedState(t *testing.T) {
	m, mock := newTestEngine(t)
	m.Add(Descriptor{Name: "001_init", Group: DefaultGroup, Apply: noopApply, Revert: noopRevert})

	expectEnsureLedger(mock)
	expectListLedger(mock, ledgerRows().AddRow(int64(1), "999_removed", string(DefaultGroup)))

	err := m.Apply(context.Background(), nil, false)
	var inconsistent *InconsistentGroupError
	if !errors.As(err, &inconsistent) {
		t.Fatalf("expected InconsistentGroupError, got %v", err)
	}
	if err := m.WaitUntilCompleted(context.Background()); !errors.Is(err, ErrAppliedMigrationsInconsistent) {
		t.Fatalf("expected failed state with inconsistency error, got %v", err)
	}
}

func TestRevertInconsistent_OnlyRevertsDivergentTail(t *testing.T) {
	m, mock := newTestEngine(t)
	m.Add(Descriptor{Name: "001_init", Group: DefaultGroup, Apply: noopApply, Revert: noopRevert})
	m.Register(Descriptor{Name: "999_removed", Group: DefaultGroup, Apply: noopApply, Revert: noopRevert})

	expectEnsureLedger(mock)
	expectListLedger(mock, ledgerRows().
		AddRow(int64(1), "001_init", string(DefaultGroup)).
		AddRow(int64(2), "999_removed", string(DefaultGroup)))

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM _hb_pg_migrations`).WithArgs("999_removed", string(DefaultGroup)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := m.RevertInconsistent(context.Background(), nil, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRevert_CannotRevertMissingDescriptor(t *testing.T) {
	m, mock := newTestEngine(t)

	expectEnsureLedger(mock)
	expectListLedger(mock, ledgerRows().AddRow(int64(1), "001_init", string(DefaultGroup)))

	err := m.Revert(context.Background(), nil, false)
	var cannotRevert *CannotRevertError
	if !errors.As(err, &cannotRevert) {
		t.Fatalf("expected CannotRevertError, got %v", err)
	}
}

func TestApply_GroupIsolation(t *testing.T) {
	m, mock := newTestEngine(t)
	m.Add(Descriptor{Name: "001_init", Group: DefaultGroup, Apply: noopApply, Revert: noopRevert})
	m.Add(Descriptor{Name: "001_create_persist", Group: PersistGroup, Apply: noopApply, Revert: noopRevert})

	expectEnsureLedger(mock)
	expectListLedger(mock, ledgerRows().AddRow(int64(1), "001_init", string(DefaultGroup)))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO _hb_pg_migrations`).WithArgs("001_create_persist", string(PersistGroup)).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	if err := m.Apply(context.Background(), nil, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRevert_AllInGroup(t *testing.T) {
	m, mock := newTestEngine(t)
	m.Add(Descriptor{Name: "001_init", Group: DefaultGroup, Apply: noopApply, Revert: noopRevert})
	m.Add(Descriptor{Name: "002_add_col", Group: DefaultGroup, Apply: noopApply, Revert: noopRevert})

	expectEnsureLedger(mock)
	expectListLedger(mock, ledgerRows().
		AddRow(int64(1), "001_init", string(DefaultGroup)).
		AddRow(int64(2), "002_add_col", string(DefaultGroup)))

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM _hb_pg_migrations`).WithArgs("002_add_col", string(DefaultGroup)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM _hb_pg_migrations`).WithArgs("001_init", string(DefaultGroup)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := m.Revert(context.Background(), []Group{DefaultGroup}, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
