package persist

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/hbpg/hbpg/internal/dbx"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(dbx.New(db)), mock
}

type widget struct {
	Name string `json:"name"`
}

func TestCreate_Success(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec(`INSERT INTO _hb_pg_persist`).WillReturnResult(sqlmock.NewResult(0, 1))

	err := Create(context.Background(), s, "k1", widget{Name: "a"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCreate_Duplicate(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec(`INSERT INTO _hb_pg_persist`).WillReturnError(&pq.Error{Code: "23505"})

	err := Create(context.Background(), s, "k1", widget{Name: "a"}, nil)
	if err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestSet_UpsertsWithDistantFutureWhenNoTTL(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec(`INSERT INTO _hb_pg_persist`).WithArgs("k1", sqlmock.AnyArg(), distantFuture).WillReturnResult(sqlmock.NewResult(0, 1))

	if err := Set(context.Background(), s, "k1", widget{Name: "a"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGet_Absent(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(`SELECT data FROM _hb_pg_persist`).WillReturnRows(sqlmock.NewRows([]string{"data"}))

	_, ok, err := Get[widget](context.Background(), s, "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected absent")
	}
}

func TestGet_Found(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(`SELECT data FROM _hb_pg_persist`).WillReturnRows(
		sqlmock.NewRows([]string{"data"}).AddRow([]byte(`{"name":"a"}`)),
	)

	got, ok, err := Get[widget](context.Background(), s, "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || got.Name != "a" {
		t.Fatalf("got %+v ok=%v", got, ok)
	}
}

func TestGet_InvalidConversion(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(`SELECT data FROM _hb_pg_persist`).WillReturnRows(
		sqlmock.NewRows([]string{"data"}).AddRow([]byte(`not json`)),
	)

	_, _, err := Get[widget](context.Background(), s, "k1")
	if err != ErrInvalidConversion {
		t.Fatalf("expected ErrInvalidConversion, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec(`DELETE FROM _hb_pg_persist`).WithArgs("k1").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Remove(context.Background(), "k1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExpiresAt_UsesTTL(t *testing.T) {
	ttl := time.Minute
	got := expiresAt(&ttl)
	if got.Before(time.Now()) || got.After(time.Now().Add(2*time.Minute)) {
		t.Fatalf("expiresAt out of expected range: %v", got)
	}
}

func TestExpiresAt_NoTTLIsDistantFuture(t *testing.T) {
	if got := expiresAt(nil); !got.Equal(distantFuture) {
		t.Fatalf("expected distant future, got %v", got)
	}
}
