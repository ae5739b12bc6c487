package db

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/xerrors"
)

var (
	// ErrTransientStore is a write failure worth retrying (lock contention, deadlock, busy database)
	ErrTransientStore = xerrors.New("transient store error")
	// ErrStoreUnavailable means no transaction could be opened
	ErrStoreUnavailable = xerrors.New("store unavailable")
	// ErrFatalStore is a schema level failure; retrying cannot help
	ErrFatalStore = xerrors.New("fatal store error")
)

// StoreError wraps a driver error with its kind.
// errors.Is(err, ErrTransientStore) and friends match on Kind.
type StoreError struct {
	Kind error
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("Failed to %s. %s. err: %s", e.Op, e.Kind, e.Err)
}

// Unwrap :
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is :
func (e *StoreError) Is(target error) bool {
	return target == e.Kind
}

func newStoreError(op string, err error) *StoreError {
	return &StoreError{Kind: classify(err), Op: op, Err: err}
}

func newBeginError(err error) *StoreError {
	e := newStoreError("begin transaction", err)
	if e.Kind == ErrTransientStore {
		e.Kind = ErrStoreUnavailable
	}
	return e
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		// syntax_error_or_access_rule_violation, invalid_schema_name
		case strings.HasPrefix(pgErr.Code, "42"), strings.HasPrefix(pgErr.Code, "3F"):
			return ErrFatalStore
		// connection_exception, admin_shutdown, cannot_connect_now
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P03":
			return ErrStoreUnavailable
		}
		return ErrTransientStore
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		// ER_BAD_DB_ERROR, ER_BAD_FIELD_ERROR, ER_NO_SUCH_TABLE
		case 1049, 1054, 1146:
			return ErrFatalStore
		}
		return ErrTransientStore
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return ErrStoreUnavailable
	}

	msg := err.Error()
	if strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column") {
		return ErrFatalStore
	}
	return ErrTransientStore
}
