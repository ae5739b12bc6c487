package db

import (
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"golang.org/x/xerrors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "postgres undefined table", err: &pgconn.PgError{Code: "42P01"}, want: ErrFatalStore},
		{name: "postgres invalid schema", err: &pgconn.PgError{Code: "3F000"}, want: ErrFatalStore},
		{name: "postgres deadlock", err: &pgconn.PgError{Code: "40P01"}, want: ErrTransientStore},
		{name: "postgres connection failure", err: &pgconn.PgError{Code: "08006"}, want: ErrStoreUnavailable},
		{name: "mysql no such table", err: &mysql.MySQLError{Number: 1146}, want: ErrFatalStore},
		{name: "mysql unknown column", err: &mysql.MySQLError{Number: 1054}, want: ErrFatalStore},
		{name: "mysql lock wait timeout", err: &mysql.MySQLError{Number: 1205}, want: ErrTransientStore},
		{name: "bad connection", err: xerrors.Errorf("ping: %w", driver.ErrBadConn), want: ErrStoreUnavailable},
		{name: "sqlite missing table", err: errors.New("no such table: cvss3"), want: ErrFatalStore},
		{name: "sqlite busy", err: errors.New("database is locked (5) (SQLITE_BUSY)"), want: ErrTransientStore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestStoreError(t *testing.T) {
	cause := &mysql.MySQLError{Number: 1146, Message: "Table 'cvewatch.cvss3' doesn't exist"}
	err := xerrors.Errorf("Failed to upsert. err: %w", newStoreError("insert cvss3", cause))

	assert.True(t, errors.Is(err, ErrFatalStore))
	assert.False(t, errors.Is(err, ErrTransientStore))

	var myErr *mysql.MySQLError
	assert.True(t, errors.As(err, &myErr))
	assert.Contains(t, err.Error(), "insert cvss3")

	assert.True(t, errors.Is(newBeginError(errors.New("too many connections")), ErrStoreUnavailable))
	assert.True(t, errors.Is(newBeginError(errors.New("no such table: x")), ErrFatalStore))
}
