package db

import (
	"context"
	"fmt"
	"time"

	"github.com/inconshreveable/log15"
	"golang.org/x/xerrors"

	"github.com/vulsio/go-cvewatch/models"
)

// DB :
type DB interface {
	Name() string
	OpenDB(dbType, dbPath string, debugSQL bool, option Option) (bool, error)
	MigrateDB() error
	CloseDB() error

	IsUnknownSchema() (bool, error)
	GetFetchMeta() (*models.FetchMeta, error)
	UpsertFetchMeta(*models.FetchMeta) error

	UpsertVulnerability(ctx context.Context, vuln models.Vulnerability, cvss3 *models.Cvss3, confs []models.Configuration, keepNew bool) (bool, error)
	GetVulnerability(context.Context, string) (*models.Vulnerability, error)
	SearchVulnerabilities(context.Context, SearchFilter) ([]models.Vulnerability, error)
	GetNewVulnerabilities(context.Context) ([]models.Vulnerability, error)
	ClearNewFlags(context.Context, []string) (int64, error)
	DeleteModifiedBefore(context.Context, time.Time) (int64, error)
	CountVulnerabilities(context.Context) (int64, error)
	CountConfigurations(context.Context, string) (int64, error)
}

// Option :
type Option struct {
	BatchSize int
}

// SearchFilter narrows SearchVulnerabilities.
// Unless ShowAll or BaseSeverity is set, MinScore applies.
type SearchFilter struct {
	ShowAll      bool
	MinScore     *float64
	BaseSeverity string
	Search       []string
	Vendors      []string
	StartDate    *time.Time
	EndDate      *time.Time
	Limit        int
}

// NewDB :
func NewDB(dbType string, dbPath string, debugSQL bool, option Option) (driver DB, locked bool, err error) {
	if driver, err = newDB(dbType); err != nil {
		return driver, false, xerrors.Errorf("Failed to new db. err: %w", err)
	}

	if locked, err := driver.OpenDB(dbType, dbPath, debugSQL, option); err != nil {
		if locked {
			return nil, true, err
		}
		return nil, false, err
	}

	isUnknown, err := driver.IsUnknownSchema()
	if err != nil {
		log15.Error("Failed to IsUnknownSchema.", "err", err)
		return nil, false, err
	}
	if isUnknown {
		log15.Error("Failed to NewDB. Since the database has tables not created by go-cvewatch, use another database")
		return nil, false, xerrors.New("Failed to NewDB. Since the database has tables not created by go-cvewatch, use another database.")
	}

	if err := driver.MigrateDB(); err != nil {
		return driver, false, xerrors.Errorf("Failed to migrate db. err: %w", err)
	}
	return driver, false, nil
}

func newDB(dbType string) (DB, error) {
	switch dbType {
	case dialectSqlite3, dialectMysql, dialectPostgreSQL:
		return &RDBDriver{name: dbType}, nil
	}
	return nil, fmt.Errorf("Invalid database dialect, %s", dbType)
}
