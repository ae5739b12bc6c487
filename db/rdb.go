package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"golang.org/x/xerrors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/vulsio/go-cvewatch/config"
	"github.com/vulsio/go-cvewatch/models"
)

const (
	dialectSqlite3    = "sqlite3"
	dialectMysql      = "mysql"
	dialectPostgreSQL = "postgres"
)

// newest first, undated rows last on every dialect
const modifiedDesc = "modified_at IS NULL, modified_at DESC"

// ErrNotFound :
var ErrNotFound = xerrors.New("not found")

// RDBDriver :
type RDBDriver struct {
	name      string
	conn      *gorm.DB
	batchSize int
}

// Name return db name
func (r *RDBDriver) Name() string {
	return r.name
}

// OpenDB opens Database
func (r *RDBDriver) OpenDB(dbType, dbPath string, debugSQL bool, option Option) (locked bool, err error) {
	gormConfig := gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: logger.New(
			log.New(os.Stderr, "\r\n", log.LstdFlags),
			logger.Config{
				LogLevel: logger.Silent,
			},
		),
	}

	if debugSQL {
		gormConfig.Logger = logger.New(
			log.New(os.Stderr, "\r\n", log.LstdFlags),
			logger.Config{
				SlowThreshold: time.Second,
				LogLevel:      logger.Info,
				Colorful:      true,
			},
		)
	}

	r.batchSize = option.BatchSize
	if r.batchSize < 1 {
		r.batchSize = 50
	}

	switch r.name {
	case dialectSqlite3:
		r.conn, err = gorm.Open(sqlite.Open(dbPath), &gormConfig)
	case dialectMysql:
		r.conn, err = gorm.Open(mysql.Open(dbPath), &gormConfig)
	case dialectPostgreSQL:
		r.conn, err = gorm.Open(postgres.Open(dbPath), &gormConfig)
	default:
		err = xerrors.Errorf("Not Supported DB dialects. r.name: %s", r.name)
	}

	if err != nil {
		if r.name == dialectSqlite3 {
			var e *gosqlite.Error
			if errors.As(err, &e) {
				switch e.Code() {
				case sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_BUSY:
					return true, xerrors.Errorf("Failed to open DB. dbtype: %s, dbpath: %s, err: %w", dbType, dbPath, err)
				}
			}
		}
		return false, xerrors.Errorf("Failed to open DB. dbtype: %s, dbpath: %s, err: %w", dbType, dbPath, err)
	}

	if r.name == dialectSqlite3 {
		// SQLite has a single writer; one connection keeps every transaction on it
		sqlDB, err := r.conn.DB()
		if err != nil {
			return false, xerrors.Errorf("Failed to get DB Object. err: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		r.conn.Exec("PRAGMA foreign_keys = ON")
	}
	return false, nil
}

// CloseDB close Database
func (r *RDBDriver) CloseDB() (err error) {
	if r.conn == nil {
		return
	}

	var sqlDB *sql.DB
	if sqlDB, err = r.conn.DB(); err != nil {
		return xerrors.Errorf("Failed to get DB Object. err : %w", err)
	}
	if err = sqlDB.Close(); err != nil {
		return xerrors.Errorf("Failed to close DB. Type: %s. err: %w", r.name, err)
	}
	return
}

// MigrateDB migrates Database
func (r *RDBDriver) MigrateDB() error {
	if err := r.conn.AutoMigrate(
		&models.FetchMeta{},

		&models.Vulnerability{},
		&models.Cvss3{},
		&models.Configuration{},
	); err != nil {
		return xerrors.Errorf("Failed to migrate. err: %w", err)
	}

	return nil
}

// IsUnknownSchema determines if the DB already holds tables but was not created by go-cvewatch
func (r *RDBDriver) IsUnknownSchema() (bool, error) {
	if r.conn.Migrator().HasTable(&models.FetchMeta{}) {
		return false, nil
	}

	var (
		count int64
		err   error
	)
	switch r.name {
	case dialectSqlite3:
		err = r.conn.Table("sqlite_master").Where("type = ?", "table").Count(&count).Error
	case dialectMysql:
		err = r.conn.Table("information_schema.tables").Where("table_schema = ?", r.conn.Migrator().CurrentDatabase()).Count(&count).Error
	case dialectPostgreSQL:
		err = r.conn.Table("pg_tables").Where("schemaname = ?", "public").Count(&count).Error
	}

	if count > 0 {
		return true, nil
	}
	return false, err
}

// GetFetchMeta get FetchMeta from Database
func (r *RDBDriver) GetFetchMeta() (fetchMeta *models.FetchMeta, err error) {
	if err = r.conn.Take(&fetchMeta).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return &models.FetchMeta{GoCvewatchRevision: config.Revision, SchemaVersion: models.LatestSchemaVersion}, nil
	}

	return fetchMeta, nil
}

// UpsertFetchMeta upsert FetchMeta to Database
func (r *RDBDriver) UpsertFetchMeta(fetchMeta *models.FetchMeta) error {
	fetchMeta.GoCvewatchRevision = config.Revision
	fetchMeta.SchemaVersion = models.LatestSchemaVersion
	return r.conn.Save(fetchMeta).Error
}

// GetVulnerability returns one CVE with its Cvss3 and Configurations
func (r *RDBDriver) GetVulnerability(ctx context.Context, cveID string) (*models.Vulnerability, error) {
	v := models.Vulnerability{}
	err := r.conn.WithContext(ctx).
		Preload("Cvss3").
		Preload("Configurations", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("cve_id = ?", cveID).
		Take(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerrors.Errorf("Failed to get %s. err: %w", cveID, ErrNotFound)
		}
		return nil, xerrors.Errorf("Failed to get %s. err: %w", cveID, err)
	}
	return &v, nil
}

// SearchVulnerabilities lists CVEs ordered by modified date, newest first
func (r *RDBDriver) SearchVulnerabilities(ctx context.Context, filter SearchFilter) ([]models.Vulnerability, error) {
	q := r.conn.WithContext(ctx).Model(&models.Vulnerability{}).Preload("Cvss3")

	if filter.BaseSeverity != "" {
		q = q.Where("cve_id IN (?)", r.conn.Model(&models.Cvss3{}).Select("cve_id").Where("base_severity = ?", filter.BaseSeverity))
	}
	if !filter.ShowAll && filter.BaseSeverity == "" && filter.MinScore != nil {
		q = q.Where("cve_id IN (?)", r.conn.Model(&models.Cvss3{}).Select("cve_id").Where("base_score >= ?", *filter.MinScore))
	}

	if 0 < len(filter.Search) {
		exprs := []clause.Expression{}
		for _, term := range filter.Search {
			like := fmt.Sprintf("%%%s%%", term)
			exprs = append(exprs,
				clause.Like{Column: "description_text", Value: like},
				clause.Like{Column: "assigner", Value: like},
			)
		}
		q = q.Where(clause.Or(exprs...))
	}

	if 0 < len(filter.Vendors) {
		exprs := []clause.Expression{}
		for _, vendor := range filter.Vendors {
			sub := r.conn.Model(&models.Configuration{}).Select("cve_id").Where("cpe_uri LIKE ?", fmt.Sprintf("%%:%s:%%", vendor))
			exprs = append(exprs, clause.Expr{SQL: "cve_id IN (?)", Vars: []interface{}{sub}})
		}
		q = q.Where(clause.Or(exprs...))
	}

	if filter.StartDate != nil {
		q = q.Where("modified_at >= ?", *filter.StartDate)
	}
	if filter.EndDate != nil {
		q = q.Where("modified_at <= ?", *filter.EndDate)
	}
	if 0 < filter.Limit {
		q = q.Limit(filter.Limit)
	}

	vs := []models.Vulnerability{}
	if err := q.Order(modifiedDesc).Order("cve_id").Find(&vs).Error; err != nil {
		return nil, xerrors.Errorf("Failed to search vulnerabilities. err: %w", err)
	}
	return vs, nil
}

// GetNewVulnerabilities returns every CVE still marked new, with its Cvss3 if any, newest modification first
func (r *RDBDriver) GetNewVulnerabilities(ctx context.Context) ([]models.Vulnerability, error) {
	vs := []models.Vulnerability{}
	err := r.conn.WithContext(ctx).
		Preload("Cvss3").
		Where("is_new = ?", true).
		Order(modifiedDesc).
		Order("cve_id").
		Find(&vs).Error
	if err != nil {
		return nil, newStoreError("get new vulnerabilities", err)
	}
	return vs, nil
}

// ClearNewFlags marks the given CVEs and their Cvss3 as seen
func (r *RDBDriver) ClearNewFlags(ctx context.Context, cveIDs []string) (cleared int64, err error) {
	if len(cveIDs) == 0 {
		return 0, nil
	}

	tx := r.conn.WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, newBeginError(tx.Error)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
		if cerr := tx.Commit().Error; cerr != nil {
			cleared, err = 0, newStoreError("commit", cerr)
		}
	}()

	for _, idx := range chunkSlice(len(cveIDs), r.batchSize) {
		ids := cveIDs[idx.From:idx.To]
		res := tx.Model(&models.Vulnerability{}).Where("cve_id IN ?", ids).Update("is_new", false)
		if res.Error != nil {
			return 0, newStoreError("clear vulnerabilities.is_new", res.Error)
		}
		cleared += res.RowsAffected
		if err := tx.Model(&models.Cvss3{}).Where("cve_id IN ?", ids).Update("is_new", false).Error; err != nil {
			return 0, newStoreError("clear cvss3.is_new", err)
		}
	}
	return cleared, nil
}

// DeleteModifiedBefore deletes CVEs last modified before t, with their Cvss3 and Configurations
func (r *RDBDriver) DeleteModifiedBefore(ctx context.Context, t time.Time) (deleted int64, err error) {
	tx := r.conn.WithContext(ctx).Begin()
	if tx.Error != nil {
		return 0, newBeginError(tx.Error)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
		if cerr := tx.Commit().Error; cerr != nil {
			deleted, err = 0, newStoreError("commit", cerr)
		}
	}()

	old := r.conn.Model(&models.Vulnerability{}).Select("cve_id").Where("modified_at < ?", t)
	if err := tx.Where("cve_id IN (?)", old).Delete(&models.Configuration{}).Error; err != nil {
		return 0, newStoreError("delete configurations", err)
	}
	if err := tx.Where("cve_id IN (?)", old).Delete(&models.Cvss3{}).Error; err != nil {
		return 0, newStoreError("delete cvss3", err)
	}
	res := tx.Where("modified_at < ?", t).Delete(&models.Vulnerability{})
	if res.Error != nil {
		return 0, newStoreError("delete vulnerabilities", res.Error)
	}
	return res.RowsAffected, nil
}

// CountVulnerabilities :
func (r *RDBDriver) CountVulnerabilities(ctx context.Context) (int64, error) {
	var count int64
	if err := r.conn.WithContext(ctx).Model(&models.Vulnerability{}).Count(&count).Error; err != nil {
		return 0, xerrors.Errorf("Failed to count vulnerabilities. err: %w", err)
	}
	return count, nil
}

// CountConfigurations counts the configurations stored for cveID
func (r *RDBDriver) CountConfigurations(ctx context.Context, cveID string) (int64, error) {
	var count int64
	if err := r.conn.WithContext(ctx).Model(&models.Configuration{}).Where("cve_id = ?", cveID).Count(&count).Error; err != nil {
		return 0, xerrors.Errorf("Failed to count configurations. err: %w", err)
	}
	return count, nil
}

type chunk struct {
	From, To int
}

func chunkSlice(length int, chunkSize int) []chunk {
	chunks := []chunk{}
	for i := 0; i < length; i += chunkSize {
		idx := chunk{i, i + chunkSize}
		if length < idx.To {
			idx.To = length
		}
		chunks = append(chunks, idx)
	}
	return chunks
}
