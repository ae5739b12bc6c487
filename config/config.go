package config

import (
	"time"

	valid "github.com/asaskevich/govalidator"
	"github.com/inconshreveable/log15"
	"golang.org/x/xerrors"
)

// Version of go-cvewatch
var Version = "`make build` or `make install` will show the version"

// Revision of Git
var Revision string

// DBConfig :
type DBConfig struct {
	DBType    string `valid:"in(sqlite3|mysql|postgres),required"`
	DBPath    string `valid:"required"`
	DebugSQL  bool
	BatchSize int
}

// Validate :
func (p *DBConfig) Validate() error {
	if p.DBType == "sqlite3" {
		if ok, _ := valid.IsFilePath(p.DBPath); !ok {
			log15.Error("SQLite3 DB path must be a *Absolute* file path.", "dbpath", p.DBPath)
			return xerrors.Errorf("Invalid SQLite3 DB path. dbpath: %s", p.DBPath)
		}
	}
	if p.BatchSize < 1 {
		return xerrors.New("Failed to set batch-size. err: batch-size option is not set properly")
	}
	if _, err := valid.ValidateStruct(p); err != nil {
		return xerrors.Errorf("Invalid DB config. err: %w", err)
	}
	return nil
}

// FetchConfig holds the NVD query and retry policy of the feed client
type FetchConfig struct {
	BaseURL        string `valid:"url,required"`
	APIKey         string
	Vendors        []string
	Severities     []string
	ResultsPerPage int
	MaxResults     int
	Interval       time.Duration
	RetryMax       int
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration
	HTTPProxy      string `valid:"url"`
}

// Validate :
func (p *FetchConfig) Validate() error {
	if len(p.Vendors) == 0 {
		return xerrors.New("Failed to validate fetch config. err: at least one vendor is required")
	}
	if p.ResultsPerPage < 1 || p.MaxResults < 1 {
		return xerrors.Errorf("Failed to validate fetch config. err: results-per-page(%d) and max-results(%d) must be positive", p.ResultsPerPage, p.MaxResults)
	}
	if p.RetryMax < 0 {
		return xerrors.Errorf("Failed to validate fetch config. err: retry-max(%d) must not be negative", p.RetryMax)
	}
	if _, err := valid.ValidateStruct(p); err != nil {
		return xerrors.Errorf("Failed to validate fetch config. err: %w", err)
	}
	return nil
}

// IngestConfig holds the pipeline worker and retry settings
type IngestConfig struct {
	Workers         int
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Timeout         time.Duration
	LockURL         string
}

// Validate :
func (p *IngestConfig) Validate() error {
	if p.Workers < 1 {
		return xerrors.Errorf("Failed to validate ingest config. err: workers(%d) must be positive", p.Workers)
	}
	if p.LockURL != "" && !valid.IsRequestURL(p.LockURL) {
		return xerrors.Errorf("Failed to validate ingest config. err: invalid lock-url %q", p.LockURL)
	}
	return nil
}

// SMTPConfig :
type SMTPConfig struct {
	Host      string `valid:"host,required"`
	Port      int
	Username  string
	Password  string
	From      string `valid:"email,required"`
	To        []string
	Subject   string
	TLSPolicy string `valid:"in(mandatory|opportunistic|none)"`
}

// Validate :
func (p *SMTPConfig) Validate() error {
	if _, err := valid.ValidateStruct(p); err != nil {
		return xerrors.Errorf("Failed to validate smtp config. err: %w", err)
	}
	if p.Port < 1 || 65535 < p.Port {
		return xerrors.Errorf("Failed to validate smtp config. err: invalid port %d", p.Port)
	}
	if len(p.To) == 0 {
		return xerrors.New("Failed to validate smtp config. err: at least one recipient is required")
	}
	for _, to := range p.To {
		if !valid.IsEmail(to) {
			return xerrors.Errorf("Failed to validate smtp config. err: invalid recipient %q", to)
		}
	}
	return nil
}

// NotifyConfig :
type NotifyConfig struct {
	Threshold float64
	MaxBatch  int
	LinkBase  string `valid:"url"`
	DryRun    bool
	SMTP      SMTPConfig
}

// Validate :
func (p *NotifyConfig) Validate() error {
	if p.Threshold < 0 || 10 < p.Threshold {
		return xerrors.Errorf("Failed to validate notify config. err: threshold %.1f is out of CVSS range", p.Threshold)
	}
	if p.MaxBatch < 1 {
		return xerrors.Errorf("Failed to validate notify config. err: max-batch(%d) must be positive", p.MaxBatch)
	}
	if p.LinkBase != "" && !valid.IsURL(p.LinkBase) {
		return xerrors.Errorf("Failed to validate notify config. err: invalid link-base %q", p.LinkBase)
	}
	if p.DryRun {
		return nil
	}
	return p.SMTP.Validate()
}
