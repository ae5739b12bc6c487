package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LatestSchemaVersion manages the Schema version used in the latest go-cvewatch.
const LatestSchemaVersion = 1

// FetchMeta has meta information about fetched NVD feed
type FetchMeta struct {
	gorm.Model         `json:"-"`
	GoCvewatchRevision string
	SchemaVersion      uint
	LastFetchedDate    time.Time
}

// OutDated checks whether last fetched feed is out dated
func (f FetchMeta) OutDated() bool {
	return f.SchemaVersion != LatestSchemaVersion
}

// Vulnerability : https://nvd.nist.gov/vuln/data-feeds
// It is the aggregate root; Cvss3 and Configurations live and die with it.
type Vulnerability struct {
	CveID                  string         `gorm:"primaryKey;type:varchar(255)"`
	Assigner               *string        `gorm:"type:varchar(255)"`
	ProblemTypes           datatypes.JSON `json:",omitempty"`
	DescriptionLang        *string        `gorm:"type:varchar(255)"`
	DescriptionText        *string        `gorm:"type:text"`
	References             datatypes.JSON `gorm:"column:reference_data" json:",omitempty"`
	PrimaryReferenceSource *string        `gorm:"type:varchar(255)"`
	Tags                   datatypes.JSON `json:",omitempty"`
	PublishedAt            *time.Time
	ModifiedAt             *time.Time `gorm:"index:idx_vulnerabilities_modified_at"`
	IsNew                  bool       `gorm:"index:idx_vulnerabilities_is_new"`

	Cvss3          *Cvss3          `gorm:"foreignKey:CveID;references:CveID" json:",omitempty"`
	Configurations []Configuration `gorm:"foreignKey:CveID;references:CveID"`
}

// TableName :
func (Vulnerability) TableName() string {
	return "vulnerabilities"
}

// Cvss3 holds the CVSS v3 base metric of a Vulnerability
type Cvss3 struct {
	CveID                 string  `gorm:"primaryKey;type:varchar(255)"`
	Version               *string `gorm:"type:varchar(255)"`
	VectorString          *string `gorm:"type:varchar(255)"`
	AttackVector          *string `gorm:"type:varchar(255)"`
	AttackComplexity      *string `gorm:"type:varchar(255)"`
	PrivilegesRequired    *string `gorm:"type:varchar(255)"`
	UserInteraction       *string `gorm:"type:varchar(255)"`
	Scope                 *string `gorm:"type:varchar(255)"`
	ConfidentialityImpact *string `gorm:"type:varchar(255)"`
	IntegrityImpact       *string `gorm:"type:varchar(255)"`
	AvailabilityImpact    *string `gorm:"type:varchar(255)"`
	BaseScore             *float64
	BaseSeverity          *string `gorm:"type:varchar(255)"`
	ExploitabilityScore   *float64
	ImpactScore           *float64
	IsNew                 bool
}

// TableName :
func (Cvss3) TableName() string {
	return "cvss3"
}

// Configuration is one cpe_match entry of a configuration node
type Configuration struct {
	ID                    int64   `json:"-"`
	CveID                 string  `json:"-" gorm:"index:idx_configurations_cve_id;type:varchar(255)"`
	Operator              *string `gorm:"type:varchar(255)"`
	Vulnerable            bool
	CpeURI                string  `gorm:"type:varchar(255)"`
	VersionStartIncluding *string `gorm:"type:varchar(255)"`
	VersionStartExcluding *string `gorm:"type:varchar(255)"`
	VersionEndIncluding   *string `gorm:"type:varchar(255)"`
	VersionEndExcluding   *string `gorm:"type:varchar(255)"`
}

// TableName :
func (Configuration) TableName() string {
	return "configurations"
}

// BaseScore returns the CVSS v3 base score, if any
func (v Vulnerability) BaseScore() *float64 {
	if v.Cvss3 == nil {
		return nil
	}
	return v.Cvss3.BaseScore
}
