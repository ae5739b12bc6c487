package fetcher

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	gocvss30 "github.com/pandatix/go-cvss/30"
	gocvss31 "github.com/pandatix/go-cvss/31"
	"golang.org/x/xerrors"
	"gorm.io/datatypes"

	"github.com/vulsio/go-cvewatch/models"
)

// NVDDateLayout is the date format of publishedDate and lastModifiedDate
const NVDDateLayout = "2006-01-02T15:04Z"

// ErrMalformedRecord is returned for a feed item that cannot be stored
var ErrMalformedRecord = xerrors.New("malformed record")

// Normalized is one feed item flattened into the three stored relations
type Normalized struct {
	Vulnerability  models.Vulnerability
	Cvss3          *models.Cvss3
	Configurations []models.Configuration

	// Warnings are field level problems that did not abort the item
	Warnings []error
}

// Normalize converts one raw CVE_Items entry. No I/O.
func Normalize(raw json.RawMessage) (*Normalized, error) {
	var item cveItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, xerrors.Errorf("Failed to decode CVE item. err: %v: %w", err, ErrMalformedRecord)
	}

	cveID := strings.TrimSpace(item.Cve.DataMeta.ID)
	if cveID == "" {
		return nil, xerrors.Errorf("CVE_data_meta.ID is missing: %w", ErrMalformedRecord)
	}

	n := &Normalized{}
	v := models.Vulnerability{
		CveID:        cveID,
		Assigner:     item.Cve.DataMeta.Assigner,
		ProblemTypes: jsonList(item.Cve.ProblemType.Data),
		References:   jsonList(item.Cve.References.Data),
		Tags:         jsonList(item.Tags),
	}

	if 0 < len(item.Cve.Description.Data) {
		d := item.Cve.Description.Data[0]
		v.DescriptionLang = d.Lang
		v.DescriptionText = d.Value
	}

	src, err := primaryReferenceSource(v.References)
	if err != nil {
		n.Warnings = append(n.Warnings, xerrors.Errorf("Failed to read reference_data of %s. err: %v: %w", cveID, err, ErrMalformedRecord))
	}
	v.PrimaryReferenceSource = src

	v.PublishedAt = n.date(cveID, "publishedDate", item.PublishedDate)
	v.ModifiedAt = n.date(cveID, "lastModifiedDate", item.LastModifiedDate)
	n.Vulnerability = v

	if m := item.Impact.BaseMetricV3; m != nil {
		n.Cvss3 = n.convertCvss3(cveID, m)
	}

	n.Configurations = []models.Configuration{}
	for _, nd := range item.Configurations.Nodes {
		n.Configurations = walkNode(cveID, nd, n.Configurations)
	}
	return n, nil
}

// ParseNVDDate parses the feed's "YYYY-MM-DDThh:mmZ" date into UTC
func ParseNVDDate(s string) (time.Time, error) {
	t, err := time.Parse(NVDDateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// date nulls a missing, mistyped or unparsable date, warning for the latter two
func (n *Normalized) date(cveID, name string, f field[string]) *time.Time {
	s := value(n, cveID, name, f)
	if s == nil || *s == "" {
		return nil
	}
	t, err := ParseNVDDate(*s)
	if err != nil {
		n.Warnings = append(n.Warnings, xerrors.Errorf("Failed to parse %s of %s. err: %v: %w", name, cveID, err, ErrMalformedRecord))
		return nil
	}
	return &t
}

// value returns f's value, warning when it had the wrong JSON type
func value[T any](n *Normalized, cveID, name string, f field[T]) *T {
	if f.Err != nil {
		n.Warnings = append(n.Warnings, xerrors.Errorf("Failed to decode %s of %s. err: %v: %w", name, cveID, f.Err, ErrMalformedRecord))
	}
	return f.Value
}

// jsonList keeps the feed's list verbatim, "[]" when absent
func jsonList(raw json.RawMessage) datatypes.JSON {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(trimmed)
}

func primaryReferenceSource(refs datatypes.JSON) (*string, error) {
	var rs []reference
	if err := json.Unmarshal(refs, &rs); err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, nil
	}
	if rs[0].RefSource != nil {
		return rs[0].RefSource, nil
	}
	return rs[0].Source, nil
}

func (n *Normalized) convertCvss3(cveID string, m *baseMetricV3) *models.Cvss3 {
	c := &models.Cvss3{
		CveID:               cveID,
		ExploitabilityScore: value(n, cveID, "exploitabilityScore", m.ExploitabilityScore),
		ImpactScore:         value(n, cveID, "impactScore", m.ImpactScore),
	}
	v := m.CvssV3
	if v == nil {
		return c
	}
	c.Version = value(n, cveID, "version", v.Version)
	c.VectorString = value(n, cveID, "vectorString", v.VectorString)
	c.AttackVector = value(n, cveID, "attackVector", v.AttackVector)
	c.AttackComplexity = value(n, cveID, "attackComplexity", v.AttackComplexity)
	c.PrivilegesRequired = value(n, cveID, "privilegesRequired", v.PrivilegesRequired)
	c.UserInteraction = value(n, cveID, "userInteraction", v.UserInteraction)
	c.Scope = value(n, cveID, "scope", v.Scope)
	c.ConfidentialityImpact = value(n, cveID, "confidentialityImpact", v.ConfidentialityImpact)
	c.IntegrityImpact = value(n, cveID, "integrityImpact", v.IntegrityImpact)
	c.AvailabilityImpact = value(n, cveID, "availabilityImpact", v.AvailabilityImpact)
	c.BaseScore = value(n, cveID, "baseScore", v.BaseScore)
	c.BaseSeverity = value(n, cveID, "baseSeverity", v.BaseSeverity)

	if c.BaseScore == nil && c.VectorString != nil {
		score, err := scoreFromVector(*c.VectorString)
		if err != nil {
			n.Warnings = append(n.Warnings, xerrors.Errorf("Failed to derive baseScore of %s. err: %v: %w", cveID, err, ErrMalformedRecord))
			return c
		}
		c.BaseScore = &score
	}
	return c
}

func scoreFromVector(vector string) (float64, error) {
	switch {
	case strings.HasPrefix(vector, "CVSS:3.0"):
		cvss, err := gocvss30.ParseVector(vector)
		if err != nil {
			return 0, err
		}
		return cvss.BaseScore(), nil
	case strings.HasPrefix(vector, "CVSS:3.1"):
		cvss, err := gocvss31.ParseVector(vector)
		if err != nil {
			return 0, err
		}
		return cvss.BaseScore(), nil
	}
	return 0, xerrors.Errorf("unsupported CVSS vector %q", vector)
}

// walkNode emits one Configuration per cpe_match, depth first, in feed order
func walkNode(cveID string, nd node, confs []models.Configuration) []models.Configuration {
	for _, m := range nd.CpeMatch {
		uri := m.Cpe23URI
		if uri == "" {
			uri = m.Cpe22URI
		}
		confs = append(confs, models.Configuration{
			CveID:                 cveID,
			Operator:              nd.Operator,
			Vulnerable:            m.Vulnerable,
			CpeURI:                uri,
			VersionStartIncluding: m.VersionStartIncluding,
			VersionStartExcluding: m.VersionStartExcluding,
			VersionEndIncluding:   m.VersionEndIncluding,
			VersionEndExcluding:   m.VersionEndExcluding,
		})
	}
	for _, child := range nd.Children {
		confs = walkNode(cveID, child, confs)
	}
	return confs
}
