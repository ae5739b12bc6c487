package db

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vulsio/go-cvewatch/models"
)

// UpsertVulnerability writes one CVE and its Cvss3 and Configurations in a single transaction.
// inserted reports whether the CVE was unknown before; a known CVE is updated and loses its new flag
// unless keepNew is set, which callers use for a CVE they created earlier in the same run.
// The conflicting insert or the update takes the row lock on the CVE, so two upserts
// of the same CVE serialize and the stored state is entirely one of them.
func (r *RDBDriver) UpsertVulnerability(ctx context.Context, vuln models.Vulnerability, cvss3 *models.Cvss3, confs []models.Configuration, keepNew bool) (inserted bool, err error) {
	tx := r.conn.WithContext(ctx).Begin()
	if tx.Error != nil {
		return false, newBeginError(tx.Error)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			return
		}
		if cerr := tx.Commit().Error; cerr != nil {
			inserted, err = false, newStoreError("commit", cerr)
		}
	}()

	vuln.IsNew = true
	vuln.Cvss3 = nil
	vuln.Configurations = nil
	res := tx.Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(&vuln)
	if res.Error != nil {
		return false, newStoreError("insert vulnerability", res.Error)
	}
	inserted = res.RowsAffected == 1
	if !inserted {
		if err := tx.Model(&models.Vulnerability{}).Where("cve_id = ?", vuln.CveID).Updates(vulnerabilityColumns(vuln, keepNew)).Error; err != nil {
			return false, newStoreError("update vulnerability", err)
		}
	}

	if err := r.upsertCvss3(tx, vuln.CveID, cvss3, keepNew); err != nil {
		return false, err
	}

	if err := tx.Where("cve_id = ?", vuln.CveID).Delete(&models.Configuration{}).Error; err != nil {
		return false, newStoreError("delete configurations", err)
	}
	if 0 < len(confs) {
		cs := make([]models.Configuration, 0, len(confs))
		for _, c := range confs {
			c.ID = 0
			c.CveID = vuln.CveID
			cs = append(cs, c)
		}
		if err := tx.CreateInBatches(cs, r.batchSize).Error; err != nil {
			return false, newStoreError("insert configurations", err)
		}
	}
	return inserted, nil
}

func (r *RDBDriver) upsertCvss3(tx *gorm.DB, cveID string, cvss3 *models.Cvss3, keepNew bool) error {
	if cvss3 == nil {
		if err := tx.Where("cve_id = ?", cveID).Delete(&models.Cvss3{}).Error; err != nil {
			return newStoreError("delete cvss3", err)
		}
		return nil
	}

	c := *cvss3
	c.CveID = cveID
	c.IsNew = true
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&c)
	if res.Error != nil {
		return newStoreError("insert cvss3", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if err := tx.Model(&models.Cvss3{}).Where("cve_id = ?", cveID).Updates(cvss3Columns(c, keepNew)).Error; err != nil {
		return newStoreError("update cvss3", err)
	}
	return nil
}

// every mutable column, nil included; gorm skips zero values of a struct
func vulnerabilityColumns(v models.Vulnerability, keepNew bool) map[string]interface{} {
	cols := map[string]interface{}{
		"assigner":                 v.Assigner,
		"problem_types":            v.ProblemTypes,
		"description_lang":         v.DescriptionLang,
		"description_text":         v.DescriptionText,
		"reference_data":           v.References,
		"primary_reference_source": v.PrimaryReferenceSource,
		"tags":                     v.Tags,
		"published_at":             v.PublishedAt,
		"modified_at":              v.ModifiedAt,
	}
	if !keepNew {
		cols["is_new"] = false
	}
	return cols
}

func cvss3Columns(c models.Cvss3, keepNew bool) map[string]interface{} {
	cols := map[string]interface{}{
		"version":                c.Version,
		"vector_string":          c.VectorString,
		"attack_vector":          c.AttackVector,
		"attack_complexity":      c.AttackComplexity,
		"privileges_required":    c.PrivilegesRequired,
		"user_interaction":       c.UserInteraction,
		"scope":                  c.Scope,
		"confidentiality_impact": c.ConfidentialityImpact,
		"integrity_impact":       c.IntegrityImpact,
		"availability_impact":    c.AvailabilityImpact,
		"base_score":             c.BaseScore,
		"base_severity":          c.BaseSeverity,
		"exploitability_score":   c.ExploitabilityScore,
		"impact_score":           c.ImpactScore,
	}
	if !keepNew {
		cols["is_new"] = false
	}
	return cols
}
