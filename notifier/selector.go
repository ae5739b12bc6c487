package notifier

import (
	"context"
	"fmt"

	"github.com/inconshreveable/log15"
	"golang.org/x/xerrors"

	"github.com/vulsio/go-cvewatch/models"
)

// Store is the part of db.DB the selector reads and clears
type Store interface {
	GetNewVulnerabilities(context.Context) ([]models.Vulnerability, error)
	ClearNewFlags(context.Context, []string) (int64, error)
}

// Selector turns new records into notices
type Selector struct {
	Store    Store
	Notifier Notifier
	LinkBase string
}

// Failure :
type Failure struct {
	CveID  string
	Reason string
}

// Summary :
type Summary struct {
	Examined         int
	Notified         int
	Suppressed       int
	Cleared          int64
	Overflow         bool
	DeliveryFailures []Failure
}

// RunNotification notifies every new record scoring at least threshold, or sends a single
// overflow notice when more than maxBatch qualify. Every examined record is cleared,
// whatever its score or the delivery outcome.
func (s *Selector) RunNotification(ctx context.Context, threshold float64, maxBatch int) (Summary, error) {
	sum := Summary{DeliveryFailures: []Failure{}}

	vulns, err := s.Store.GetNewVulnerabilities(ctx)
	if err != nil {
		return sum, xerrors.Errorf("Failed to get new vulnerabilities. err: %w", err)
	}
	sum.Examined = len(vulns)
	if len(vulns) == 0 {
		log15.Info("No new vulnerabilities found")
		return sum, nil
	}

	qualifying := []models.Vulnerability{}
	for _, v := range vulns {
		if score := v.BaseScore(); score != nil && threshold <= *score {
			qualifying = append(qualifying, v)
		}
	}
	sum.Suppressed = len(vulns) - len(qualifying)
	log15.Info("New vulnerabilities found", "count", len(vulns), "qualifying", len(qualifying))

	if maxBatch < len(qualifying) {
		sum.Overflow = true
		sum.Suppressed += len(qualifying)
		if err := s.Notifier.NotifyOverflow(ctx, Overflow{Count: len(qualifying), Threshold: threshold}); err != nil {
			log15.Error("Failed to send overflow notice", "err", err)
			sum.DeliveryFailures = append(sum.DeliveryFailures, Failure{Reason: err.Error()})
		}
	} else {
		for _, v := range qualifying {
			if err := s.Notifier.Notify(ctx, s.notice(v)); err != nil {
				log15.Error("Failed to send notice", "cveID", v.CveID, "err", err)
				sum.DeliveryFailures = append(sum.DeliveryFailures, Failure{CveID: v.CveID, Reason: err.Error()})
				continue
			}
			sum.Notified++
		}
	}

	ids := make([]string, 0, len(vulns))
	for _, v := range vulns {
		ids = append(ids, v.CveID)
	}
	if sum.Cleared, err = s.Store.ClearNewFlags(ctx, ids); err != nil {
		return sum, xerrors.Errorf("Failed to clear new flags. err: %w", err)
	}
	return sum, nil
}

func (s *Selector) notice(v models.Vulnerability) Notice {
	linkBase := s.LinkBase
	if linkBase == "" {
		linkBase = DefaultLinkBase
	}
	n := Notice{
		CveID:       v.CveID,
		Assigner:    deref(v.Assigner),
		Description: deref(v.DescriptionText),
		PublishedAt: v.PublishedAt,
		Link:        fmt.Sprintf("%s%s", linkBase, v.CveID),
	}
	if v.Cvss3 != nil {
		n.BaseSeverity = deref(v.Cvss3.BaseSeverity)
		if v.Cvss3.BaseScore != nil {
			n.BaseScore = *v.Cvss3.BaseScore
		}
	}
	return n
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
