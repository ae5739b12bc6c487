package notifier

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/vulsio/go-cvewatch/db"
	"github.com/vulsio/go-cvewatch/models"
)

type recorder struct {
	notices   []Notice
	overflows []Overflow
	failOn    map[string]bool
}

func (r *recorder) Notify(_ context.Context, n Notice) error {
	if r.failOn[n.CveID] {
		return xerrors.Errorf("smtp: 550 mailbox unavailable: %w", ErrDelivery)
	}
	r.notices = append(r.notices, n)
	return nil
}

func (r *recorder) NotifyOverflow(_ context.Context, o Overflow) error {
	r.overflows = append(r.overflows, o)
	return nil
}

func newTestDB(t *testing.T) db.DB {
	t.Helper()
	driver, _, err := db.NewDB("sqlite3", filepath.Join(t.TempDir(), "test.sqlite3"), false, db.Option{BatchSize: 10})
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.CloseDB() })
	return driver
}

func insert(t *testing.T, driver db.DB, cveID string, score *float64, modified time.Time) {
	t.Helper()
	desc := "desc of " + cveID
	v := models.Vulnerability{CveID: cveID, DescriptionText: &desc, ModifiedAt: &modified, PublishedAt: &modified}
	var c *models.Cvss3
	if score != nil {
		sev := "HIGH"
		c = &models.Cvss3{BaseScore: score, BaseSeverity: &sev}
	}
	_, err := driver.UpsertVulnerability(context.Background(), v, c, nil, false)
	require.NoError(t, err)
}

func score(f float64) *float64 {
	return &f
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestSelector_RunNotification(t *testing.T) {
	ctx := context.Background()

	t.Run("should notify only records at or above the threshold and clear all", func(t *testing.T) {
		driver := newTestDB(t)
		insert(t, driver, "CVE-2024-0001", score(8.5), now)
		insert(t, driver, "CVE-2024-0002", score(6.0), now)
		insert(t, driver, "CVE-2024-0003", score(7.9), now.Add(-time.Hour))
		insert(t, driver, "CVE-2024-0004", nil, now)

		rec := &recorder{}
		s := Selector{Store: driver, Notifier: rec}
		sum, err := s.RunNotification(ctx, 7.9, 50)
		require.NoError(t, err)

		require.Len(t, rec.notices, 2)
		assert.Equal(t, "CVE-2024-0001", rec.notices[0].CveID)
		assert.Equal(t, 8.5, rec.notices[0].BaseScore)
		assert.Equal(t, "HIGH", rec.notices[0].BaseSeverity)
		assert.Equal(t, "desc of CVE-2024-0001", rec.notices[0].Description)
		assert.Equal(t, "https://nvd.nist.gov/vuln/detail/CVE-2024-0001", rec.notices[0].Link)
		assert.Equal(t, "CVE-2024-0003", rec.notices[1].CveID)
		assert.Empty(t, rec.overflows)

		assert.Equal(t, 4, sum.Examined)
		assert.Equal(t, 2, sum.Notified)
		assert.Equal(t, 2, sum.Suppressed)
		assert.Equal(t, int64(4), sum.Cleared)
		assert.False(t, sum.Overflow)

		vs, err := driver.GetNewVulnerabilities(ctx)
		require.NoError(t, err)
		assert.Empty(t, vs)
	})

	t.Run("should notify a record once and clear both when one is below", func(t *testing.T) {
		driver := newTestDB(t)
		insert(t, driver, "CVE-2024-0001", score(8.5), now)
		insert(t, driver, "CVE-2024-0002", score(6.0), now)

		rec := &recorder{}
		s := Selector{Store: driver, Notifier: rec}
		sum, err := s.RunNotification(ctx, 7.9, 50)
		require.NoError(t, err)
		assert.Len(t, rec.notices, 1)
		assert.Equal(t, int64(2), sum.Cleared)

		// nothing new on the next run
		sum, err = s.RunNotification(ctx, 7.9, 50)
		require.NoError(t, err)
		assert.Len(t, rec.notices, 1)
		assert.Zero(t, sum.Examined)
	})

	t.Run("should send one overflow notice above max batch", func(t *testing.T) {
		driver := newTestDB(t)
		for i := 0; i < 51; i++ {
			insert(t, driver, fmt.Sprintf("CVE-2024-%04d", i), score(9.0), now)
		}

		rec := &recorder{}
		s := Selector{Store: driver, Notifier: rec}
		sum, err := s.RunNotification(ctx, 7.9, 50)
		require.NoError(t, err)

		assert.Empty(t, rec.notices)
		require.Len(t, rec.overflows, 1)
		assert.Equal(t, 51, rec.overflows[0].Count)
		assert.True(t, sum.Overflow)
		assert.Equal(t, int64(51), sum.Cleared)
		assert.Equal(t, 51, sum.Suppressed)
	})

	t.Run("should send individual notices at exactly max batch", func(t *testing.T) {
		driver := newTestDB(t)
		for i := 0; i < 3; i++ {
			insert(t, driver, fmt.Sprintf("CVE-2024-%04d", i), score(9.0), now)
		}

		rec := &recorder{}
		s := Selector{Store: driver, Notifier: rec, LinkBase: "https://cve.example.com/"}
		sum, err := s.RunNotification(ctx, 7.9, 3)
		require.NoError(t, err)
		assert.Len(t, rec.notices, 3)
		assert.False(t, sum.Overflow)
		assert.Equal(t, "https://cve.example.com/CVE-2024-0000", rec.notices[0].Link)
	})

	t.Run("should clear records whose delivery failed", func(t *testing.T) {
		driver := newTestDB(t)
		insert(t, driver, "CVE-2024-0001", score(9.0), now)
		insert(t, driver, "CVE-2024-0002", score(9.0), now.Add(-time.Hour))

		rec := &recorder{failOn: map[string]bool{"CVE-2024-0001": true}}
		s := Selector{Store: driver, Notifier: rec}
		sum, err := s.RunNotification(ctx, 7.9, 50)
		require.NoError(t, err)

		assert.Equal(t, 1, sum.Notified)
		require.Len(t, sum.DeliveryFailures, 1)
		assert.Equal(t, "CVE-2024-0001", sum.DeliveryFailures[0].CveID)
		assert.Equal(t, "CVE-2024-0002", rec.notices[0].CveID)
		assert.Equal(t, int64(2), sum.Cleared)
	})

	t.Run("should do nothing without new records", func(t *testing.T) {
		driver := newTestDB(t)
		rec := &recorder{}
		s := Selector{Store: driver, Notifier: rec}
		sum, err := s.RunNotification(ctx, 7.9, 50)
		require.NoError(t, err)
		assert.Zero(t, sum.Examined)
		assert.Zero(t, sum.Cleared)
	})
}
