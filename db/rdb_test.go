package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/vulsio/go-cvewatch/models"
)

func newTestDB(t *testing.T) *RDBDriver {
	t.Helper()
	driver, locked, err := NewDB(dialectSqlite3, filepath.Join(t.TempDir(), "test.sqlite3"), false, Option{BatchSize: 2})
	require.NoError(t, err)
	require.False(t, locked)
	t.Cleanup(func() { _ = driver.CloseDB() })
	return driver.(*RDBDriver)
}

func ptr[T any](v T) *T {
	return &v
}

func testVuln(cveID, desc string, modified time.Time) models.Vulnerability {
	return models.Vulnerability{
		CveID:           cveID,
		Assigner:        ptr("psirt@example.com"),
		DescriptionLang: ptr("en"),
		DescriptionText: ptr(desc),
		References:      datatypes.JSON(`[{"url": "https://example.com", "refsource": "MISC"}]`),
		Tags:            datatypes.JSON(`[]`),
		ProblemTypes:    datatypes.JSON(`[]`),
		PublishedAt:     ptr(modified.Add(-time.Hour)),
		ModifiedAt:      ptr(modified),
	}
}

func testCvss3(score float64, severity string) *models.Cvss3 {
	return &models.Cvss3{
		Version:      ptr("3.1"),
		VectorString: ptr("CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H"),
		BaseScore:    ptr(score),
		BaseSeverity: ptr(severity),
	}
}

func testConfs(uris ...string) []models.Configuration {
	cs := []models.Configuration{}
	for _, u := range uris {
		cs = append(cs, models.Configuration{Operator: ptr("OR"), Vulnerable: true, CpeURI: u})
	}
	return cs
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestRDBDriver_UpsertVulnerability(t *testing.T) {
	ctx := context.Background()

	t.Run("should insert a new CVE as new", func(t *testing.T) {
		r := newTestDB(t)
		inserted, err := r.UpsertVulnerability(ctx, testVuln("CVE-2024-0001", "desc", now), testCvss3(9.8, "CRITICAL"), testConfs("cpe:2.3:a:acme:app:1:*:*:*:*:*:*:*", "cpe:2.3:a:acme:app:2:*:*:*:*:*:*:*", "cpe:2.3:a:acme:app:3:*:*:*:*:*:*:*"), false)
		require.NoError(t, err)
		assert.True(t, inserted)

		v, err := r.GetVulnerability(ctx, "CVE-2024-0001")
		require.NoError(t, err)
		assert.True(t, v.IsNew)
		assert.Equal(t, "desc", *v.DescriptionText)
		require.NotNil(t, v.Cvss3)
		assert.True(t, v.Cvss3.IsNew)
		assert.Equal(t, 9.8, *v.Cvss3.BaseScore)
		require.Len(t, v.Configurations, 3)
		assert.Equal(t, "cpe:2.3:a:acme:app:1:*:*:*:*:*:*:*", v.Configurations[0].CpeURI)
		assert.True(t, now.Equal(*v.ModifiedAt))
	})

	t.Run("should be idempotent", func(t *testing.T) {
		r := newTestDB(t)
		vuln, cvss3, confs := testVuln("CVE-2024-0001", "desc", now), testCvss3(9.8, "CRITICAL"), testConfs("cpe:2.3:a:acme:app:1:*:*:*:*:*:*:*", "cpe:2.3:a:acme:app:2:*:*:*:*:*:*:*")

		_, err := r.UpsertVulnerability(ctx, vuln, cvss3, confs, false)
		require.NoError(t, err)
		inserted, err := r.UpsertVulnerability(ctx, vuln, cvss3, confs, false)
		require.NoError(t, err)
		assert.False(t, inserted)

		count, err := r.CountVulnerabilities(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		confCount, err := r.CountConfigurations(ctx, "CVE-2024-0001")
		require.NoError(t, err)
		assert.Equal(t, int64(2), confCount)

		v, err := r.GetVulnerability(ctx, "CVE-2024-0001")
		require.NoError(t, err)
		assert.False(t, v.IsNew)
		assert.False(t, v.Cvss3.IsNew)
	})

	t.Run("should replace configurations instead of appending", func(t *testing.T) {
		r := newTestDB(t)
		_, err := r.UpsertVulnerability(ctx, testVuln("CVE-2024-0001", "desc", now), nil, testConfs("a", "b", "c"), false)
		require.NoError(t, err)
		_, err = r.UpsertVulnerability(ctx, testVuln("CVE-2024-0001", "desc", now), nil, testConfs("d", "e"), false)
		require.NoError(t, err)

		v, err := r.GetVulnerability(ctx, "CVE-2024-0001")
		require.NoError(t, err)
		require.Len(t, v.Configurations, 2)
		assert.Equal(t, "d", v.Configurations[0].CpeURI)
		assert.Equal(t, "e", v.Configurations[1].CpeURI)
	})

	t.Run("should overwrite every mutable field and drop a vanished cvss3", func(t *testing.T) {
		r := newTestDB(t)
		_, err := r.UpsertVulnerability(ctx, testVuln("CVE-2024-0001", "old", now), testCvss3(5.0, "MEDIUM"), nil, false)
		require.NoError(t, err)

		updated := testVuln("CVE-2024-0001", "new", now.Add(time.Hour))
		updated.Assigner = nil
		inserted, err := r.UpsertVulnerability(ctx, updated, nil, nil, false)
		require.NoError(t, err)
		assert.False(t, inserted)

		v, err := r.GetVulnerability(ctx, "CVE-2024-0001")
		require.NoError(t, err)
		assert.Equal(t, "new", *v.DescriptionText)
		assert.Nil(t, v.Assigner)
		assert.True(t, now.Add(time.Hour).Equal(*v.ModifiedAt))
		assert.Nil(t, v.Cvss3)
	})

	t.Run("should keep the new flag when asked to", func(t *testing.T) {
		r := newTestDB(t)
		_, err := r.UpsertVulnerability(ctx, testVuln("CVE-2024-0001", "first", now), testCvss3(9.8, "CRITICAL"), testConfs("a"), false)
		require.NoError(t, err)
		inserted, err := r.UpsertVulnerability(ctx, testVuln("CVE-2024-0001", "second", now), testCvss3(9.8, "CRITICAL"), testConfs("b"), true)
		require.NoError(t, err)
		assert.False(t, inserted)

		v, err := r.GetVulnerability(ctx, "CVE-2024-0001")
		require.NoError(t, err)
		assert.Equal(t, "second", *v.DescriptionText)
		assert.True(t, v.IsNew)
		require.NotNil(t, v.Cvss3)
		assert.True(t, v.Cvss3.IsNew)
	})

	t.Run("should update an existing cvss3", func(t *testing.T) {
		r := newTestDB(t)
		_, err := r.UpsertVulnerability(ctx, testVuln("CVE-2024-0001", "desc", now), testCvss3(5.0, "MEDIUM"), nil, false)
		require.NoError(t, err)
		_, err = r.UpsertVulnerability(ctx, testVuln("CVE-2024-0001", "desc", now), testCvss3(8.1, "HIGH"), nil, false)
		require.NoError(t, err)

		v, err := r.GetVulnerability(ctx, "CVE-2024-0001")
		require.NoError(t, err)
		require.NotNil(t, v.Cvss3)
		assert.Equal(t, 8.1, *v.Cvss3.BaseScore)
		assert.Equal(t, "HIGH", *v.Cvss3.BaseSeverity)
	})

	t.Run("should roll back everything when a configuration write fails", func(t *testing.T) {
		r := newTestDB(t)
		_, err := r.UpsertVulnerability(ctx, testVuln("CVE-2024-0001", "before", now), testCvss3(5.0, "MEDIUM"), testConfs("a", "b"), false)
		require.NoError(t, err)

		require.NoError(t, r.conn.Callback().Create().Before("gorm:create").Register("test:fail_configurations", func(db *gorm.DB) {
			if db.Statement.Table == "configurations" {
				_ = db.AddError(errors.New("disk full"))
			}
		}))
		_, err = r.UpsertVulnerability(ctx, testVuln("CVE-2024-0001", "after", now.Add(time.Hour)), testCvss3(9.0, "CRITICAL"), testConfs("c", "d", "e"), false)
		require.Error(t, err)
		var se *StoreError
		assert.True(t, errors.As(err, &se))
		assert.True(t, errors.Is(err, ErrTransientStore))
		require.NoError(t, r.conn.Callback().Create().Remove("test:fail_configurations"))

		v, err := r.GetVulnerability(ctx, "CVE-2024-0001")
		require.NoError(t, err)
		assert.Equal(t, "before", *v.DescriptionText)
		assert.True(t, v.IsNew)
		assert.Equal(t, 5.0, *v.Cvss3.BaseScore)
		require.Len(t, v.Configurations, 2)
		assert.Equal(t, "a", v.Configurations[0].CpeURI)
	})

	t.Run("should leave one complete version under concurrent upserts of a CVE", func(t *testing.T) {
		r := newTestDB(t)
		var wg sync.WaitGroup
		for i := 1; i <= 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				uris := []string{}
				for j := 0; j < i; j++ {
					uris = append(uris, fmt.Sprintf("v%d-%d", i, j))
				}
				_, err := r.UpsertVulnerability(ctx, testVuln("CVE-2024-0001", fmt.Sprintf("v%d", i), now), nil, testConfs(uris...), false)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		v, err := r.GetVulnerability(ctx, "CVE-2024-0001")
		require.NoError(t, err)
		var version int
		_, err = fmt.Sscanf(*v.DescriptionText, "v%d", &version)
		require.NoError(t, err)
		require.Len(t, v.Configurations, version)
		for _, c := range v.Configurations {
			assert.Contains(t, c.CpeURI, fmt.Sprintf("v%d-", version))
		}
	})
}

func TestRDBDriver_GetVulnerability(t *testing.T) {
	r := newTestDB(t)
	_, err := r.GetVulnerability(context.Background(), "CVE-2024-9999")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRDBDriver_NewFlags(t *testing.T) {
	ctx := context.Background()
	r := newTestDB(t)

	_, err := r.UpsertVulnerability(ctx, testVuln("CVE-2024-0001", "old", now.Add(-time.Hour)), testCvss3(9.8, "CRITICAL"), nil, false)
	require.NoError(t, err)
	_, err = r.UpsertVulnerability(ctx, testVuln("CVE-2024-0002", "newer", now), nil, nil, false)
	require.NoError(t, err)
	_, err = r.UpsertVulnerability(ctx, testVuln("CVE-2024-0003", "seen", now), nil, nil, false)
	require.NoError(t, err)
	undated := testVuln("CVE-2024-0004", "undated", now)
	undated.ModifiedAt = nil
	_, err = r.UpsertVulnerability(ctx, undated, nil, nil, false)
	require.NoError(t, err)
	_, err = r.ClearNewFlags(ctx, []string{"CVE-2024-0003"})
	require.NoError(t, err)

	vs, err := r.GetNewVulnerabilities(ctx)
	require.NoError(t, err)
	require.Len(t, vs, 3)
	assert.Equal(t, "CVE-2024-0002", vs[0].CveID)
	assert.Nil(t, vs[0].Cvss3)
	assert.Equal(t, "CVE-2024-0001", vs[1].CveID)
	require.NotNil(t, vs[1].Cvss3)
	assert.Equal(t, "CVE-2024-0004", vs[2].CveID)

	cleared, err := r.ClearNewFlags(ctx, []string{"CVE-2024-0001", "CVE-2024-0002", "CVE-2024-0004", "CVE-2024-9999"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), cleared)

	vs, err = r.GetNewVulnerabilities(ctx)
	require.NoError(t, err)
	assert.Empty(t, vs)

	v, err := r.GetVulnerability(ctx, "CVE-2024-0001")
	require.NoError(t, err)
	assert.False(t, v.Cvss3.IsNew)
}

func TestRDBDriver_DeleteModifiedBefore(t *testing.T) {
	ctx := context.Background()
	r := newTestDB(t)

	old := now.AddDate(-6, 0, 0)
	_, err := r.UpsertVulnerability(ctx, testVuln("CVE-2018-0001", "old", old), testCvss3(5.0, "MEDIUM"), testConfs("a", "b"), false)
	require.NoError(t, err)
	_, err = r.UpsertVulnerability(ctx, testVuln("CVE-2024-0001", "recent", now), testCvss3(5.0, "MEDIUM"), testConfs("c"), false)
	require.NoError(t, err)

	deleted, err := r.DeleteModifiedBefore(ctx, now.AddDate(-5, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = r.GetVulnerability(ctx, "CVE-2018-0001")
	assert.True(t, errors.Is(err, ErrNotFound))
	confCount, err := r.CountConfigurations(ctx, "CVE-2018-0001")
	require.NoError(t, err)
	assert.Zero(t, confCount)
	var cvssCount int64
	require.NoError(t, r.conn.Model(&models.Cvss3{}).Where("cve_id = ?", "CVE-2018-0001").Count(&cvssCount).Error)
	assert.Zero(t, cvssCount)

	v, err := r.GetVulnerability(ctx, "CVE-2024-0001")
	require.NoError(t, err)
	assert.Len(t, v.Configurations, 1)
}

func TestRDBDriver_SearchVulnerabilities(t *testing.T) {
	ctx := context.Background()
	r := newTestDB(t)

	_, err := r.UpsertVulnerability(ctx, testVuln("CVE-2024-0001", "remote code execution in acme app", now.AddDate(0, 0, -2)), testCvss3(9.8, "CRITICAL"), testConfs("cpe:2.3:a:acme:app:1:*:*:*:*:*:*:*"), false)
	require.NoError(t, err)
	_, err = r.UpsertVulnerability(ctx, testVuln("CVE-2024-0002", "xss in initech portal", now.AddDate(0, 0, -1)), testCvss3(6.1, "MEDIUM"), testConfs("cpe:2.3:a:initech:portal:2:*:*:*:*:*:*:*"), false)
	require.NoError(t, err)
	_, err = r.UpsertVulnerability(ctx, testVuln("CVE-2024-0003", "unscored acme bug", now), nil, testConfs("cpe:2.3:a:acme:lib:3:*:*:*:*:*:*:*"), false)
	require.NoError(t, err)

	ids := func(vs []models.Vulnerability) []string {
		ss := []string{}
		for _, v := range vs {
			ss = append(ss, v.CveID)
		}
		return ss
	}

	tests := []struct {
		name   string
		filter SearchFilter
		want   []string
	}{
		{name: "all, newest first", filter: SearchFilter{ShowAll: true}, want: []string{"CVE-2024-0003", "CVE-2024-0002", "CVE-2024-0001"}},
		{name: "min score", filter: SearchFilter{MinScore: ptr(7.0)}, want: []string{"CVE-2024-0001"}},
		{name: "show all ignores min score", filter: SearchFilter{ShowAll: true, MinScore: ptr(7.0), Limit: 2}, want: []string{"CVE-2024-0003", "CVE-2024-0002"}},
		{name: "severity", filter: SearchFilter{BaseSeverity: "MEDIUM"}, want: []string{"CVE-2024-0002"}},
		{name: "search terms are ORed", filter: SearchFilter{Search: []string{"xss", "remote"}}, want: []string{"CVE-2024-0002", "CVE-2024-0001"}},
		{name: "vendor", filter: SearchFilter{Vendors: []string{"acme"}}, want: []string{"CVE-2024-0003", "CVE-2024-0001"}},
		{name: "date range", filter: SearchFilter{StartDate: ptr(now.AddDate(0, 0, -1).Add(-time.Minute)), EndDate: ptr(now.Add(-time.Minute))}, want: []string{"CVE-2024-0002"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vs, err := r.SearchVulnerabilities(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(vs))
		})
	}
}

func TestChunkSlice(t *testing.T) {
	assert.Equal(t, []chunk{{0, 2}, {2, 4}, {4, 5}}, chunkSlice(5, 2))
	assert.Equal(t, []chunk{}, chunkSlice(0, 2))
}
