package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cheggaaa/pb/v3"
	"github.com/inconshreveable/log15"
	"golang.org/x/xerrors"

	"github.com/vulsio/go-cvewatch/db"
	"github.com/vulsio/go-cvewatch/fetcher"
	"github.com/vulsio/go-cvewatch/models"
	"github.com/vulsio/go-cvewatch/utils"
)

// Store is the part of db.DB the pipeline writes through
type Store interface {
	UpsertVulnerability(ctx context.Context, vuln models.Vulnerability, cvss3 *models.Cvss3, confs []models.Configuration, keepNew bool) (bool, error)
}

// Pipeline ingests feed pages into the store
type Pipeline struct {
	Store  Store
	Locker db.Locker

	// Workers > 1 fans items out; same-ID upserts still serialize on Locker
	Workers int

	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration

	ShowProgress bool
}

// Failure is one item that was not stored
type Failure struct {
	Page   int
	Index  int
	CveID  string
	Reason string
}

// Summary :
type Summary struct {
	Processed int
	Inserted  int
	Updated   int
	Failed    int
	Failures  []Failure
}

type task struct {
	page  int
	index int
	raw   json.RawMessage
}

// created holds the CVEs this run inserted; a later copy in the same run must not clear their new flag
type created struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (c *created) add(cveID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[cveID] = struct{}{}
}

func (c *created) has(cveID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ids[cveID]
	return ok
}

type result struct {
	done     bool
	cveID    string
	inserted bool
	err      error
}

// RunIngestion normalizes and upserts every item of pages, in feed order.
// Per-item failures are collected in the summary. A fatal store error, or ctx being done,
// stops dispatching; the partial summary is returned with that error.
func (p *Pipeline) RunIngestion(ctx context.Context, pages []fetcher.Page) (Summary, error) {
	tasks := []task{}
	for i, page := range pages {
		for j, raw := range page.Items {
			tasks = append(tasks, task{page: i, index: j, raw: raw})
		}
	}

	var bar *pb.ProgressBar
	if p.ShowProgress {
		bar = pb.StartNew(len(tasks))
	}

	results := make([]result, len(tasks))
	seen := &created{ids: map[string]struct{}{}}
	locker := p.Locker
	if locker == nil {
		locker = db.NewLocalLocker()
	}

	var (
		mu       sync.Mutex
		fatalErr error
		wg       sync.WaitGroup
		stopErr  error
		taskChan chan<- func()
	)
	aborted := func() error {
		mu.Lock()
		defer mu.Unlock()
		return fatalErr
	}
	if 1 < p.Workers {
		taskChan = utils.GenWorkers(p.Workers)
	}

	for i := range tasks {
		if err := ctx.Err(); err != nil {
			stopErr = xerrors.Errorf("Failed to ingest. stopped before item %d. err: %w", i, err)
			break
		}
		if aborted() != nil {
			break
		}

		i := i
		run := func() {
			results[i] = p.process(ctx, locker, seen, tasks[i])
			if isFatal(results[i].err) {
				mu.Lock()
				if fatalErr == nil {
					fatalErr = results[i].err
				}
				mu.Unlock()
			}
			if bar != nil {
				bar.Increment()
			}
		}
		if taskChan == nil {
			run()
			continue
		}
		wg.Add(1)
		taskChan <- func() {
			defer wg.Done()
			run()
		}
	}
	if taskChan != nil {
		wg.Wait()
		close(taskChan)
	}
	if bar != nil {
		bar.Finish()
	}

	sum := Summary{Failures: []Failure{}}
	for i, r := range results {
		if !r.done {
			continue
		}
		sum.Processed++
		if r.err != nil {
			if stopErr == nil && (errors.Is(r.err, context.Canceled) || errors.Is(r.err, context.DeadlineExceeded)) {
				stopErr = xerrors.Errorf("Failed to ingest. stopped at item %d. err: %w", i, r.err)
			}
			sum.Failed++
			sum.Failures = append(sum.Failures, Failure{
				Page:   tasks[i].page,
				Index:  tasks[i].index,
				CveID:  r.cveID,
				Reason: r.err.Error(),
			})
			continue
		}
		if r.inserted {
			sum.Inserted++
		} else {
			sum.Updated++
		}
	}

	if err := aborted(); err != nil {
		return sum, xerrors.Errorf("Failed to ingest. aborted on store error. err: %w", err)
	}
	return sum, stopErr
}

// process handles one item. Waiting for the lock or between retries gives up when ctx is done;
// an upsert attempt that has started runs to the end regardless.
func (p *Pipeline) process(ctx context.Context, locker db.Locker, seen *created, t task) result {
	n, err := fetcher.Normalize(t.raw)
	if err != nil {
		log15.Warn("Skip malformed record", "page", t.page, "index", t.index, "err", err)
		return result{done: true, err: err}
	}
	cveID := n.Vulnerability.CveID
	for _, w := range n.Warnings {
		log15.Warn("Record has malformed fields", "cveID", cveID, "warn", w)
	}

	unlock, err := locker.Lock(ctx, cveID)
	if err != nil {
		return result{done: true, cveID: cveID, err: xerrors.Errorf("Failed to lock %s. err: %w", cveID, err)}
	}
	defer unlock()

	// the same CVE shows up under every watched vendor it affects
	keepNew := seen.has(cveID)
	upsertCtx := context.WithoutCancel(ctx)

	var (
		inserted bool
		lastErr  error
	)
	op := func() error {
		ins, err := p.Store.UpsertVulnerability(upsertCtx, n.Vulnerability, n.Cvss3, n.Configurations, keepNew)
		if err != nil {
			lastErr = err
			if errors.Is(err, db.ErrFatalStore) {
				return backoff.Permanent(err)
			}
			return err
		}
		inserted = ins
		return nil
	}
	notify := func(err error, d time.Duration) {
		log15.Debug("Retry upsert", "cveID", cveID, "after", d, "err", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), p.MaxRetries), ctx), notify); err != nil {
		if lastErr != nil && !errors.Is(err, lastErr) {
			err = xerrors.Errorf("Failed to upsert %s. last err: %v, err: %w", cveID, lastErr, err)
		}
		log15.Error("Failed to upsert", "cveID", cveID, "err", err)
		return result{done: true, cveID: cveID, err: err}
	}
	if inserted {
		seen.add(cveID)
	}
	return result{done: true, cveID: cveID, inserted: inserted}
}

func (p *Pipeline) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if 0 < p.InitialInterval {
		b.InitialInterval = p.InitialInterval
	}
	if 0 < p.MaxInterval {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// unavailable is fatal only once it has outlived the retries, which is the only way it reaches here
func isFatal(err error) bool {
	return errors.Is(err, db.ErrFatalStore) || errors.Is(err, db.ErrStoreUnavailable)
}
