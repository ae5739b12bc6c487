package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/vulsio/go-cvewatch/config"
	"github.com/vulsio/go-cvewatch/db"
	"github.com/vulsio/go-cvewatch/fetcher"
	"github.com/vulsio/go-cvewatch/pipeline"
)

// fetchCmd represents the fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch CVEs into the database",
	Long:  `Fetch CVEs into the database`,
}

func init() {
	RootCmd.AddCommand(fetchCmd)

	fetchCmd.PersistentFlags().Int("workers", 1, "The number of items upserted concurrently")
	if err := viper.BindPFlag("workers", fetchCmd.PersistentFlags().Lookup("workers")); err != nil {
		panic(err)
	}

	fetchCmd.PersistentFlags().Uint64("max-retries", 5, "Retries of a transient store error per CVE")
	if err := viper.BindPFlag("max-retries", fetchCmd.PersistentFlags().Lookup("max-retries")); err != nil {
		panic(err)
	}

	fetchCmd.PersistentFlags().Duration("retry-initial-interval", 500*time.Millisecond, "First backoff of a store retry")
	if err := viper.BindPFlag("retry-initial-interval", fetchCmd.PersistentFlags().Lookup("retry-initial-interval")); err != nil {
		panic(err)
	}

	fetchCmd.PersistentFlags().Duration("retry-max-interval", 10*time.Second, "Longest backoff of a store retry")
	if err := viper.BindPFlag("retry-max-interval", fetchCmd.PersistentFlags().Lookup("retry-max-interval")); err != nil {
		panic(err)
	}

	fetchCmd.PersistentFlags().Duration("timeout", 0, "Stop dispatching items after this long (0: no limit)")
	if err := viper.BindPFlag("timeout", fetchCmd.PersistentFlags().Lookup("timeout")); err != nil {
		panic(err)
	}

	fetchCmd.PersistentFlags().String("lock-url", "", "redis://host:port/db to lock CVEs across processes (default: in-process lock)")
	if err := viper.BindPFlag("lock-url", fetchCmd.PersistentFlags().Lookup("lock-url")); err != nil {
		panic(err)
	}

	fetchCmd.PersistentFlags().Bool("progress", false, "show a progress bar")
	if err := viper.BindPFlag("progress", fetchCmd.PersistentFlags().Lookup("progress")); err != nil {
		panic(err)
	}
}

func ingestConfig() config.IngestConfig {
	return config.IngestConfig{
		Workers:         viper.GetInt("workers"),
		MaxRetries:      viper.GetUint64("max-retries"),
		InitialInterval: viper.GetDuration("retry-initial-interval"),
		MaxInterval:     viper.GetDuration("retry-max-interval"),
		Timeout:         viper.GetDuration("timeout"),
		LockURL:         viper.GetString("lock-url"),
	}
}

// ingest runs the pipeline over pages and records the fetch date. Item failures make the command fail
// after every other item has been committed.
func ingest(driver db.DB, pages []fetcher.Page) error {
	conf := ingestConfig()
	if err := conf.Validate(); err != nil {
		return err
	}

	var locker db.Locker = db.NewLocalLocker()
	if conf.LockURL != "" {
		l, err := db.NewRedisLocker(conf.LockURL)
		if err != nil {
			return xerrors.Errorf("Failed to connect lock server. err: %w", err)
		}
		locker = l
	}
	defer locker.Close()

	ctx := context.Background()
	if 0 < conf.Timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conf.Timeout)
		defer cancel()
	}

	p := pipeline.Pipeline{
		Store:           driver,
		Locker:          locker,
		Workers:         conf.Workers,
		MaxRetries:      conf.MaxRetries,
		InitialInterval: conf.InitialInterval,
		MaxInterval:     conf.MaxInterval,
		ShowProgress:    viper.GetBool("progress"),
	}

	log15.Info("Inserting CVEs", "db", driver.Name(), "pages", len(pages))
	sum, runErr := p.RunIngestion(ctx, pages)
	printIngestSummary(sum)
	if runErr != nil {
		return xerrors.Errorf("Failed to ingest. err: %w", runErr)
	}

	fetchMeta, err := driver.GetFetchMeta()
	if err != nil {
		return xerrors.Errorf("Failed to get FetchMeta from DB. err: %w", err)
	}
	fetchMeta.LastFetchedDate = time.Now()
	if err := driver.UpsertFetchMeta(fetchMeta); err != nil {
		return xerrors.Errorf("Failed to upsert FetchMeta to DB. err: %w", err)
	}

	if 0 < sum.Failed {
		return xerrors.Errorf("Failed to ingest %d of %d CVEs", sum.Failed, sum.Processed)
	}
	return nil
}

func printIngestSummary(sum pipeline.Summary) {
	log15.Info("Finished ingestion", "processed", sum.Processed, "inserted", sum.Inserted, "updated", sum.Updated, "failed", sum.Failed)
	for _, f := range sum.Failures {
		fmt.Printf("[failed] page: %d, index: %d, cve: %s, reason: %s\n", f.Page, f.Index, f.CveID, f.Reason)
	}
}
