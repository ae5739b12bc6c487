package commands

import (
	"context"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Delete CVEs not modified for years",
	Long:  `Delete CVEs, with their CVSS v3 metrics and configurations, last modified more than --years ago`,
	RunE:  archive,
}

func init() {
	RootCmd.AddCommand(archiveCmd)

	archiveCmd.PersistentFlags().Int("years", 5, "Age in years of the CVEs to delete")
	if err := viper.BindPFlag("years", archiveCmd.PersistentFlags().Lookup("years")); err != nil {
		panic(err)
	}
}

func archive(_ *cobra.Command, _ []string) (err error) {
	if err := setLogger(); err != nil {
		return err
	}

	years := viper.GetInt("years")
	if years < 1 {
		return xerrors.Errorf("Failed to archive. err: years(%d) must be positive", years)
	}

	driver, err := openDB()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := driver.CloseDB(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	before := time.Now().UTC().AddDate(-years, 0, 0)
	log15.Info("Deleting old CVEs", "modifiedBefore", before.Format("2006-01-02"))
	deleted, err := driver.DeleteModifiedBefore(context.Background(), before)
	if err != nil {
		return xerrors.Errorf("Failed to archive. err: %w", err)
	}

	count, err := driver.CountVulnerabilities(context.Background())
	if err != nil {
		return err
	}
	log15.Info("Archived CVEs", "deleted", deleted, "remaining", count)
	return nil
}
