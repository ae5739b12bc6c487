package commands

import (
	"github.com/inconshreveable/log15"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/vulsio/go-cvewatch/fetcher"
)

var fetchDirCmd = &cobra.Command{
	Use:   "dir [path]",
	Short: "Load CVEs from NVD CVE API responses saved under a directory",
	Long:  `Load CVEs from NVD CVE API responses saved under a directory`,
	Args:  cobra.ExactArgs(1),
	RunE:  fetchDir,
}

func init() {
	fetchCmd.AddCommand(fetchDirCmd)
}

func fetchDir(_ *cobra.Command, args []string) (err error) {
	if err := setLogger(); err != nil {
		return err
	}

	log15.Info("Loading CVEs", "dir", args[0])
	pages, err := fetcher.LoadPagesFromDir(args[0])
	if err != nil {
		return xerrors.Errorf("Failed to load pages. err: %w", err)
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

	return ingest(driver, pages)
}
