package commands

import (
	"context"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/vulsio/go-cvewatch/config"
	"github.com/vulsio/go-cvewatch/fetcher"
)

var fetchNVDCmd = &cobra.Command{
	Use:   "nvd",
	Short: "Fetch CVEs of the configured vendors from the NVD CVE API",
	Long:  `Fetch CVEs of the configured vendors from the NVD CVE API`,
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		for _, name := range []string{"vendors", "severities", "api-key", "base-url", "results-per-page", "max-results", "interval", "retry-max", "retry-wait-min", "retry-wait-max", "http-proxy", "save-dir"} {
			if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
				return err
			}
		}
		return nil
	},
	RunE: fetchNVD,
}

func init() {
	fetchCmd.AddCommand(fetchNVDCmd)

	fetchNVDCmd.Flags().StringSlice("vendors", []string{"microsoft", "cisco", "fortinet", "paloaltonetworks", "juniper", "oracle", "vmware", "adobe"}, "CPE vendors to watch")
	fetchNVDCmd.Flags().StringSlice("severities", []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}, "cvssV3Severity to query")
	fetchNVDCmd.Flags().String("api-key", "", "NVD API key")
	fetchNVDCmd.Flags().String("base-url", "https://services.nvd.nist.gov/rest/json/cves/1.0", "NVD CVE API endpoint")
	fetchNVDCmd.Flags().Int("results-per-page", 20, "resultsPerPage of a request")
	fetchNVDCmd.Flags().Int("max-results", 1000, "The number of CVEs fetched per vendor at most")
	fetchNVDCmd.Flags().Duration("interval", 6*time.Second, "Wait between requests")
	fetchNVDCmd.Flags().Int("retry-max", 3, "Retries of a request answered 403, 429 or 5xx")
	fetchNVDCmd.Flags().Duration("retry-wait-min", 30*time.Second, "First wait before retrying a request")
	fetchNVDCmd.Flags().Duration("retry-wait-max", 2*time.Minute, "Longest wait before retrying a request")
	fetchNVDCmd.Flags().String("http-proxy", "", "http://proxy-url:port")
	fetchNVDCmd.Flags().String("save-dir", "", "Also save the fetched pages under this directory (for fetch dir)")
}

func fetchNVD(_ *cobra.Command, _ []string) (err error) {
	if err := setLogger(); err != nil {
		return err
	}

	conf := config.FetchConfig{
		BaseURL:        viper.GetString("base-url"),
		APIKey:         viper.GetString("api-key"),
		Vendors:        viper.GetStringSlice("vendors"),
		Severities:     viper.GetStringSlice("severities"),
		ResultsPerPage: viper.GetInt("results-per-page"),
		MaxResults:     viper.GetInt("max-results"),
		Interval:       viper.GetDuration("interval"),
		RetryMax:       viper.GetInt("retry-max"),
		RetryWaitMin:   viper.GetDuration("retry-wait-min"),
		RetryWaitMax:   viper.GetDuration("retry-wait-max"),
		HTTPProxy:      viper.GetString("http-proxy"),
	}
	if err := conf.Validate(); err != nil {
		return err
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

	client, err := fetcher.NewNVDClient(conf)
	if err != nil {
		return xerrors.Errorf("Failed to create NVD client. err: %w", err)
	}

	log15.Info("Fetching CVEs from NVD", "vendors", conf.Vendors)
	pages, fetchErr := client.FetchPages(context.Background())
	if fetchErr != nil {
		// vendors that did fetch are still ingested
		log15.Error("Failed to fetch some vendors", "err", fetchErr)
	}

	if dir := viper.GetString("save-dir"); dir != "" {
		if err := fetcher.WritePages(dir, pages); err != nil {
			return xerrors.Errorf("Failed to save pages. err: %w", err)
		}
	}

	if err := ingest(driver, pages); err != nil {
		return err
	}
	return fetchErr
}
