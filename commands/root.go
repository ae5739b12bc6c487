package commands

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/inconshreveable/log15"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/vulsio/go-cvewatch/config"
	"github.com/vulsio/go-cvewatch/db"
	"github.com/vulsio/go-cvewatch/models"
	"github.com/vulsio/go-cvewatch/utils"
)

var cfgFile string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:           "go-cvewatch",
	Short:         "Watch NVD for new CVEs of your vendors",
	Long:          `Fetch CVEs of the configured vendors from NVD into a database and notify by email when severe ones appear`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.go-cvewatch.yaml)")

	RootCmd.PersistentFlags().Bool("log-to-file", false, "output log to file")
	if err := viper.BindPFlag("log-to-file", RootCmd.PersistentFlags().Lookup("log-to-file")); err != nil {
		panic(err)
	}

	RootCmd.PersistentFlags().String("log-dir", utils.GetDefaultLogDir(), "/path/to/log")
	if err := viper.BindPFlag("log-dir", RootCmd.PersistentFlags().Lookup("log-dir")); err != nil {
		panic(err)
	}

	RootCmd.PersistentFlags().Bool("log-json", false, "output log as JSON")
	if err := viper.BindPFlag("log-json", RootCmd.PersistentFlags().Lookup("log-json")); err != nil {
		panic(err)
	}

	RootCmd.PersistentFlags().Bool("debug", false, "debug mode (default: false)")
	if err := viper.BindPFlag("debug", RootCmd.PersistentFlags().Lookup("debug")); err != nil {
		panic(err)
	}

	RootCmd.PersistentFlags().Bool("debug-sql", false, "SQL debug mode")
	if err := viper.BindPFlag("debug-sql", RootCmd.PersistentFlags().Lookup("debug-sql")); err != nil {
		panic(err)
	}

	pwd := os.Getenv("PWD")
	RootCmd.PersistentFlags().String("dbpath", filepath.Join(pwd, "go-cvewatch.sqlite3"), "/path/to/sqlite3 or SQL connection string")
	if err := viper.BindPFlag("dbpath", RootCmd.PersistentFlags().Lookup("dbpath")); err != nil {
		panic(err)
	}

	RootCmd.PersistentFlags().String("dbtype", "sqlite3", "Database type to store data in (sqlite3, mysql or postgres supported)")
	if err := viper.BindPFlag("dbtype", RootCmd.PersistentFlags().Lookup("dbtype")); err != nil {
		panic(err)
	}

	RootCmd.PersistentFlags().Int("batch-size", 50, "The number of batch size to insert.")
	if err := viper.BindPFlag("batch-size", RootCmd.PersistentFlags().Lookup("batch-size")); err != nil {
		panic(err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			log15.Error("Failed to find home directory.", "err", err)
			os.Exit(1)
		}

		// Search config in home directory with name ".go-cvewatch" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".go-cvewatch")
	}

	viper.SetEnvPrefix("CVEWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		log15.Info("Using config file", "path", viper.ConfigFileUsed())
	}
}

func dbConfig() config.DBConfig {
	return config.DBConfig{
		DBType:    viper.GetString("dbtype"),
		DBPath:    viper.GetString("dbpath"),
		DebugSQL:  viper.GetBool("debug-sql"),
		BatchSize: viper.GetInt("batch-size"),
	}
}

// openDB opens the configured database and refuses one built by another schema version
func openDB() (db.DB, error) {
	conf := dbConfig()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	driver, locked, err := db.NewDB(conf.DBType, conf.DBPath, conf.DebugSQL, db.Option{BatchSize: conf.BatchSize})
	if err != nil {
		if locked {
			return nil, xerrors.Errorf("Failed to initialize DB. Close DB connection before fetching. err: %w", err)
		}
		return nil, xerrors.Errorf("Failed to open DB. err: %w", err)
	}

	fetchMeta, err := driver.GetFetchMeta()
	if err != nil {
		_ = driver.CloseDB()
		return nil, xerrors.Errorf("Failed to get FetchMeta from DB. err: %w", err)
	}
	if fetchMeta.OutDated() {
		_ = driver.CloseDB()
		return nil, xerrors.Errorf("Failed to open DB. err: SchemaVersion is old. SchemaVersion: %+v", map[string]uint{"latest": models.LatestSchemaVersion, "DB": fetchMeta.SchemaVersion})
	}
	return driver, nil
}

func setLogger() error {
	if err := utils.SetLogger(viper.GetBool("log-to-file"), viper.GetString("log-dir"), viper.GetBool("debug"), viper.GetBool("log-json")); err != nil {
		return xerrors.Errorf("Failed to SetLogger. err: %w", err)
	}
	return nil
}
