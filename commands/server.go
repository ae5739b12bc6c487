package commands

import (
	"github.com/inconshreveable/log15"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	server "github.com/vulsio/go-cvewatch/server"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start go-cvewatch HTTP server",
	Long:  `Start go-cvewatch HTTP server`,
	RunE:  executeServer,
}

func init() {
	RootCmd.AddCommand(serverCmd)

	serverCmd.PersistentFlags().String("bind", "127.0.0.1", "HTTP server bind to IP address")
	if err := viper.BindPFlag("bind", serverCmd.PersistentFlags().Lookup("bind")); err != nil {
		panic(err)
	}

	serverCmd.PersistentFlags().String("port", "1328", "HTTP server port number")
	if err := viper.BindPFlag("port", serverCmd.PersistentFlags().Lookup("port")); err != nil {
		panic(err)
	}
}

func executeServer(_ *cobra.Command, _ []string) (err error) {
	if err := setLogger(); err != nil {
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

	log15.Info("Starting HTTP Server...")
	if err = server.Start(viper.GetBool("log-to-file"), viper.GetString("log-dir"), driver); err != nil {
		return xerrors.Errorf("Failed to start server. err: %w", err)
	}

	return nil
}
