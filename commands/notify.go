package commands

import (
	"context"
	"fmt"

	"github.com/inconshreveable/log15"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/vulsio/go-cvewatch/config"
	"github.com/vulsio/go-cvewatch/notifier"
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Notify new CVEs scoring at least the threshold and mark every new CVE as seen",
	Long:  `Notify new CVEs scoring at least the threshold and mark every new CVE as seen`,
	RunE:  notify,
}

func init() {
	RootCmd.AddCommand(notifyCmd)

	notifyCmd.PersistentFlags().Float64("threshold", 7.9, "Minimum CVSS v3 base score to notify")
	if err := viper.BindPFlag("threshold", notifyCmd.PersistentFlags().Lookup("threshold")); err != nil {
		panic(err)
	}

	notifyCmd.PersistentFlags().Int("max-batch", 50, "Above this many notices a single summary notice is sent instead")
	if err := viper.BindPFlag("max-batch", notifyCmd.PersistentFlags().Lookup("max-batch")); err != nil {
		panic(err)
	}

	notifyCmd.PersistentFlags().String("link-base", notifier.DefaultLinkBase, "Prefix of the CVE link in notices")
	if err := viper.BindPFlag("link-base", notifyCmd.PersistentFlags().Lookup("link-base")); err != nil {
		panic(err)
	}

	notifyCmd.PersistentFlags().Bool("dry-run", false, "Log notices instead of sending email")
	if err := viper.BindPFlag("dry-run", notifyCmd.PersistentFlags().Lookup("dry-run")); err != nil {
		panic(err)
	}

	notifyCmd.PersistentFlags().String("smtp-host", "", "SMTP server host")
	if err := viper.BindPFlag("smtp.host", notifyCmd.PersistentFlags().Lookup("smtp-host")); err != nil {
		panic(err)
	}

	notifyCmd.PersistentFlags().Int("smtp-port", 587, "SMTP server port")
	if err := viper.BindPFlag("smtp.port", notifyCmd.PersistentFlags().Lookup("smtp-port")); err != nil {
		panic(err)
	}

	notifyCmd.PersistentFlags().String("smtp-user", "", "SMTP login")
	if err := viper.BindPFlag("smtp.username", notifyCmd.PersistentFlags().Lookup("smtp-user")); err != nil {
		panic(err)
	}

	notifyCmd.PersistentFlags().String("smtp-from", "", "Sender address")
	if err := viper.BindPFlag("smtp.from", notifyCmd.PersistentFlags().Lookup("smtp-from")); err != nil {
		panic(err)
	}

	notifyCmd.PersistentFlags().StringSlice("smtp-to", []string{}, "Recipient addresses")
	if err := viper.BindPFlag("smtp.to", notifyCmd.PersistentFlags().Lookup("smtp-to")); err != nil {
		panic(err)
	}

	notifyCmd.PersistentFlags().String("smtp-subject", "CVE Alert", "Subject prefix")
	if err := viper.BindPFlag("smtp.subject", notifyCmd.PersistentFlags().Lookup("smtp-subject")); err != nil {
		panic(err)
	}

	notifyCmd.PersistentFlags().String("smtp-tls", "mandatory", "STARTTLS policy (mandatory, opportunistic or none)")
	if err := viper.BindPFlag("smtp.tls-policy", notifyCmd.PersistentFlags().Lookup("smtp-tls")); err != nil {
		panic(err)
	}
}

func notify(_ *cobra.Command, _ []string) (err error) {
	if err := setLogger(); err != nil {
		return err
	}

	// the SMTP password is read from the config file or CVEWATCH_SMTP_PASSWORD only
	conf := config.NotifyConfig{
		Threshold: viper.GetFloat64("threshold"),
		MaxBatch:  viper.GetInt("max-batch"),
		LinkBase:  viper.GetString("link-base"),
		DryRun:    viper.GetBool("dry-run"),
		SMTP: config.SMTPConfig{
			Host:      viper.GetString("smtp.host"),
			Port:      viper.GetInt("smtp.port"),
			Username:  viper.GetString("smtp.username"),
			Password:  viper.GetString("smtp.password"),
			From:      viper.GetString("smtp.from"),
			To:        viper.GetStringSlice("smtp.to"),
			Subject:   viper.GetString("smtp.subject"),
			TLSPolicy: viper.GetString("smtp.tls-policy"),
		},
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	var n notifier.Notifier = notifier.LogNotifier{}
	if !conf.DryRun {
		m, err := notifier.NewMailer(conf.SMTP)
		if err != nil {
			return xerrors.Errorf("Failed to create mailer. err: %w", err)
		}
		n = m
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

	s := notifier.Selector{Store: driver, Notifier: n, LinkBase: conf.LinkBase}
	sum, err := s.RunNotification(context.Background(), conf.Threshold, conf.MaxBatch)
	if err != nil {
		return xerrors.Errorf("Failed to notify. err: %w", err)
	}

	log15.Info("Finished notification", "examined", sum.Examined, "notified", sum.Notified, "suppressed", sum.Suppressed, "cleared", sum.Cleared, "overflow", sum.Overflow)
	for _, f := range sum.DeliveryFailures {
		fmt.Printf("[undelivered] cve: %s, reason: %s\n", f.CveID, f.Reason)
	}
	if 0 < len(sum.DeliveryFailures) {
		return xerrors.Errorf("Failed to deliver %d notices", len(sum.DeliveryFailures))
	}
	return nil
}
