package commands

import (
	"context"
	"fmt"
	"regexp"

	"github.com/k0kubun/pp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/vulsio/go-cvewatch/models"
)

var cveIDRegexp = regexp.MustCompile(`^CVE-\d{1,}-\d{1,}$`)

// searchCmd represents the search command
var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the data of CVE",
	Long:  `Search the data of CVE`,
	RunE:  searchVulnerability,
}

func init() {
	RootCmd.AddCommand(searchCmd)

	searchCmd.PersistentFlags().String("param", "", "CVE ID like CVE-xxxx-xxxx")
	if err := viper.BindPFlag("param", searchCmd.PersistentFlags().Lookup("param")); err != nil {
		panic(err)
	}

	searchCmd.PersistentFlags().Bool("pretty", false, "Dump the whole record")
	if err := viper.BindPFlag("pretty", searchCmd.PersistentFlags().Lookup("pretty")); err != nil {
		panic(err)
	}
}

func searchVulnerability(_ *cobra.Command, _ []string) (err error) {
	if err := setLogger(); err != nil {
		return err
	}

	param := viper.GetString("param")
	if !cveIDRegexp.MatchString(param) {
		return xerrors.Errorf("Specify the search parameters like `--param CVE-xxxx-xxxx`")
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

	v, err := driver.GetVulnerability(context.Background(), param)
	if err != nil {
		return err
	}
	if viper.GetBool("pretty") {
		pp.Println(v)
		return nil
	}
	printResult(*v)
	return nil
}

func printResult(v models.Vulnerability) {
	fmt.Println("")
	fmt.Println("Results: CVE Record")
	fmt.Println("---------------------------------------")
	fmt.Printf("\n[*] CVE: %s\n", v.CveID)
	fmt.Printf("  Assigner: %s\n", str(v.Assigner))
	fmt.Printf("  Description: %s\n", str(v.DescriptionText))
	if v.PublishedAt != nil {
		fmt.Printf("  Published: %s\n", v.PublishedAt.Format("2006-01-02 15:04"))
	}
	if v.ModifiedAt != nil {
		fmt.Printf("  Modified: %s\n", v.ModifiedAt.Format("2006-01-02 15:04"))
	}
	fmt.Printf("  New: %t\n", v.IsNew)
	if c := v.Cvss3; c != nil {
		fmt.Println("\n[-] CVSS v3")
		if c.BaseScore != nil {
			fmt.Printf("  Base Score: %.1f (%s)\n", *c.BaseScore, str(c.BaseSeverity))
		}
		fmt.Printf("  Vector: %s\n", str(c.VectorString))
	}
	if 0 < len(v.Configurations) {
		fmt.Println("\n[-] Configurations")
		for _, c := range v.Configurations {
			fmt.Printf("  %s vulnerable: %t\n", c.CpeURI, c.Vulnerable)
		}
	}
	fmt.Println("\n---------------------------------------")
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
