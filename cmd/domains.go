package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
	"github.com/spf13/cobra"
)

var domainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "List the available upload domains",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, domains, err := loadConfiguration(cmd)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DOMAIN\tNAME\tENTITY SET\tFIELDS\tFILE PATTERNS")
		for _, id := range config.DomainIDs(domains) {
			d := domains[id]
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", d.Domain, d.Name, d.EntitySet, len(d.Fields),
				strings.Join(d.FileMatchingPatterns, " "))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(domainsCmd)
}
