package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/crimap/crimap-cli/internal/ingest"
	"github.com/crimap/crimap-cli/internal/taxonomy"
)

var (
	labelsCSVPath    string
	labelsContains   string
	labelsUnassigned bool
)

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "List distinct crime-type labels in a CSV export",
	Long:  "Scans the export and prints its distinct Tipo Enquadramento values, for building or auditing the taxonomy.",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(labelsCSVPath)
		if err != nil {
			return eris.Wrapf(err, "open csv %s", labelsCSVPath)
		}
		defer f.Close()

		labels, err := ingest.DistinctLabels(f, delimiterFromConfig(), labelsContains)
		if err != nil {
			return err
		}

		var classifier *taxonomy.Classifier
		if labelsUnassigned {
			tax, err := loadTaxonomy()
			if err != nil {
				return err
			}
			classifier = taxonomy.NewClassifier(tax)
		}

		printed := 0
		for _, label := range labels {
			if classifier != nil {
				if _, ok := classifier.Classify(label); ok {
					continue
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), label)
			printed++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d labels\n", printed)
		return nil
	},
}

func init() {
	labelsCmd.Flags().StringVar(&labelsCSVPath, "csv", "", "path to the CSV export (required)")
	labelsCmd.Flags().StringVar(&labelsContains, "contains", "", "case-insensitive substring filter")
	labelsCmd.Flags().BoolVar(&labelsUnassigned, "unassigned", false, "only labels missing from the taxonomy")
	labelsCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(labelsCmd)
}
