package cli

import (
	"github.com/spf13/cobra"

	"price-truth/internal/app"
)

var (
	querySKU     string
	queryText    string
	queryForce   bool
	queryDetails bool
)

var queryCmd = &cobra.Command{
	Use:         "query",
	Short:       "Return the verified price of a product, running a round when stale",
	Annotations: map[string]string{stdoutAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Query(cmd.Context(), queryOptions(), cmd.OutOrStdout())
	},
}

var refreshCmd = &cobra.Command{
	Use:         "refresh",
	Short:       "Force a new consensus round for a product",
	Annotations: map[string]string{stdoutAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Refresh(cmd.Context(), queryOptions(), cmd.OutOrStdout())
	},
}

func queryOptions() app.QueryOptions {
	return app.QueryOptions{
		SKU:     querySKU,
		Query:   queryText,
		Force:   queryForce,
		Details: queryDetails,
	}
}

func init() {
	for _, cmd := range []*cobra.Command{queryCmd, refreshCmd} {
		cmd.Flags().StringVar(&querySKU, "sku", "", "Product SKU / EAN")
		cmd.Flags().StringVar(&queryText, "q", "", "Free-text product query")
		cmd.Flags().BoolVar(&queryDetails, "details", false, "Include per-source quotes and consensus details")
	}
	queryCmd.Flags().BoolVar(&queryForce, "force", false, "Ignore a fresh record and run a new round")
}
