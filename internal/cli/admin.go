package cli

import (
	"github.com/spf13/cobra"

	"price-truth/internal/app"
)

var proxiesProbeURL string

var proxiesCmd = &cobra.Command{
	Use:         "proxies",
	Short:       "Print the configured proxy pool and its scores",
	Annotations: map[string]string{stdoutAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Proxies(cmd.Context(), app.ProxiesOptions{ProbeURL: proxiesProbeURL}, cmd.OutOrStdout())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations (postgres driver)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	proxiesCmd.Flags().StringVar(&proxiesProbeURL, "probe", "", "Fetch this URL once per proxy before printing scores")
}
