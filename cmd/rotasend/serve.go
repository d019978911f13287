package main

import (
	"context"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the status API and metrics endpoint without sending",
	Long: `Run the read-only status API and the Prometheus endpoint over the state
store. "send" starts the same servers for the duration of a dispatch, so
serve is only needed to inspect history between runs. The bolt driver
locks its file, so use the sqlite driver to serve while a dispatch runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(context.Background())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
