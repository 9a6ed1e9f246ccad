package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newSweepCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-pins",
		Short: "Unpin broadcast messages whose pin has expired, once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			rt, err := buildRuntime(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.service.SweepExpiredPins(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}
