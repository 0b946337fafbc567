package cmd

import (
	"sort"

	"github.com/spf13/cobra"
)

// healthCmd probes the backend. No session is needed.
func healthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the backend is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.connect(nil)
			if err != nil {
				return err
			}
			h, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}

			status := h.Status
			if status == "" {
				status = "unknown"
			}
			cmd.Printf("Backend %s is up (status: %s)\n", a.cfg.APIRoot(), status)

			keys := make([]string, 0, len(h.Extra))
			for k := range h.Extra {
				if k != "status" {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)
			for _, k := range keys {
				cmd.Printf("  %s: %v\n", k, h.Extra[k])
			}
			return nil
		},
	}
}
