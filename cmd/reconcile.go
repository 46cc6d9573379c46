package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one maintenance pass",
	Long:  `Purge expired idempotency keys and re-send order updates that failed after a payment succeeded.`,
	Run: func(cmd *cobra.Command, args []string) {
		deps, err := initializeDependencies()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
			os.Exit(1)
		}
		defer deps.Close()

		deps.Maintain(context.Background())
	},
}
