//go:build linux

package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	apiAddr    string
	apiKey     string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "byobd",
		Short: "BYOB UDF sandbox daemon",
		Long:  "byobd loads opaque user-supplied native executables, runs them inside pivot_root/namespace sandboxes, and dispatches one request/response invocation per worker life.",
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to byobd.yaml")
	root.PersistentFlags().StringVar(&apiAddr, "addr", "http://127.0.0.1:8080", "admin API base URL, for load/exec/cancel/delete")
	root.PersistentFlags().StringVar(&apiKey, "api-key", "", "admin API bearer token")

	root.AddCommand(newServeCmd())
	root.AddCommand(newLoadCmd())
	root.AddCommand(newExecCmd())
	root.AddCommand(newCancelCmd())
	root.AddCommand(newDeleteCmd())
	return root
}
