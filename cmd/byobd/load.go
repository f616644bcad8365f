//go:build linux

package main

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func newLoadCmd() *cobra.Command {
	var workerCount int
	var logEgress bool

	cmd := &cobra.Command{
		Use:   "load <binary-path>",
		Short: "Load a UDF binary and prewarm its worker pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read binary: %w", err)
			}

			resp, err := doRequest(http.MethodPost, "/v1/binaries", map[string]any{
				"binary_base64": base64.StdEncoding.EncodeToString(data),
				"worker_count":  workerCount,
				"log_egress":    logEgress,
			})
			if err != nil {
				return err
			}

			var result struct {
				CodeToken string `json:"code_token"`
			}
			if err := decodeResponse(resp, &result); err != nil {
				return err
			}
			fmt.Println(result.CodeToken)
			return nil
		},
	}
	cmd.Flags().IntVar(&workerCount, "workers", 1, "number of sandboxed workers to prewarm")
	cmd.Flags().BoolVar(&logEgress, "log-egress", false, "capture stdout/stderr for each invocation")
	return cmd
}
