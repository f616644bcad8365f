//go:build linux

package main

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func newExecCmd() *cobra.Command {
	var deadlineMs int
	var wantLogs bool

	cmd := &cobra.Command{
		Use:   "exec <code-token> <request-path>",
		Short: "Dispatch one invocation against a loaded code token and print the response",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			codeToken := args[0]
			requestBytes, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read request: %w", err)
			}

			resp, err := doRequest(http.MethodPost, "/v1/binaries/"+codeToken+"/invocations", map[string]any{
				"request_base64": base64.StdEncoding.EncodeToString(requestBytes),
				"deadline_ms":    deadlineMs,
				"want_logs":      wantLogs,
			})
			if err != nil {
				return err
			}

			var result struct {
				ExecutionToken string `json:"execution_token"`
				Kind           string `json:"kind"`
				ResponseBase64 string `json:"response_base64"`
				ExitCode       int    `json:"exit_code"`
				LogsBase64     string `json:"logs_base64"`
			}
			if err := decodeResponse(resp, &result); err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "execution_token=%s kind=%s exit_code=%d\n", result.ExecutionToken, result.Kind, result.ExitCode)
			if result.ResponseBase64 != "" {
				data, err := base64.StdEncoding.DecodeString(result.ResponseBase64)
				if err != nil {
					return err
				}
				os.Stdout.Write(data)
			}
			if wantLogs && result.LogsBase64 != "" {
				data, err := base64.StdEncoding.DecodeString(result.LogsBase64)
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, "--- logs ---")
				os.Stderr.Write(data)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&deadlineMs, "deadline-ms", 0, "deadline in milliseconds from now, 0 means no deadline")
	cmd.Flags().BoolVar(&wantLogs, "logs", false, "also fetch captured stdout/stderr")
	return cmd
}
