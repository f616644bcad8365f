//go:build linux

package main

import (
	"net/http"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-token>",
		Short: "Cancel a pending or in-flight invocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := doRequest(http.MethodPost, "/v1/invocations/"+args[0]+"/cancel", nil)
			if err != nil {
				return err
			}
			return decodeResponse(resp, nil)
		},
	}
}
