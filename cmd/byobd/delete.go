//go:build linux

package main

import (
	"net/http"

	"github.com/spf13/cobra"
)

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <code-token>",
		Short: "Kill and remove every worker for a code token, and forget its artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := doRequest(http.MethodDelete, "/v1/binaries/"+args[0], nil)
			if err != nil {
				return err
			}
			return decodeResponse(resp, nil)
		},
	}
}
