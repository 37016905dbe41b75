package main

import (
	"encoding/json"
	"net/http"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show coordinator status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var status json.RawMessage
			if _, err := opts.do(cmd.Context(), http.MethodGet, "/v1/status", nil, &status); err != nil {
				return err
			}
			return opts.printJSON(status)
		},
	}
}
