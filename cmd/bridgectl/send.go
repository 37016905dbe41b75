package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/aelexs/captionsync/pkg/protocol"
)

func newSendCmd(opts *options) *cobra.Command {
	var to, from string

	cmd := &cobra.Command{
		Use:   "send TYPE [PAYLOAD_JSON]",
		Short: "Send a message through the coordinator",
		Long: `Send a message through the coordinator.

Without --to the message is routed to the coordinator's own handlers as if
sent by --from, and the handler's reply is printed. With --to it is delivered
to that surface (popup, tab:N, or all), queued if the surface is not ready.`,
		Example: `  bridgectl send GET_SERVICE_STATUS
  bridgectl send WORD_CLICKED '{"text":"hello","context":"hello world"}' --from tab:3
  bridgectl send WORD_SELECTED '{"text":"hello"}' --to popup`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := &protocol.Message{Type: protocol.MessageType(args[0])}
			if !protocol.IsKnown(msg.Type) {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s is not a known message type\n", msg.Type)
			}
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				msg.Payload = json.RawMessage(args[1])
			}

			body := map[string]any{"message": msg}
			if to != "" {
				target, err := protocol.ParseTarget(to)
				if err != nil {
					return err
				}
				body["target"] = target
			}
			if from != "" {
				source, err := protocol.ParseTarget(from)
				if err != nil {
					return err
				}
				body["from"] = source
			}

			var reply json.RawMessage
			if _, err := opts.do(cmd.Context(), http.MethodPost, "/v1/messages", body, &reply); err != nil {
				return err
			}
			return opts.printJSON(reply)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "Deliver to this surface instead of routing to the coordinator")
	cmd.Flags().StringVar(&from, "from", "", "Route as if sent by this surface (default background)")
	return cmd
}
