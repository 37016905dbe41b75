package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/aelexs/captionsync/internal/router"
	"github.com/aelexs/captionsync/internal/surface"
	"github.com/aelexs/captionsync/pkg/protocol"
)

func newListenCmd(opts *options) *cobra.Command {
	var as string
	var verbose bool
	var origin string

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect as a surface and print inbound messages",
		Long: `Connect to the coordinator as a surface (popup or tab:N), announce
readiness, and print every message the coordinator sends until interrupted.
Every message is acknowledged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := protocol.ParseTarget(as)
			if err != nil {
				return err
			}
			wsURL, err := websocketURL(opts.addr)
			if err != nil {
				return err
			}

			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			client, err := surface.New(surface.Config{
				URL:     wsURL,
				Surface: target,
				Origin:  origin,
				OnRefresh: func(context.Context) error {
					fmt.Fprintln(opts.out, "refresh requested")
					return nil
				},
				Logger: logger,
			})
			if err != nil {
				return err
			}

			var mu sync.Mutex
			printMessage := func(_ context.Context, req *router.Request) (any, error) {
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprintf(opts.out, "%s %s\n", req.Message.Type, string(req.Message.Payload))
				return protocol.Ack{Success: true}, nil
			}
			for _, t := range protocol.KnownTypes() {
				if t == protocol.TypeRefreshConnection {
					continue
				}
				client.Handle(t, printMessage)
			}

			go func() {
				select {
				case <-client.Ready():
					fmt.Fprintf(cmd.ErrOrStderr(), "listening as %s\n", target)
				case <-cmd.Context().Done():
				}
			}()
			return client.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&as, "as", "popup", "Surface to connect as: popup or tab:N")
	cmd.Flags().StringVar(&origin, "origin", "", "Origin header to send when the coordinator enforces an allow-list")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log connection events")
	return cmd
}

// websocketURL derives the /ws endpoint from the HTTP address.
func websocketURL(addr string) (string, error) {
	u, err := url.Parse(strings.TrimRight(addr, "/"))
	if err != nil {
		return "", fmt.Errorf("parse --addr: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("--addr must be http or https, got %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}
