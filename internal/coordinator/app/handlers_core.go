package app

import (
	"context"

	"github.com/aelexs/captionsync/internal/router"
	"github.com/aelexs/captionsync/pkg/protocol"
)

func (c *Coordinator) handleReadyCheck(ctx context.Context, req *router.Request) (any, error) {
	c.tracker.Mark(req.From, true)
	c.logger.DebugContext(ctx, "coordinator.surface_ready", "surface", req.From.String())
	return protocol.ReadyCheckResponse{Ready: true, Component: string(protocol.TargetBackground)}, nil
}

func (c *Coordinator) handleGetServiceStatus(context.Context, *router.Request) (any, error) {
	return c.serviceStatus(), nil
}

// handleRefreshConnection lets a surface that saw backend failures ask the
// coordinator to re-verify the session ahead of the schedule.
func (c *Coordinator) handleRefreshConnection(ctx context.Context, req *router.Request) (any, error) {
	c.logger.InfoContext(ctx, "coordinator.refresh_requested", "surface", req.From.String())
	c.refresher.RequestRefresh(ctx)
	return protocol.Ack{Success: true}, nil
}
