package connector

import (
	"context"
	"log/slog"

	"github.com/lysyi3m/ingest-comb/internal/database"
)

// PendingConnector stands in for channels without a platform integration.
// It always returns an empty list.
type PendingConnector struct {
	channel database.Channel
}

func NewPendingConnector(channel database.Channel) *PendingConnector {
	return &PendingConnector{channel: channel}
}

func (c *PendingConnector) Fetch(ctx context.Context, source database.Source) ([]FetchedItem, error) {
	slog.Warn("Channel not yet supported, returning no items",
		"channel", c.channel,
		"source_id", source.ID)
	return []FetchedItem{}, nil
}
