// Package connector fetches raw items for a source. One Connector exists per
// channel and the Registry dispatches on the source's channel.
package connector

import (
	"context"
	"fmt"

	"github.com/lysyi3m/ingest-comb/internal/database"
	"github.com/lysyi3m/ingest-comb/internal/fault"
	"github.com/lysyi3m/ingest-comb/internal/normalize"
)

// FetchedItem is one raw unit returned by a connector. Items that could not
// be fetched carry a non-OK Status and are still returned.
type FetchedItem struct {
	ExternalID string
	URL        string
	normalize.Fields
	Status database.FetchStatus
	Error  string
}

func (i FetchedItem) OK() bool {
	return i.Status == database.FetchStatusOK
}

// Connector fetches the current items of a source. A returned error aborts
// the run; per-item failures belong in FetchedItem.Status.
type Connector interface {
	Fetch(ctx context.Context, source database.Source) ([]FetchedItem, error)
}

type UnsupportedChannelError struct {
	Channel database.Channel
}

func (e *UnsupportedChannelError) Error() string {
	return fmt.Sprintf("unsupported channel %q", e.Channel)
}

type Registry struct {
	connectors map[database.Channel]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[database.Channel]Connector)}
}

// NewDefaultRegistry wires the connector for every known channel.
func NewDefaultRegistry(opts Options) *Registry {
	f := newFetcher(opts)

	r := NewRegistry()
	r.Register(database.ChannelWeb, NewWebConnector(f, opts.MaxPages))
	r.Register(database.ChannelYouTube, NewYouTubeConnector(f))
	for _, ch := range []database.Channel{database.ChannelFacebook, database.ChannelInstagram, database.ChannelLinkedIn} {
		r.Register(ch, NewPendingConnector(ch))
	}
	return r
}

func (r *Registry) Register(channel database.Channel, c Connector) {
	r.connectors[channel] = c
}

// Resolve returns the connector for channel. Unknown channels yield an
// UnsupportedChannelError marked as a configuration error.
func (r *Registry) Resolve(channel database.Channel) (Connector, error) {
	c, ok := r.connectors[channel]
	if !ok {
		return nil, fault.Configuration(&UnsupportedChannelError{Channel: channel},
			"register a connector for the channel or fix the source definition")
	}
	return c, nil
}
