package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lysyi3m/ingest-comb/internal/database"
	"github.com/lysyi3m/ingest-comb/internal/fault"
)

const channelFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns:media="http://search.yahoo.com/mrss/" xmlns="http://www.w3.org/2005/Atom">
 <title>Acme Channel</title>
 <entry>
  <id>yt:video:abc123</id>
  <yt:videoId>abc123</yt:videoId>
  <title>Rocket skates review</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=abc123"/>
  <published>2026-01-02T10:00:00+00:00</published>
  <media:group>
   <media:title>Rocket skates review</media:title>
   <media:description>Guaranteed to catch any roadrunner.</media:description>
  </media:group>
 </entry>
 <entry>
  <id>yt:video:def456</id>
  <yt:videoId>def456</yt:videoId>
  <title>Anvil unboxing</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=def456"/>
  <published>2026-01-01T10:00:00+00:00</published>
 </entry>
</feed>`

func TestYouTubeConnectorParsesChannelFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		w.Write([]byte(channelFeed))
	}))
	defer server.Close()

	c := NewYouTubeConnector(newFetcher(Options{}))
	items, err := c.Fetch(context.Background(), database.Source{
		ID:      "yt",
		Channel: database.ChannelYouTube,
		URL:     server.URL + "/feeds/videos.xml?channel_id=UC1",
	})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "abc123", items[0].ExternalID)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", items[0].URL)
	assert.Equal(t, "Rocket skates review", items[0].Title)
	assert.Equal(t, "Guaranteed to catch any roadrunner.", items[0].Description)
	assert.True(t, items[0].OK())

	assert.Equal(t, "def456", items[1].ExternalID)
}

func TestYouTubeFeedURL(t *testing.T) {
	tests := []struct {
		name     string
		source   database.Source
		expected string
		wantErr  bool
	}{
		{"explicit feed", database.Source{URL: "https://www.youtube.com/feeds/videos.xml?channel_id=UC9"}, "https://www.youtube.com/feeds/videos.xml?channel_id=UC9", false},
		{"handle", database.Source{Handle: "UC42"}, youTubeFeedURL + "UC42", false},
		{"channel page", database.Source{URL: "https://www.youtube.com/channel/UC77/videos"}, youTubeFeedURL + "UC77", false},
		{"nothing usable", database.Source{ID: "x", URL: "https://www.youtube.com/@acme"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := youTubeFeed(tt.source)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, fault.IsConfiguration(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}
