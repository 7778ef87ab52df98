package connector

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/lysyi3m/ingest-comb/internal/database"
	"github.com/lysyi3m/ingest-comb/internal/fault"
	"github.com/lysyi3m/ingest-comb/internal/normalize"
)

const youTubeFeedURL = "https://www.youtube.com/feeds/videos.xml?channel_id="

// YouTubeConnector reads the public Atom feed of a channel.
type YouTubeConnector struct {
	fetcher *fetcher
	parser  *gofeed.Parser
}

func NewYouTubeConnector(f *fetcher) *YouTubeConnector {
	return &YouTubeConnector{fetcher: f, parser: gofeed.NewParser()}
}

func (c *YouTubeConnector) Fetch(ctx context.Context, source database.Source) ([]FetchedItem, error) {
	feedURL, err := youTubeFeed(source)
	if err != nil {
		return nil, err
	}

	data, err := c.fetcher.get(ctx, feedURL)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("failed to fetch channel feed: %w", err))
	}

	feed, err := c.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse channel feed: %w", err)
	}

	items := make([]FetchedItem, 0, len(feed.Items))
	for _, item := range feed.Items {
		items = append(items, FetchedItem{
			ExternalID: cmp.Or(videoID(item), item.GUID, item.Link),
			URL:        item.Link,
			Fields: normalize.Fields{
				Title:       item.Title,
				Description: cmp.Or(mediaDescription(item), item.Description),
			},
			Status: database.FetchStatusOK,
		})
	}

	return items, nil
}

// youTubeFeed resolves the feed address from an explicit feed URL, a channel
// id handle or a /channel/<id> page URL.
func youTubeFeed(source database.Source) (string, error) {
	if strings.Contains(source.URL, "/feeds/videos.xml") {
		return source.URL, nil
	}
	if source.Handle != "" {
		return youTubeFeedURL + url.QueryEscape(source.Handle), nil
	}
	if u, err := url.Parse(source.URL); err == nil {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) >= 2 && parts[0] == "channel" && parts[1] != "" {
			return youTubeFeedURL + url.QueryEscape(parts[1]), nil
		}
	}
	return "", fault.Configurationf("youtube source %s needs a channel id handle or a feed url", source.ID)
}

func videoID(item *gofeed.Item) string {
	if yt, ok := item.Extensions["yt"]; ok {
		if ids := yt["videoId"]; len(ids) > 0 {
			return ids[0].Value
		}
	}
	return ""
}

func mediaDescription(item *gofeed.Item) string {
	media, ok := item.Extensions["media"]
	if !ok {
		return ""
	}
	groups := media["group"]
	if len(groups) == 0 {
		return ""
	}
	descriptions := groups[0].Children["description"]
	if len(descriptions) == 0 {
		return ""
	}
	return descriptions[0].Value
}
