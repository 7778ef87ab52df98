package api

import (
	"context"
	"time"

	"github.com/lysyi3m/ingest-comb/internal/database"
	"github.com/lysyi3m/ingest-comb/internal/queue"
	"github.com/lysyi3m/ingest-comb/internal/scheduler"
)

type Scheduler interface {
	TriggerSource(ctx context.Context, sourceID string) (*database.IngestionRun, error)
	Stats() scheduler.Stats
}

type QueueStats interface {
	Stats(ctx context.Context) (map[queue.Status]int, error)
}

var (
	_ Scheduler  = (*scheduler.Scheduler)(nil)
	_ QueueStats = (*queue.Queue)(nil)
)

type Handler struct {
	store     *database.Store
	queue     QueueStats
	scheduler Scheduler
	version   string
}

type sourceResponse struct {
	ID                    string     `json:"id"`
	Channel               string     `json:"channel"`
	CountryCode           string     `json:"country_code"`
	URL                   string     `json:"url,omitempty"`
	Handle                string     `json:"handle,omitempty"`
	CrawlFrequencyMinutes *int       `json:"crawl_frequency_minutes"`
	Enabled               bool       `json:"enabled"`
	Deleted               bool       `json:"deleted"`
	LastRunAt             *time.Time `json:"last_run_at"`
	NextRunAt             *time.Time `json:"next_run_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func newSourceResponse(s database.Source) sourceResponse {
	return sourceResponse{
		ID:                    s.ID,
		Channel:               string(s.Channel),
		CountryCode:           s.CountryCode,
		URL:                   s.URL,
		Handle:                s.Handle,
		CrawlFrequencyMinutes: s.CrawlFrequencyMinutes,
		Enabled:               s.IsEnabled,
		Deleted:               s.IsDeleted,
		LastRunAt:             s.LastRunAt,
		NextRunAt:             s.NextRunAt,
		UpdatedAt:             s.UpdatedAt,
	}
}

type runResponse struct {
	ID             string     `json:"id"`
	SourceID       string     `json:"source_id"`
	RunType        string     `json:"run_type"`
	Channel        string     `json:"channel"`
	CountryCode    string     `json:"country_code"`
	Status         string     `json:"status"`
	StartedAt      *time.Time `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	ItemsFetched   int        `json:"items_fetched"`
	ItemsChanged   int        `json:"items_changed"`
	ItemsFailed    int        `json:"items_failed"`
	TicketsCreated int        `json:"tickets_created"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func newRunResponse(r database.IngestionRun) runResponse {
	return runResponse{
		ID:             r.ID,
		SourceID:       r.SourceID,
		RunType:        string(r.RunType),
		Channel:        string(r.Channel),
		CountryCode:    r.CountryCode,
		Status:         string(r.Status),
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		ItemsFetched:   r.ItemsFetched,
		ItemsChanged:   r.ItemsChanged,
		ItemsFailed:    r.ItemsFailed,
		TicketsCreated: r.TicketsCreated,
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt,
	}
}

type itemResponse struct {
	ExternalID  string    `json:"external_id"`
	URL         string    `json:"url,omitempty"`
	FetchStatus string    `json:"fetch_status"`
	FetchError  string    `json:"fetch_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type auditResponse struct {
	ID          string                 `json:"id"`
	EventType   string                 `json:"event_type"`
	EntityType  string                 `json:"entity_type"`
	EntityID    string                 `json:"entity_id"`
	ActorType   string                 `json:"actor_type"`
	Message     string                 `json:"message"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	CountryCode string                 `json:"country_code,omitempty"`
	Channel     string                 `json:"channel,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}
