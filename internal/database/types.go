package database

import (
	"fmt"
	"strings"
	"time"
)

type Channel string

const (
	ChannelWeb       Channel = "WEB"
	ChannelFacebook  Channel = "FACEBOOK"
	ChannelInstagram Channel = "INSTAGRAM"
	ChannelLinkedIn  Channel = "LINKEDIN"
	ChannelYouTube   Channel = "YOUTUBE"
)

var Channels = []Channel{ChannelWeb, ChannelFacebook, ChannelInstagram, ChannelLinkedIn, ChannelYouTube}

func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Channels {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// RunType returns CRAWL for web sources and SOCIAL_PULL for every social platform.
func (c Channel) RunType() RunType {
	if c == ChannelWeb {
		return RunTypeCrawl
	}
	return RunTypeSocialPull
}

type RunType string

const (
	RunTypeCrawl      RunType = "CRAWL"
	RunTypeSocialPull RunType = "SOCIAL_PULL"
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusPartial   RunStatus = "PARTIAL"
	RunStatusFailed    RunStatus = "FAILED"
)

// IsFinished reports whether the run reached SUCCEEDED or PARTIAL.
// FAILED is terminal for the attempt but may be reopened by a queue retry.
func (s RunStatus) IsFinished() bool {
	return s == RunStatusSucceeded || s == RunStatusPartial
}

type FetchStatus string

const (
	FetchStatusOK           FetchStatus = "OK"
	FetchStatusHTTPError    FetchStatus = "HTTP_ERROR"
	FetchStatusTimeout      FetchStatus = "TIMEOUT"
	FetchStatusNetworkError FetchStatus = "NETWORK_ERROR"
	FetchStatusParseError   FetchStatus = "PARSE_ERROR"
	FetchStatusRateLimited  FetchStatus = "RATE_LIMITED"
	// FetchStatusDuplicate records an item dropped because an earlier item
	// of the same fetch had the same external id.
	FetchStatusDuplicate FetchStatus = "DUPLICATE"
)

type Source struct {
	ID                    string
	Channel               Channel
	CountryCode           string
	URL                   string // page URL for WEB, feed or profile URL for social channels
	Handle                string // platform account handle or channel id
	CrawlFrequencyMinutes *int   // nil means never auto-scheduled
	IsEnabled             bool
	IsDeleted             bool
	LastRunAt             *time.Time
	NextRunAt             *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// NextRunAfter computes the next scheduled run from t, or nil when the source
// has no crawl frequency.
func (s Source) NextRunAfter(t time.Time) *time.Time {
	if s.CrawlFrequencyMinutes == nil {
		return nil
	}
	next := t.Add(time.Duration(*s.CrawlFrequencyMinutes) * time.Minute)
	return &next
}

type IngestionRun struct {
	ID             string
	SourceID       string
	RunType        RunType
	Channel        Channel
	CountryCode    string
	Status         RunStatus
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ItemsFetched   int
	ItemsChanged   int
	ItemsFailed    int
	TicketsCreated int
	LastError      string
	CreatedAt      time.Time
}

type IngestionItem struct {
	ID          string
	RunID       string
	SourceID    string
	Channel     Channel
	CountryCode string
	ExternalID  string
	URL         string
	FetchStatus FetchStatus
	FetchError  string
	CreatedAt   time.Time
}

type ContentItem struct {
	ID             string
	SourceID       string
	ExternalID     string
	URL            string
	Channel        Channel
	CountryCode    string
	LatestRevision int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ContentRevision struct {
	ID                 string
	ContentID          string
	RunID              string
	RevisionNumber     int
	NormalizedTextHash string
	ContentKey         string
	Text               string
	CreatedAt          time.Time
}

// IsNew reports whether this is the content item's first revision.
func (r ContentRevision) IsNew() bool {
	return r.RevisionNumber == 1
}

type ContentAnalysis struct {
	ID                 string
	RevisionID         string
	RunID              string
	ComplianceStatus   string
	Violations         string // JSON array
	LanguageDetected   string
	LanguageConfidence *float64
	RawResponse        string
	Error              string
	CreatedAt          time.Time
}

type ActorType string

const (
	ActorSystem    ActorType = "SYSTEM"
	ActorScheduler ActorType = "SCHEDULER"
	ActorOperator  ActorType = "OPERATOR"
)

const (
	EventRunScheduled     = "INGESTION_RUN_SCHEDULED"
	EventRunStarted       = "INGESTION_RUN_STARTED"
	EventRunCompleted     = "INGESTION_RUN_COMPLETED"
	EventRunFailed        = "INGESTION_RUN_FAILED"
	EventViolation        = "VIOLATION_DETECTED"
	EventSourcesSynced    = "SOURCES_SYNCED"
	EntityIngestionRun    = "INGESTION_RUN"
	EntityContentRevision = "CONTENT_REVISION"
	EntitySource          = "SOURCE"
)

// AuditEvent is append-only. Payload is stored as JSON.
type AuditEvent struct {
	ID          string
	EventType   string
	EntityType  string
	EntityID    string
	ActorType   ActorType
	Message     string
	Payload     map[string]interface{}
	CountryCode string
	Channel     Channel
	CreatedAt   time.Time
}
