package cfg

import "time"

type Cfg struct {
	// Storage
	DBPath      string
	SourcesFile string

	// HTTP API
	Port         string
	APIAccessKey string

	// Scheduling and queue
	Schedule       string
	SweepOnce      bool
	WorkerCount    int
	PollInterval   time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	JobLease       time.Duration

	// Connectors
	FetchTimeout time.Duration
	MaxPages     int
	FetchRate    float64
	UserAgent    string

	// Classifier
	Classifier        string
	ClassifierModel   string
	AnthropicAPIKey   string
	GeminiAPIKey      string
	ClassifierTimeout time.Duration

	// Application metadata
	Timezone string
	Debug    bool
	Version  string
}
