package cfg

import (
	"cmp"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage
	DBPath      string `long:"db-path" env:"DB_PATH" default:"./data/ingest.db" description:"SQLite database file"`
	SourcesFile string `long:"sources-file" env:"SOURCES_FILE" default:"./sources.yml" description:"Source definitions file"`

	// HTTP API
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Scheduling and queue
	Schedule       string `long:"schedule" env:"SCHEDULE" default:"@every 1m" description:"Sweep schedule as a cron expression"`
	SweepOnce      bool   `long:"sweep-once" description:"Run a single sweep and exit"`
	WorkerCount    int    `long:"worker-count" env:"WORKER_COUNT" default:"4" description:"Number of concurrent job consumers"`
	PollInterval   int    `long:"poll-interval" env:"POLL_INTERVAL" default:"2" description:"Idle queue poll interval in seconds"`
	MaxAttempts    int    `long:"max-attempts" env:"MAX_ATTEMPTS" default:"3" description:"Attempts before a job is dead-lettered"`
	RetryBaseDelay int    `long:"retry-base-delay" env:"RETRY_BASE_DELAY" default:"30" description:"First retry delay in seconds"`
	RetryMaxDelay  int    `long:"retry-max-delay" env:"RETRY_MAX_DELAY" default:"900" description:"Retry delay cap in seconds"`
	JobLease       int    `long:"job-lease" env:"JOB_LEASE" default:"900" description:"Job lease in seconds"`

	// Connectors
	FetchTimeout int     `long:"fetch-timeout" env:"FETCH_TIMEOUT" default:"30" description:"HTTP fetch timeout in seconds"`
	MaxPages     int     `long:"max-pages" env:"MAX_PAGES" default:"20" description:"Pages fetched per web crawl"`
	FetchRate    float64 `long:"fetch-rate" env:"FETCH_RATE" default:"1" description:"Requests per second per connector (0 disables limiting)"`
	UserAgent    string  `long:"user-agent" env:"USER_AGENT" default:"Ingest Comb/1.0" description:"User agent string for HTTP requests"`

	// Classifier
	Classifier        string `long:"classifier" env:"CLASSIFIER" default:"none" choice:"claude" choice:"gemini" choice:"none" description:"Compliance classifier provider"`
	ClassifierModel   string `long:"classifier-model" env:"CLASSIFIER_MODEL" description:"Classifier model (provider default when empty)"`
	AnthropicAPIKey   string `long:"anthropic-api-key" env:"ANTHROPIC_API_KEY" description:"Anthropic API key"`
	GeminiAPIKey      string `long:"gemini-api-key" env:"GEMINI_API_KEY" description:"Gemini API key"`
	ClassifierTimeout int    `long:"classifier-timeout" env:"CLASSIFIER_TIMEOUT" default:"60" description:"Classifier call timeout in seconds"`

	// Application metadata
	Timezone string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, Europe/Berlin)"`
	Debug    bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

func Load() (*Cfg, error) {
	cfg, err := parse(os.Args[1:])
	if err != nil || cfg == nil {
		return cfg, err
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	globalCfg = cfg

	return cfg, nil
}

func parse(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if raw.WorkerCount < 1 {
		return nil, fmt.Errorf("worker count must be positive, got %d", raw.WorkerCount)
	}
	if raw.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be positive, got %d", raw.MaxAttempts)
	}

	return &Cfg{
		DBPath:            raw.DBPath,
		SourcesFile:       raw.SourcesFile,
		Port:              raw.Port,
		APIAccessKey:      raw.APIAccessKey,
		Schedule:          raw.Schedule,
		SweepOnce:         raw.SweepOnce,
		WorkerCount:       raw.WorkerCount,
		PollInterval:      seconds(raw.PollInterval),
		MaxAttempts:       raw.MaxAttempts,
		RetryBaseDelay:    seconds(raw.RetryBaseDelay),
		RetryMaxDelay:     seconds(raw.RetryMaxDelay),
		JobLease:          seconds(raw.JobLease),
		FetchTimeout:      seconds(raw.FetchTimeout),
		MaxPages:          raw.MaxPages,
		FetchRate:         raw.FetchRate,
		UserAgent:         raw.UserAgent,
		Classifier:        raw.Classifier,
		ClassifierModel:   raw.ClassifierModel,
		AnthropicAPIKey:   raw.AnthropicAPIKey,
		GeminiAPIKey:      raw.GeminiAPIKey,
		ClassifierTimeout: seconds(raw.ClassifierTimeout),
		Timezone:          raw.Timezone,
		Debug:             raw.Debug,
		Version:           GetVersion(),
	}, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
			fmt.Printf("Timezone configured: %s\n", timezone)
		}
	}
	return nil
}
