package sources

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lysyi3m/ingest-comb/internal/database"
)

// File is the on-disk layout of the source definitions file.
type File struct {
	Sources []Definition `yaml:"sources" validate:"unique=ID,dive"`
}

// Definition describes one monitored source.
type Definition struct {
	ID                    string `yaml:"id" validate:"required,max=128"`
	Channel               string `yaml:"channel" validate:"required,oneof=WEB FACEBOOK INSTAGRAM LINKEDIN YOUTUBE"`
	CountryCode           string `yaml:"country_code" validate:"required,len=2,alpha"`
	URL                   string `yaml:"url" validate:"required_if=Channel WEB,omitempty,url"`
	Handle                string `yaml:"handle"`
	CrawlFrequencyMinutes *int   `yaml:"crawl_frequency_minutes" validate:"omitempty,min=1"`
	Enabled               *bool  `yaml:"enabled"`
}

// Source converts the definition into its stored form.
func (d Definition) Source() database.Source {
	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}
	return database.Source{
		ID:                    d.ID,
		Channel:               database.Channel(d.Channel),
		CountryCode:           d.CountryCode,
		URL:                   d.URL,
		Handle:                d.Handle,
		CrawlFrequencyMinutes: d.CrawlFrequencyMinutes,
		IsEnabled:             enabled,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(youTubeRules, Definition{})
	return v
}

// youTubeRules requires either a feed/channel URL or a handle for YouTube.
func youTubeRules(sl validator.StructLevel) {
	d := sl.Current().Interface().(Definition)
	if d.Channel == string(database.ChannelYouTube) && d.URL == "" && d.Handle == "" {
		sl.ReportError(d.URL, "URL", "url", "required_without_handle", "")
	}
}

// Load reads, normalises and validates the definitions file at path.
func Load(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}

	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid sources file %s: %w", path, err)
	}

	slog.Info("Loaded source definitions", "path", path, "count", len(defs))
	return defs, nil
}

// Parse decodes and validates definitions from YAML.
func Parse(data []byte) ([]Definition, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i := range file.Sources {
		setDefaults(&file.Sources[i])
	}

	if err := validate.Struct(file); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return file.Sources, nil
}

func setDefaults(d *Definition) {
	d.ID = strings.TrimSpace(d.ID)
	d.Channel = strings.ToUpper(strings.TrimSpace(d.Channel))
	d.CountryCode = strings.ToUpper(strings.TrimSpace(d.CountryCode))
	d.URL = strings.TrimSpace(d.URL)
	d.Handle = strings.TrimSpace(d.Handle)
}
