package gcalnotify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-yaml"
)

// Config holds the watch targets and delivery rules for an App.
type Config struct {
	Webhook             string            `yaml:"webhook,omitempty"`
	Expiration          time.Duration     `yaml:"expiration,omitempty"`
	PageSize            int64             `yaml:"page_size,omitempty"`
	Calendars           []*CalendarConfig `yaml:"calendars,omitempty"`
	CalendarsAutoDetect *bool             `yaml:"calendars_auto_detect,omitempty"`
	Rules               []*FilterRule     `yaml:"rules,omitempty"`
	MaintenanceSchedule string            `yaml:"maintenance_schedule,omitempty"`
}

// CalendarConfig names one calendar collection to watch.
type CalendarConfig struct {
	CalendarID string `yaml:"calendar_id,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Expiration: 7 * 24 * time.Hour,
		PageSize:   defaultPageSize,
		Calendars: []*CalendarConfig{
			{
				CalendarID: DefaultCalendarID,
			},
		},
	}
}

// Load loads configuration files from file paths or URLs. Later paths
// override earlier ones field by field.
func (cfg *Config) Load(ctx context.Context, paths ...string) error {
	for _, path := range paths {
		if err := cfg.load(ctx, path); err != nil {
			return fmt.Errorf("%s load failed: %w", path, err)
		}
	}
	return cfg.Restrict()
}

func (cfg *Config) load(ctx context.Context, path string) error {
	content, err := fetchConfig(ctx, path)
	if err != nil {
		return err
	}
	return yaml.UnmarshalWithOptions(content, cfg, yaml.Strict())
}

func fetchConfig(ctx context.Context, path string) ([]byte, error) {
	u, err := url.Parse(path)
	if err != nil {
		return os.ReadFile(path)
	}
	switch u.Scheme {
	case "http", "https":
		return fetchConfigFromHTTP(ctx, u)
	case "s3":
		return fetchConfigFromS3(ctx, u)
	case "file", "":
		return os.ReadFile(u.Path)
	default:
		return nil, fmt.Errorf("scheme %s is not supported", u.Scheme)
	}
}

func fetchConfigFromHTTP(ctx context.Context, u *url.URL) ([]byte, error) {
	slog.InfoContext(ctx, "fetching config", "url", u.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch failed: HTTP %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func fetchConfigFromS3(ctx context.Context, u *url.URL) ([]byte, error) {
	slog.InfoContext(ctx, "fetching config", "url", u.String())
	awsCfg, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}
	downloader := manager.NewDownloader(s3.NewFromConfig(awsCfg))
	var buf manager.WriteAtBuffer
	_, err = downloader.Download(ctx, &buf, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimLeft(u.Path, "/")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from S3, %s", err)
	}
	return buf.Bytes(), nil
}

// Restrict restricts a configuration.
func (cfg *Config) Restrict() error {
	if cfg.Expiration == 0 {
		return errors.New("expiration is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.CalendarsAutoDetect == nil {
		value := len(cfg.Calendars) == 0
		cfg.CalendarsAutoDetect = &value
	}
	if len(cfg.Calendars) == 0 && !*cfg.CalendarsAutoDetect {
		return errors.New("calendars does not configured")
	}
	for i, calendarCfg := range cfg.Calendars {
		if err := calendarCfg.Restrict(); err != nil {
			return fmt.Errorf("calendars[%d]:%w", i, err)
		}
	}
	return nil
}

// Restrict restricts a configuration.
func (cfg *CalendarConfig) Restrict() error {
	if cfg.CalendarID == "" {
		return errors.New("calendar_id is required")
	}
	return nil
}
