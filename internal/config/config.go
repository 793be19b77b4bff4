package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskbridge.yml.
type Config struct {
	Board struct {
		Endpoint       string `yaml:"endpoint"`
		Token          string `yaml:"token"`
		PipeID         string `yaml:"pipe_id"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		Phases         Phases `yaml:"phases"`
		Fields         struct {
			Responsible      string `yaml:"responsible"`
			ResponsibleEmail string `yaml:"responsible_email"`
		} `yaml:"fields"`
	} `yaml:"board"`
	Lifecycle Lifecycle `yaml:"lifecycle"`
	Cache     struct {
		TTLSeconds   int `yaml:"ttl_seconds"`
		SweepSeconds int `yaml:"sweep_seconds"`
	} `yaml:"cache"`
	RateLimit struct {
		MaxRequests   int `yaml:"max_requests"`
		WindowSeconds int `yaml:"window_seconds"`
	} `yaml:"rate_limit"`
	Permissions struct {
		AdminUsers    []string `yaml:"admin_users"`
		ReviewerRoles []string `yaml:"reviewer_roles"`
	} `yaml:"permissions"`
	Identity struct {
		Emails    map[string]string `yaml:"emails"`
		FullNames map[string]string `yaml:"full_names"`
	} `yaml:"identity"`
	Gamification  Gamification `yaml:"gamification"`
	Notifications struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notifications"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
		Stdout  bool `yaml:"stdout"`
	} `yaml:"telemetry"`
}

// Phases holds the remote board phase ids.
type Phases struct {
	Backlog    string `yaml:"backlog"`
	Todo       string `yaml:"todo"`
	InProgress string `yaml:"in_progress"`
	InReview   string `yaml:"in_review"`
	Blocked    string `yaml:"blocked"`
	Done       string `yaml:"done"`
}

type Lifecycle struct {
	MaxTasksPerUser      int `yaml:"max_tasks_per_user"`
	WarningHours         int `yaml:"warning_hours"`
	TimeoutHours         int `yaml:"timeout_hours"`
	MinCompleteComment   int `yaml:"min_complete_comment"`
	MinApproveComment    int `yaml:"min_approve_comment"`
	LimitScanSize        int `yaml:"limit_scan_size"`
	ListSize             int `yaml:"list_size"`
	DashboardSize        int `yaml:"dashboard_size"`
	MaxDescriptionLength int `yaml:"max_description_length"`
	CompletePoints       int `yaml:"complete_points"`
	ApprovePoints        int `yaml:"approve_points"`
}

type Gamification struct {
	DataDir         string `yaml:"data_dir"`
	TimeZone        string `yaml:"time_zone"`
	ResetWeekday    string `yaml:"reset_weekday"`
	ResetHour       int    `yaml:"reset_hour"`
	LeaderboardSize int    `yaml:"leaderboard_size"`
}

// WebhookConfig is one notification target fed from the audit log.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Format         string   `yaml:"format"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tb config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Board.Endpoint) == "" {
		return fmt.Errorf("config.board.endpoint is required")
	}
	p := c.Board.Phases
	for name, id := range map[string]string{
		"backlog": p.Backlog, "todo": p.Todo, "in_progress": p.InProgress,
		"in_review": p.InReview, "blocked": p.Blocked, "done": p.Done,
	} {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("config.board.phases.%s is required", name)
		}
	}
	l := c.Lifecycle
	if l.MaxTasksPerUser < 0 {
		return fmt.Errorf("config.lifecycle.max_tasks_per_user must be >= 0")
	}
	if l.WarningHours <= 0 || l.TimeoutHours <= 0 {
		return fmt.Errorf("config.lifecycle warning_hours and timeout_hours must be positive")
	}
	if l.WarningHours > l.TimeoutHours {
		return fmt.Errorf("config.lifecycle.warning_hours must not exceed timeout_hours")
	}
	if l.MinCompleteComment < 1 || l.MinApproveComment < 1 {
		return fmt.Errorf("config.lifecycle comment minimums must be at least 1")
	}
	if l.LimitScanSize <= 0 || l.ListSize <= 0 || l.DashboardSize <= 0 {
		return fmt.Errorf("config.lifecycle scan and list sizes must be positive")
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("config.cache.ttl_seconds must be positive")
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("config.rate_limit max_requests and window_seconds must be positive")
	}
	if c.Gamification.TimeZone != "" {
		if _, err := time.LoadLocation(c.Gamification.TimeZone); err != nil {
			return fmt.Errorf("config.gamification.time_zone: %w", err)
		}
	}
	if _, err := ParseWeekday(c.Gamification.ResetWeekday); err != nil {
		return err
	}
	if c.Gamification.ResetHour < 0 || c.Gamification.ResetHour > 23 {
		return fmt.Errorf("config.gamification.reset_hour must be 0-23")
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
		switch hook.Format {
		case "", "json", "discord":
		default:
			return fmt.Errorf("config.notifications.webhooks[%d].format must be json or discord", i)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not a level", c.Log.Level)
	}
	return nil
}

func (c *Config) BoardTimeout() time.Duration {
	return time.Duration(c.Board.TimeoutSeconds) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

func (c *Config) CacheSweep() time.Duration {
	if c.Cache.SweepSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Cache.SweepSeconds) * time.Second
}

func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

func (l Lifecycle) Warning() time.Duration {
	return time.Duration(l.WarningHours) * time.Hour
}

func (l Lifecycle) Timeout() time.Duration {
	return time.Duration(l.TimeoutHours) * time.Hour
}

// Location resolves the gamification time zone, falling back to UTC.
func (g Gamification) Location() *time.Location {
	if g.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(g.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseWeekday accepts english weekday names; empty means Monday.
func ParseWeekday(s string) (time.Weekday, error) {
	if strings.TrimSpace(s) == "" {
		return time.Monday, nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), strings.TrimSpace(s)) {
			return d, nil
		}
	}
	return time.Monday, fmt.Errorf("config.gamification.reset_weekday %q is not a weekday", s)
}

// ParseMappings decodes a JSON object of identifier to value, as carried by
// the USER_MAPPINGS and FULLNAME_MAPPINGS environment variables.
func ParseMappings(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]string{}, nil
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid mappings json: %w", err)
	}
	return out, nil
}

// SplitList parses comma separated values, trimming blanks.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskbridge.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config from raw YAML bytes on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `board:
  endpoint: https://api.pipefy.com/graphql
  token: ""
  pipe_id: ""
  timeout_seconds: 30
  phases:
    backlog: "341883328"
    todo: "341905612"
    in_progress: "341883329"
    blocked: "341905631"
    in_review: "341883330"
    done: "341883354"
  fields:
    responsible: ""
    responsible_email: ""

lifecycle:
  max_tasks_per_user: 3
  warning_hours: 24
  timeout_hours: 48
  min_complete_comment: 5
  min_approve_comment: 3
  limit_scan_size: 100
  list_size: 25
  dashboard_size: 20
  max_description_length: 1000
  complete_points: 50
  approve_points: 30

cache:
  ttl_seconds: 300
  sweep_seconds: 60

rate_limit:
  max_requests: 10
  window_seconds: 60

permissions:
  admin_users: []
  reviewer_roles: []

identity:
  emails: {}
  full_names: {}

gamification:
  data_dir: .taskbridge
  time_zone: America/Sao_Paulo
  reset_weekday: Monday
  reset_hour: 9
  leaderboard_size: 50

notifications:
  webhooks: []

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: info
  format: json

telemetry:
  enabled: false
  stdout: false
`
