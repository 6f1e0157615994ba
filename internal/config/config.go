// Package config loads aily's environment-variable configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// HostSpec is one entry parsed from SSH_HOSTS: "name@user@host:port".
type HostSpec struct {
	Name string
	User string
	Addr string
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`

	DBPath string `envconfig:"DB_PATH" default:"./aily.db"`

	// Platforms — comma separated subset of "discord,slack"
	Platforms string `envconfig:"PLATFORMS" default:"discord,slack"`

	DiscordBotToken  string `envconfig:"DISCORD_BOT_TOKEN"`
	DiscordChannelID string `envconfig:"DISCORD_CHANNEL_ID"`

	SlackBotToken   string `envconfig:"SLACK_BOT_TOKEN"`
	SlackAppToken   string `envconfig:"SLACK_APP_TOKEN"`
	SlackChannelID  string `envconfig:"SLACK_CHANNEL_ID"`

	// SSH_HOSTS: comma-separated "name@user@host:port" entries. HostsFile,
	// when set, is a YAML roster that supplements/overrides this list, read
	// at startup and again on SIGHUP reload (spec §4.1 Reload operation).
	SSHHosts          string `envconfig:"SSH_HOSTS"`
	HostsFile         string `envconfig:"HOSTS_FILE"`
	SSHKnownHostsFile string `envconfig:"SSH_KNOWN_HOSTS_FILE"`

	ThreadCleanup   string `envconfig:"THREAD_CLEANUP" default:"archive"` // archive|delete
	TmuxThreadSync  bool   `envconfig:"TMUX_THREAD_SYNC" default:"true"`
	NotifyMaxRetries int   `envconfig:"NOTIFY_MAX_RETRIES" default:"2"`

	DashboardToken    string `envconfig:"DASHBOARD_TOKEN"`
	DashboardJWTSecret string `envconfig:"DASHBOARD_JWT_SECRET"`
	WSMaxClients      int    `envconfig:"WS_MAX_CLIENTS" default:"50"`

	PollIntervalMS     int `envconfig:"POLL_INTERVAL_MS" default:"10000"`
	ScrapeIntervalMS   int `envconfig:"SCRAPE_INTERVAL_MS" default:"3000"`
	IdleAfterSec       int `envconfig:"IDLE_AFTER_SEC" default:"900"`
	OrphanRetainHours  int `envconfig:"ORPHAN_RETAIN_HOURS" default:"24"`

	SnapshotIntervalHours int    `envconfig:"SNAPSHOT_INTERVAL_HOURS" default:"6"`
	SnapshotRetentionDays int    `envconfig:"SNAPSHOT_RETENTION_DAYS" default:"7"`
	SnapshotDir           string `envconfig:"SNAPSHOT_DIR" default:"./backups"`

	// TranscriptPathTemplate resolves a session's transcript log path on its
	// host; {agent} and {name} are substituted. Only agent types in
	// ScrapeAgentTypes are tailed (spec §4.8: claude, gemini, codex, opencode).
	TranscriptPathTemplate string `envconfig:"TRANSCRIPT_PATH_TEMPLATE" default:"~/.{agent}/sessions/{name}.jsonl"`
	ScrapeAgentTypes       string `envconfig:"SCRAPE_AGENT_TYPES" default:"claude,gemini,codex,opencode"`

	// Management/dashboard REST+WS gateway
	MgmtListenAddr     string        `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtRateLimitRPS   int           `envconfig:"MGMT_RATE_LIMIT_RPS" default:"20"`
	MgmtRateLimitBurst int           `envconfig:"MGMT_RATE_LIMIT_BURST" default:"40"`
	MgmtTLSCert        string        `envconfig:"MGMT_TLS_CERT"`
	MgmtTLSKey         string        `envconfig:"MGMT_TLS_KEY"`
	MgmtCORSOrigins    string        `envconfig:"MGMT_CORS_ORIGINS"`
	CallbackTimeout    time.Duration `envconfig:"CALLBACK_TIMEOUT" default:"30s"`
}

// DiscordEnabled returns true if Discord is selected and credentials are set.
func (c *Config) DiscordEnabled() bool {
	return c.hasPlatform("discord") && c.DiscordBotToken != "" && c.DiscordChannelID != ""
}

// SlackEnabled returns true if Slack is selected and credentials are set.
func (c *Config) SlackEnabled() bool {
	return c.hasPlatform("slack") && c.SlackBotToken != "" && c.SlackAppToken != ""
}

// TranscriptPath resolves a session's transcript log path, or ok=false when
// agentType isn't one of ScrapeAgentTypes (spec §4.8).
func (c *Config) TranscriptPath(sessionName, agentType string) (path string, ok bool) {
	found := false
	for _, a := range strings.Split(c.ScrapeAgentTypes, ",") {
		if strings.EqualFold(strings.TrimSpace(a), agentType) {
			found = true
			break
		}
	}
	if !found {
		return "", false
	}
	path = strings.NewReplacer("{agent}", agentType, "{name}", sessionName).Replace(c.TranscriptPathTemplate)
	return path, true
}

func (c *Config) hasPlatform(name string) bool {
	for _, p := range strings.Split(c.Platforms, ",") {
		if strings.EqualFold(strings.TrimSpace(p), name) {
			return true
		}
	}
	return false
}

// hostsFileRoster is the shape of the YAML roster HOSTS_FILE points at: a
// flat list supplementing SSH_HOSTS, so a fleet can be grown without
// touching the process environment.
type hostsFileRoster struct {
	Hosts []HostSpec `yaml:"hosts"`
}

// ParseSSHHosts parses SSH_HOSTS into HostSpecs. Entries in HostsFile (if
// set) are merged by name, HostsFile taking precedence — the roster file is
// the one that gets rewritten on a live Reload.
func (c *Config) ParseSSHHosts() ([]HostSpec, error) {
	hosts, err := parseHostsCSV(c.SSHHosts)
	if err != nil {
		return nil, err
	}
	if c.HostsFile == "" {
		return hosts, nil
	}
	fileHosts, err := loadHostsFile(c.HostsFile)
	if err != nil {
		return nil, fmt.Errorf("loading HOSTS_FILE %q: %w", c.HostsFile, err)
	}
	return mergeHostSpecs(hosts, fileHosts), nil
}

func loadHostsFile(path string) ([]HostSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var roster hostsFileRoster
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, err
	}
	return roster.Hosts, nil
}

// mergeHostSpecs merges base (from SSH_HOSTS) with overrides (from
// HostsFile) by name; overrides win on a name collision.
func mergeHostSpecs(base, overrides []HostSpec) []HostSpec {
	byName := make(map[string]HostSpec, len(base)+len(overrides))
	order := make([]string, 0, len(base)+len(overrides))
	for _, h := range base {
		if _, seen := byName[h.Name]; !seen {
			order = append(order, h.Name)
		}
		byName[h.Name] = h
	}
	for _, h := range overrides {
		if _, seen := byName[h.Name]; !seen {
			order = append(order, h.Name)
		}
		byName[h.Name] = h
	}
	merged := make([]HostSpec, 0, len(order))
	for _, name := range order {
		merged = append(merged, byName[name])
	}
	return merged
}

func parseHostsCSV(raw string) ([]HostSpec, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	hosts := make([]HostSpec, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tokens := strings.SplitN(part, "@", 3)
		if len(tokens) != 3 {
			return nil, fmt.Errorf("invalid host entry %q, expected name@user@host:port", part)
		}
		hosts = append(hosts, HostSpec{Name: tokens[0], User: tokens[1], Addr: tokens[2]})
	}
	return hosts, nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
