package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"healthtree/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName         = "healthtree"
	defaultHTTPListen          = ":8080"
	defaultHealthPath          = "/healthz"
	defaultReadyPath           = "/readyz"
	defaultAlertsPath          = "/alerts"
	defaultHeartbeatPath       = "/heartbeat"
	defaultNATSSubject         = "healthtree.alerts"
	defaultNATSIngestStream    = "HEALTHTREE_ALERTS"
	defaultNATSIngestConsumer  = "healthtree-ingest"
	defaultNATSIngestGroup     = "healthtree-workers"
	defaultNATSIngestWorkers   = 1
	defaultNATSAckWaitSec      = 30
	defaultNATSNackDelayMS     = 1000
	defaultNATSMaxDeliver      = -1
	defaultNATSMaxAckPending   = 2048
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultStateBucket         = "healthtree_state"
	defaultHistoryBucket       = "healthtree_history"
	defaultReloadSeconds       = 5
	defaultEscalationSeconds   = 5
	defaultNotificationSeconds = 30
	defaultHeartbeatTickSec    = 10
	defaultFlushSeconds        = 5
	defaultRefreshSeconds      = 60
	defaultActorQueueSize      = 256
	defaultHeartbeatCheckID    = "heartbeat"
	defaultHeartbeatThreshold  = 300
	defaultCatalogDebounceMS   = 500
	defaultStreamPath          = "/stream"
	defaultPushSubjectPrefix   = "healthtree.transitions"
	defaultNotifySubject       = "healthtree.notify.jobs"
	defaultNotifyStream        = "HEALTHTREE_NOTIFY"
	defaultNotifyConsumer      = "healthtree-notify"
	defaultNotifyGroup         = "healthtree-notify-workers"
	defaultNotifyDLQSubject    = "healthtree.notify.dlq"
	defaultNotifyDLQStream     = "HEALTHTREE_NOTIFY_DLQ"
	defaultMetricsPath         = "/metrics"
	defaultLogMaxSizeMB        = 10
	defaultLogMaxBackups       = 3
	defaultLogMaxAgeDays       = 7

	// ServiceModeNATS keeps NATS-backed state/history/ingest settings.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"

	// HistoryBackendMemory keeps history only in process memory.
	HistoryBackendMemory = "memory"
	// HistoryBackendNATS keeps history in JetStream KV.
	HistoryBackendNATS = "nats"
	// HistoryBackendPostgres keeps history in PostgreSQL.
	HistoryBackendPostgres = "postgres"

	// NotifyChannelTelegram identifies Telegram transport.
	NotifyChannelTelegram = "telegram"
	// NotifyChannelHTTP identifies generic HTTP transport.
	NotifyChannelHTTP = "http"
)

var (
	notifyChannelOrder = []string{
		NotifyChannelTelegram,
		NotifyChannelHTTP,
	}
	notifyChannelRegistry = map[string]notifyChannelDescriptor{
		NotifyChannelTelegram: {
			enabled: func(cfg NotifyConfig) bool { return cfg.Telegram.Enabled },
			retry:   func(cfg NotifyConfig) NotifyRetry { return cfg.Telegram.Retry },
			templates: func(cfg NotifyConfig) []NamedTemplateConfig {
				return cfg.Telegram.NameTemplate
			},
		},
		NotifyChannelHTTP: {
			enabled: func(cfg NotifyConfig) bool { return cfg.HTTP.Enabled },
			retry:   func(cfg NotifyConfig) NotifyRetry { return cfg.HTTP.Retry },
			templates: func(cfg NotifyConfig) []NamedTemplateConfig {
				return cfg.HTTP.NameTemplate
			},
		},
	}
	unsupportedRulePattern                = regexp.MustCompile(`(?m)^\s*\[\[?\s*rule(?:\.[^\]\s]+)*\s*\]\]?`)
	unsupportedIngestNATSFixedKeysPattern = regexp.MustCompile(`(?msi)\[\s*ingest\.nats\s*\][^\[]*^\s*(?:subject|stream|consumer_name|deliver_group)\s*=`)
	unsupportedNotifyQueueURLPattern      = regexp.MustCompile(`(?si)\[\s*notify\.queue\s*\][^\[]*\burl\s*=`)
)

// notifyChannelDescriptor stores generic accessors for one notify transport.
// Params: config readers for enabled/retry/templates fields.
// Returns: channel metadata used by generic helpers.
type notifyChannelDescriptor struct {
	enabled   func(NotifyConfig) bool
	retry     func(NotifyConfig) NotifyRetry
	templates func(NotifyConfig) []NamedTemplateConfig
}

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service   ServiceConfig   `toml:"service"`
	Log       LogConfig       `toml:"log"`
	Catalog   CatalogConfig   `toml:"catalog"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Ingest    IngestConfig    `toml:"ingest"`
	State     StateConfig     `toml:"state"`
	History   HistoryConfig   `toml:"history"`
	Push      PushConfig      `toml:"push"`
	Notify    NotifyConfig    `toml:"notify"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// ServiceConfig contains process-level runtime settings.
// Params: service name, mode, reload flags, and scheduler intervals.
// Returns: service runtime behavior.
type ServiceConfig struct {
	Name                string `toml:"name"`
	Mode                string `toml:"mode"`
	ReloadEnabled       bool   `toml:"reload_enabled"`
	ReloadIntervalSec   int    `toml:"reload_interval_sec"`
	EscalationTickSec   int    `toml:"escalation_tick_sec"`
	NotificationTickSec int    `toml:"notification_tick_sec"`
	HeartbeatTickSec    int    `toml:"heartbeat_tick_sec"`
	FlushIntervalSec    int    `toml:"flush_interval_sec"`
	RefreshIntervalSec  int    `toml:"refresh_interval_sec"`
	ActorQueueSize      int    `toml:"actor_queue_size"`
}

// Interval converts seconds field into duration.
func Interval(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// CatalogConfig points to environment tree and rule documents.
// Params: YAML catalog directory and hot-reload switch.
// Returns: catalog source settings.
type CatalogConfig struct {
	Dir        string `toml:"dir"`
	Watch      bool   `toml:"watch"`
	DebounceMS int    `toml:"debounce_ms"`
}

// HeartbeatConfig controls reserved heartbeat check.
// Params: reserved check id and silence threshold.
// Returns: heartbeat monitor settings.
type HeartbeatConfig struct {
	CheckID      string `toml:"check_id"`
	ThresholdSec int    `toml:"threshold_sec"`
}

// Threshold returns heartbeat silence threshold.
func (h HeartbeatConfig) Threshold() time.Duration {
	return Interval(h.ThresholdSec)
}

// IngestConfig groups HTTP and NATS ingestion sections.
// Params: HTTP and NATS ingest settings.
// Returns: ingest runtime settings.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures HTTP listener and endpoints.
// Params: listen address, endpoint paths, and body limit.
// Returns: HTTP ingest settings.
type HTTPIngestConfig struct {
	Enabled       bool   `toml:"enabled"`
	Listen        string `toml:"listen"`
	HealthPath    string `toml:"health_path"`
	ReadyPath     string `toml:"ready_path"`
	AlertsPath    string `toml:"alerts_path"`
	HeartbeatPath string `toml:"heartbeat_path"`
	MaxBodyBytes  int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue ingestion.
// Params: URLs, fixed subject/stream/consumer names, and delivery controls.
// Returns: NATS ingest settings.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// StateConfig configures current-state snapshot persistence.
// Params: KV bucket name and bucket auto-create switch.
// Returns: state store settings (NATS URL is derived from ingest.nats.url).
type StateConfig struct {
	Bucket             string `toml:"bucket"`
	AllowCreateBuckets bool   `toml:"allow_create_buckets"`
}

// HistoryConfig configures transition history persistence.
// Params: backend selector, PostgreSQL DSN/pool size, and KV bucket.
// Returns: history store settings.
type HistoryConfig struct {
	Backend            string `toml:"backend"`
	PostgresDSN        string `toml:"postgres_dsn"`
	PostgresMaxConns   int32  `toml:"postgres_max_conns"`
	Bucket             string `toml:"bucket"`
	AllowCreateBuckets bool   `toml:"allow_create_buckets"`
}

// PushConfig configures real-time transition fan-out.
// Params: SSE endpoint switch/path and NATS publish switch/subject prefix.
// Returns: push settings.
type PushConfig struct {
	SSEEnabled    bool   `toml:"sse_enabled"`
	StreamPath    string `toml:"stream_path"`
	NATSEnabled   bool   `toml:"nats_enabled"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// MetricsConfig configures Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// NotifyConfig contains notification transport settings.
// Params: async queue and per-channel transport sections.
// Returns: notification runtime settings.
type NotifyConfig struct {
	Queue    NotifyQueue      `toml:"queue"`
	Telegram TelegramNotifier `toml:"telegram"`
	HTTP     HTTPNotifier     `toml:"http"`
}

// NotifyQueue configures JetStream notification delivery queue.
// Params: enable flag, derived URL list, stream/subject names, and delivery controls.
// Jobs are published on <subject>.<environment>, dead letters on <dlq_subject>.<environment>.
// Returns: queue runtime settings.
type NotifyQueue struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"-"`
	Subject       string   `toml:"subject"`
	Stream        string   `toml:"stream"`
	ConsumerName  string   `toml:"consumer"`
	DeliverGroup  string   `toml:"deliver_group"`
	DLQSubject    string   `toml:"dlq_subject"`
	DLQStream     string   `toml:"dlq_stream"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	DLQ           bool     `toml:"dlq"`
}

// NamedTemplateConfig defines one named message template for a channel.
// Params: template name and text/template body.
// Returns: channel template entry.
type NamedTemplateConfig struct {
	Name    string `toml:"name"`
	Message string `toml:"message"`
}

// NotifyRetry defines retry policy for one channel.
// Params: enable flag, backoff kind, delays, attempt cap, and attempt logging.
// Returns: retry settings.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// TelegramNotifier configures Telegram transport.
// Params: bot credentials, API base URL, retry, and templates.
// Returns: telegram channel settings.
type TelegramNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	BotToken     string                `toml:"bot_token"`
	ChatID       string                `toml:"chat_id"`
	APIBase      string                `toml:"api_base"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// HTTPNotifier configures generic webhook transport.
// Params: URL, method, timeout, headers, retry, and templates.
// Returns: http channel settings.
type HTTPNotifier struct {
	Enabled      bool                  `toml:"enabled"`
	URL          string                `toml:"url"`
	Method       string                `toml:"method"`
	TimeoutSec   int                   `toml:"timeout_sec"`
	Headers      map[string]string     `toml:"headers"`
	Retry        NotifyRetry           `toml:"retry"`
	NameTemplate []NamedTemplateConfig `toml:"name-template"`
}

// LogConfig groups console and file sinks.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig configures one log sink.
// Params: enable flag, level, format, file path, and rotation limits.
// Returns: sink settings.
type LogSinkConfig struct {
	Enabled    bool   `toml:"enabled"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configMergeHints carries explicit bool-presence markers used for directory overlays.
// Params: sparse fields decoded from one TOML fragment.
// Returns: merge behavior hints for zero-value bool overrides.
type configMergeHints struct {
	Notify notifyMergeHints `toml:"notify"`
}

// notifyMergeHints tracks explicit bool fields in notify section.
type notifyMergeHints struct {
	Queue    queueMergeHints   `toml:"queue"`
	Telegram channelMergeHints `toml:"telegram"`
	HTTP     channelMergeHints `toml:"http"`
}

// queueMergeHints tracks explicit bool fields in notify.queue section.
type queueMergeHints struct {
	Enabled *bool `toml:"enabled"`
	DLQ     *bool `toml:"dlq"`
}

// channelMergeHints tracks explicit enabled flags in channel sections.
type channelMergeHints struct {
	Enabled *bool `toml:"enabled"`
}

// hasExplicitBool reports whether notify fragment contains explicit bool keys.
func (h notifyMergeHints) hasExplicitBool() bool {
	return h.Queue.Enabled != nil ||
		h.Queue.DLQ != nil ||
		h.Telegram.Enabled != nil ||
		h.HTTP.Enabled != nil
}

// rejectUnsupportedSyntax checks forbidden TOML syntax and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if unsupportedRulePattern.Match(body) {
		return errors.New("rule tables are not supported; rules are loaded from the catalog directory")
	}
	if unsupportedIngestNATSFixedKeysPattern.Match(body) {
		return errors.New("ingest.nats.subject/stream/consumer_name/deliver_group are fixed in runtime and must not be configured")
	}
	if unsupportedNotifyQueueURLPattern.Match(body) {
		return errors.New("notify.queue.url is not supported; notify queue NATS URL is derived from ingest.nats.url")
	}
	return nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	cfg, _, err := loadFileForMerge(path)
	return cfg, err
}

// loadFileForMerge reads one TOML file with merge hints.
// Params: file path to config fragment.
// Returns: decoded config plus explicit-bool hints for overlay merge.
func loadFileForMerge(path string) (Config, configMergeHints, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(body, &cfg); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var hints configMergeHints
	if err := toml.Unmarshal(body, &hints); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode merge hints %q: %w", path, err)
	}
	return cfg, hints, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, hints, err := loadFileForMerge(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment, hints)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints configMergeHints) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if src.Catalog != (CatalogConfig{}) {
		dst.Catalog = src.Catalog
	}
	if src.Heartbeat != (HeartbeatConfig{}) {
		dst.Heartbeat = src.Heartbeat
	}
	if hasIngestConfig(src.Ingest) {
		dst.Ingest = src.Ingest
	}
	if src.State != (StateConfig{}) {
		dst.State = src.State
	}
	if src.History != (HistoryConfig{}) {
		dst.History = src.History
	}
	if src.Push != (PushConfig{}) {
		dst.Push = src.Push
	}
	if src.Metrics != (MetricsConfig{}) {
		dst.Metrics = src.Metrics
	}
	if hasNotifyConfig(src.Notify) || hints.Notify.hasExplicitBool() {
		mergeNotifyConfig(&dst.Notify, src.Notify, hints.Notify)
	}
}

// mergeNotifyConfig overlays notify fragment into destination preserving existing sibling fields.
// Params: destination notify config and fragment from one source file.
// Returns: merged notify configuration side-effect in dst.
func mergeNotifyConfig(dst *NotifyConfig, src NotifyConfig, hints notifyMergeHints) {
	mergeNotifyQueue(&dst.Queue, src.Queue, hints.Queue)
	mergeTelegramNotifier(&dst.Telegram, src.Telegram, hints.Telegram)
	mergeHTTPNotifier(&dst.HTTP, src.HTTP, hints.HTTP)
}

// mergeNotifyQueue overlays async queue config preserving other notify fields.
func mergeNotifyQueue(dst *NotifyQueue, src NotifyQueue, hints queueMergeHints) {
	applyBoolMerge(&dst.Enabled, src.Enabled, hints.Enabled)
	if src.AckWaitSec != 0 {
		dst.AckWaitSec = src.AckWaitSec
	}
	if src.NackDelayMS != 0 {
		dst.NackDelayMS = src.NackDelayMS
	}
	if src.MaxDeliver != 0 {
		dst.MaxDeliver = src.MaxDeliver
	}
	if src.MaxAckPending != 0 {
		dst.MaxAckPending = src.MaxAckPending
	}
	mergeString(&dst.Subject, src.Subject)
	mergeString(&dst.Stream, src.Stream)
	mergeString(&dst.ConsumerName, src.ConsumerName)
	mergeString(&dst.DeliverGroup, src.DeliverGroup)
	mergeString(&dst.DLQSubject, src.DLQSubject)
	mergeString(&dst.DLQStream, src.DLQStream)
	applyBoolMerge(&dst.DLQ, src.DLQ, hints.DLQ)
}

// mergeTelegramNotifier overlays telegram transport config preserving other notify fields.
func mergeTelegramNotifier(dst *TelegramNotifier, src TelegramNotifier, hints channelMergeHints) {
	applyBoolMerge(&dst.Enabled, src.Enabled, hints.Enabled)
	if strings.TrimSpace(src.BotToken) != "" {
		dst.BotToken = src.BotToken
	}
	if strings.TrimSpace(src.ChatID) != "" {
		dst.ChatID = src.ChatID
	}
	if strings.TrimSpace(src.APIBase) != "" {
		dst.APIBase = src.APIBase
	}
	if src.Retry != (NotifyRetry{}) {
		dst.Retry = src.Retry
	}
	if len(src.NameTemplate) > 0 {
		dst.NameTemplate = append(dst.NameTemplate, src.NameTemplate...)
	}
}

// mergeHTTPNotifier overlays HTTP transport config preserving other notify fields.
func mergeHTTPNotifier(dst *HTTPNotifier, src HTTPNotifier, hints channelMergeHints) {
	applyBoolMerge(&dst.Enabled, src.Enabled, hints.Enabled)
	if strings.TrimSpace(src.URL) != "" {
		dst.URL = src.URL
	}
	if strings.TrimSpace(src.Method) != "" {
		dst.Method = src.Method
	}
	if src.TimeoutSec != 0 {
		dst.TimeoutSec = src.TimeoutSec
	}
	if len(src.Headers) > 0 {
		if dst.Headers == nil {
			dst.Headers = make(map[string]string, len(src.Headers))
		}
		for key, value := range src.Headers {
			dst.Headers[key] = value
		}
	}
	if src.Retry != (NotifyRetry{}) {
		dst.Retry = src.Retry
	}
	if len(src.NameTemplate) > 0 {
		dst.NameTemplate = append(dst.NameTemplate, src.NameTemplate...)
	}
}

// applyBoolMerge merges bool with explicit-value awareness for directory overlays.
// Params: destination bool pointer, source decoded bool, and explicit source marker.
// Returns: merged bool side-effect in dst.
func applyBoolMerge(dst *bool, value bool, explicit *bool) {
	if explicit != nil {
		*dst = *explicit
		return
	}
	if value {
		*dst = true
	}
}

// hasNotifyConfig reports whether notify section has explicit non-bool values.
func hasNotifyConfig(cfg NotifyConfig) bool {
	return cfg.Queue.AckWaitSec != 0 ||
		cfg.Queue.NackDelayMS != 0 ||
		cfg.Queue.Subject != "" ||
		cfg.Queue.Stream != "" ||
		cfg.Queue.ConsumerName != "" ||
		cfg.Queue.DeliverGroup != "" ||
		cfg.Queue.DLQSubject != "" ||
		cfg.Queue.DLQStream != "" ||
		cfg.Queue.MaxDeliver != 0 ||
		cfg.Queue.MaxAckPending != 0 ||
		strings.TrimSpace(cfg.Telegram.BotToken) != "" ||
		strings.TrimSpace(cfg.Telegram.ChatID) != "" ||
		strings.TrimSpace(cfg.Telegram.APIBase) != "" ||
		cfg.Telegram.Retry != (NotifyRetry{}) ||
		len(cfg.Telegram.NameTemplate) > 0 ||
		strings.TrimSpace(cfg.HTTP.URL) != "" ||
		strings.TrimSpace(cfg.HTTP.Method) != "" ||
		cfg.HTTP.TimeoutSec != 0 ||
		len(cfg.HTTP.Headers) > 0 ||
		cfg.HTTP.Retry != (NotifyRetry{}) ||
		len(cfg.HTTP.NameTemplate) > 0
}

// applyDefaults fills omitted settings.
// Params: decoded config pointer.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	fillPositive(&cfg.Service.ReloadIntervalSec, defaultReloadSeconds)
	fillPositive(&cfg.Service.EscalationTickSec, defaultEscalationSeconds)
	fillPositive(&cfg.Service.NotificationTickSec, defaultNotificationSeconds)
	fillPositive(&cfg.Service.HeartbeatTickSec, defaultHeartbeatTickSec)
	fillPositive(&cfg.Service.FlushIntervalSec, defaultFlushSeconds)
	fillPositive(&cfg.Service.RefreshIntervalSec, defaultRefreshSeconds)
	fillPositive(&cfg.Service.ActorQueueSize, defaultActorQueueSize)

	fillLogSinkDefaults(&cfg.Log.Console, "line")
	fillLogSinkDefaults(&cfg.Log.File, "json")
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	fillPositive(&cfg.Catalog.DebounceMS, defaultCatalogDebounceMS)
	if strings.TrimSpace(cfg.Heartbeat.CheckID) == "" {
		cfg.Heartbeat.CheckID = defaultHeartbeatCheckID
	}
	if cfg.Heartbeat.ThresholdSec == 0 {
		cfg.Heartbeat.ThresholdSec = defaultHeartbeatThreshold
	}

	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.HealthPath) == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.ReadyPath) == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.AlertsPath) == "" {
		cfg.Ingest.HTTP.AlertsPath = defaultAlertsPath
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.HeartbeatPath) == "" {
		cfg.Ingest.HTTP.HeartbeatPath = defaultHeartbeatPath
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = 2 << 20
	}

	cfg.History.Backend = strings.ToLower(strings.TrimSpace(cfg.History.Backend))
	if strings.TrimSpace(cfg.State.Bucket) == "" {
		cfg.State.Bucket = defaultStateBucket
	}
	if strings.TrimSpace(cfg.History.Bucket) == "" {
		cfg.History.Bucket = defaultHistoryBucket
	}
	if strings.TrimSpace(cfg.Push.StreamPath) == "" {
		cfg.Push.StreamPath = defaultStreamPath
	}
	if strings.TrimSpace(cfg.Push.SubjectPrefix) == "" {
		cfg.Push.SubjectPrefix = defaultPushSubjectPrefix
	}
	if strings.TrimSpace(cfg.Metrics.Path) == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}

	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode always disables NATS-dependent paths regardless of user flags.
		cfg.Ingest.NATS.Enabled = false
		cfg.Ingest.NATS.URL = nil
		cfg.Notify.Queue.Enabled = false
		cfg.Notify.Queue.DLQ = false
		cfg.Push.NATSEnabled = false
		if cfg.History.Backend == "" {
			cfg.History.Backend = HistoryBackendMemory
		}
		cfg.Ingest.HTTP.Enabled = true
	} else {
		cfg.Ingest.NATS.URL = normalizeNATSURLs(cfg.Ingest.NATS.URL)
		if len(cfg.Ingest.NATS.URL) == 0 {
			cfg.Ingest.NATS.URL = []string{defaultNATSURL}
		}
		cfg.Ingest.NATS.Subject = defaultNATSSubject
		cfg.Ingest.NATS.Stream = defaultNATSIngestStream
		cfg.Ingest.NATS.ConsumerName = defaultNATSIngestConsumer
		cfg.Ingest.NATS.DeliverGroup = defaultNATSIngestGroup
		if cfg.Ingest.NATS.Workers == 0 {
			cfg.Ingest.NATS.Workers = defaultNATSIngestWorkers
		}
		fillPositive(&cfg.Ingest.NATS.AckWaitSec, defaultNATSAckWaitSec)
		if cfg.Ingest.NATS.NackDelayMS <= 0 {
			cfg.Ingest.NATS.NackDelayMS = defaultNATSNackDelayMS
		}
		if cfg.Ingest.NATS.MaxDeliver == 0 {
			cfg.Ingest.NATS.MaxDeliver = defaultNATSMaxDeliver
		}
		fillPositive(&cfg.Ingest.NATS.MaxAckPending, defaultNATSMaxAckPending)
		if !cfg.Ingest.HTTP.Enabled && !cfg.Ingest.NATS.Enabled {
			cfg.Ingest.HTTP.Enabled = true
		}
		if cfg.History.Backend == "" {
			cfg.History.Backend = HistoryBackendNATS
		}

		// Queue uses the same NATS URL list as ingest/state in multi-instance mode.
		cfg.Notify.Queue.URL = append([]string(nil), cfg.Ingest.NATS.URL...)
		fillPositive(&cfg.Notify.Queue.AckWaitSec, defaultNATSAckWaitSec)
		if cfg.Notify.Queue.NackDelayMS <= 0 {
			cfg.Notify.Queue.NackDelayMS = defaultNATSNackDelayMS
		}
		if cfg.Notify.Queue.MaxDeliver == 0 {
			cfg.Notify.Queue.MaxDeliver = defaultNATSMaxDeliver
		}
		fillPositive(&cfg.Notify.Queue.MaxAckPending, defaultNATSMaxAckPending)
		fillString(&cfg.Notify.Queue.Subject, defaultNotifySubject)
		fillString(&cfg.Notify.Queue.Stream, defaultNotifyStream)
		fillString(&cfg.Notify.Queue.ConsumerName, defaultNotifyConsumer)
		fillString(&cfg.Notify.Queue.DeliverGroup, defaultNotifyGroup)
		fillString(&cfg.Notify.Queue.DLQSubject, defaultNotifyDLQSubject)
		fillString(&cfg.Notify.Queue.DLQStream, defaultNotifyDLQStream)
	}

	if cfg.Notify.Telegram.APIBase == "" {
		cfg.Notify.Telegram.APIBase = "https://api.telegram.org"
	}
	fillNotifyRetryDefaults(&cfg.Notify.Telegram.Retry)
	if cfg.Notify.HTTP.Method == "" {
		cfg.Notify.HTTP.Method = "POST"
	}
	if cfg.Notify.HTTP.TimeoutSec <= 0 {
		cfg.Notify.HTTP.TimeoutSec = 10
	}
	fillNotifyRetryDefaults(&cfg.Notify.HTTP.Retry)
}

// fillPositive replaces non-positive value with fallback.
func fillPositive(value *int, fallback int) {
	if *value <= 0 {
		*value = fallback
	}
}

// fillString sets blank string to fallback.
func fillString(value *string, fallback string) {
	if strings.TrimSpace(*value) == "" {
		*value = fallback
	}
}

// mergeString overlays non-blank src onto dst.
func mergeString(dst *string, src string) {
	if strings.TrimSpace(src) != "" {
		*dst = strings.TrimSpace(src)
	}
}

// fillLogSinkDefaults normalizes one log sink.
// Params: sink pointer and default format.
// Returns: defaults applied in place.
func fillLogSinkDefaults(sink *LogSinkConfig, format string) {
	if sink.Level == "" {
		sink.Level = "info"
	}
	if sink.Format == "" {
		sink.Format = format
	}
	fillPositive(&sink.MaxSizeMB, defaultLogMaxSizeMB)
	fillPositive(&sink.MaxBackups, defaultLogMaxBackups)
	fillPositive(&sink.MaxAgeDays, defaultLogMaxAgeDays)
}

// fillNotifyRetryDefaults normalizes retry policy fields for one channel.
// Params: retry policy pointer.
// Returns: policy defaults applied in place.
func fillNotifyRetryDefaults(retry *NotifyRetry) {
	if retry == nil {
		return
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = 500
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 60000
	}
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if !IsSupportedServiceMode(mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if strings.TrimSpace(cfg.Catalog.Dir) == "" {
		return errors.New("catalog.dir is required")
	}
	if cfg.Heartbeat.ThresholdSec < 0 {
		return errors.New("heartbeat.threshold_sec must be >=0")
	}
	if strings.TrimSpace(cfg.Ingest.HTTP.Listen) == "" {
		return errors.New("ingest.http.listen is required")
	}
	paths := map[string]string{
		"ingest.http.health_path":    cfg.Ingest.HTTP.HealthPath,
		"ingest.http.ready_path":     cfg.Ingest.HTTP.ReadyPath,
		"ingest.http.alerts_path":    cfg.Ingest.HTTP.AlertsPath,
		"ingest.http.heartbeat_path": cfg.Ingest.HTTP.HeartbeatPath,
		"push.stream_path":           cfg.Push.StreamPath,
		"metrics.path":               cfg.Metrics.Path,
	}
	names := make([]string, 0, len(paths))
	for name := range paths {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !strings.HasPrefix(strings.TrimSpace(paths[name]), "/") {
			return fmt.Errorf("%s must start with /", name)
		}
	}

	if mode == ServiceModeNATS {
		if len(cfg.Ingest.NATS.URL) == 0 {
			return errors.New("ingest.nats.url is required")
		}
		for i, url := range cfg.Ingest.NATS.URL {
			if strings.TrimSpace(url) == "" {
				return fmt.Errorf("ingest.nats.url[%d] is empty", i)
			}
		}
		if cfg.Ingest.NATS.Enabled {
			if cfg.Ingest.NATS.Workers <= 0 {
				return errors.New("ingest.nats.workers must be >0 when ingest.nats.enabled=true")
			}
			if cfg.Ingest.NATS.MaxDeliver == 0 || cfg.Ingest.NATS.MaxDeliver < -1 {
				return errors.New("ingest.nats.max_deliver must be -1 or >0")
			}
		}
	}

	switch cfg.History.Backend {
	case HistoryBackendMemory:
	case HistoryBackendNATS:
		if mode != ServiceModeNATS {
			return errors.New("history.backend=nats requires service.mode=nats")
		}
	case HistoryBackendPostgres:
		if strings.TrimSpace(cfg.History.PostgresDSN) == "" {
			return errors.New("history.postgres_dsn is required when history.backend=postgres")
		}
		if cfg.History.PostgresMaxConns < 0 {
			return errors.New("history.postgres_max_conns must be >=0")
		}
	default:
		return fmt.Errorf("history.backend has unsupported value %q", cfg.History.Backend)
	}

	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}

	if cfg.Notify.Telegram.Enabled {
		if strings.TrimSpace(cfg.Notify.Telegram.BotToken) == "" {
			return errors.New("notify.telegram.bot_token is required when notify.telegram.enabled=true")
		}
		if strings.TrimSpace(cfg.Notify.Telegram.ChatID) == "" {
			return errors.New("notify.telegram.chat_id is required when notify.telegram.enabled=true")
		}
	}
	if cfg.Notify.HTTP.Enabled && strings.TrimSpace(cfg.Notify.HTTP.URL) == "" {
		return errors.New("notify.http.url is required when notify.http.enabled=true")
	}
	if cfg.Notify.Queue.Enabled {
		if cfg.Notify.Queue.AckWaitSec <= 0 {
			return errors.New("notify.queue.ack_wait_sec must be >0 when notify.queue.enabled=true")
		}
		if cfg.Notify.Queue.MaxDeliver == 0 || cfg.Notify.Queue.MaxDeliver < -1 {
			return errors.New("notify.queue.max_deliver must be -1 or >0")
		}
		if cfg.Notify.Queue.MaxAckPending <= 0 {
			return errors.New("notify.queue.max_ack_pending must be >0 when notify.queue.enabled=true")
		}
		if err := validateQueueSubjects(cfg.Notify.Queue); err != nil {
			return err
		}
	}
	if cfg.Notify.Queue.DLQ && !cfg.Notify.Queue.Enabled {
		return errors.New("notify.queue.dlq requires notify.queue.enabled=true")
	}
	return validateNotifyTemplates(cfg.Notify)
}

// EnvironmentSubject scopes NATS subject prefix to one environment as <prefix>.<environment>.
// Params: literal subject prefix and environment name.
// Returns: subject whose last token is environment with '.', wildcards, and whitespace replaced by '_'.
func EnvironmentSubject(prefix, environment string) string {
	token := strings.TrimSpace(environment)
	if token == "" {
		token = "_"
	}
	token = strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		default:
			return r
		}
	}, token)
	return strings.TrimSuffix(prefix, ".") + "." + token
}

// validateQueueSubjects checks notify queue subject prefixes before per-environment suffixes are added.
// Params: notify queue settings with defaults applied.
// Returns: error for wildcard prefixes or DLQ subjects captured by the job stream.
func validateQueueSubjects(queue NotifyQueue) error {
	for key, subject := range map[string]string{"subject": queue.Subject, "dlq_subject": queue.DLQSubject} {
		if subject == "" || strings.ContainsAny(subject, "*> \t") || strings.HasPrefix(subject, ".") || strings.HasSuffix(subject, ".") {
			return fmt.Errorf("notify.queue.%s %q must be a literal NATS subject prefix", key, subject)
		}
	}
	if queue.DLQSubject == queue.Subject || strings.HasPrefix(queue.DLQSubject, queue.Subject+".") {
		return fmt.Errorf("notify.queue.dlq_subject %q overlaps job subject %q", queue.DLQSubject, queue.Subject)
	}
	if queue.Stream == "" || (queue.DLQ && queue.DLQStream == "") {
		return errors.New("notify.queue.stream and notify.queue.dlq_stream must be set")
	}
	return nil
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}

// hasIngestConfig reports whether ingest section has explicit values.
func hasIngestConfig(cfg IngestConfig) bool {
	return cfg.HTTP != (HTTPIngestConfig{}) ||
		cfg.NATS.Enabled ||
		len(cfg.NATS.URL) > 0 ||
		cfg.NATS.Workers != 0 ||
		cfg.NATS.AckWaitSec != 0 ||
		cfg.NATS.NackDelayMS != 0 ||
		cfg.NATS.MaxDeliver != 0 ||
		cfg.NATS.MaxAckPending != 0
}

// validateNotifyTemplates validates channel-scoped notify templates.
// Params: notify section from config snapshot.
// Returns: first invalid or duplicate template error.
func validateNotifyTemplates(notifyCfg NotifyConfig) error {
	for _, channel := range NotifyChannelNames() {
		pathPrefix := "notify." + channel + ".name-template"
		seen := make(map[string]struct{})
		for i, templateConfig := range NotifyChannelTemplates(notifyCfg, channel) {
			name := strings.TrimSpace(templateConfig.Name)
			if name == "" {
				return fmt.Errorf("%s[%d].name is required", pathPrefix, i)
			}
			key := strings.ToLower(name)
			if _, exists := seen[key]; exists {
				return fmt.Errorf("duplicate %s name %q", pathPrefix, name)
			}
			seen[key] = struct{}{}
			if err := validateMessageTemplate(fmt.Sprintf("%s[%d].message", pathPrefix, i), templateConfig.Message); err != nil {
				return err
			}
		}
	}
	return nil
}

// NormalizeNotifyChannel canonicalizes notify channel keys.
// Params: raw channel name from config.
// Returns: normalized lowercase channel key.
func NormalizeNotifyChannel(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// NormalizeServiceMode canonicalizes service mode and applies default.
// Params: raw mode value from config.
// Returns: normalized mode (`single` by default).
func NormalizeServiceMode(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ServiceModeSingle
	}
	return normalized
}

// IsSupportedServiceMode reports whether mode value is supported.
func IsSupportedServiceMode(mode string) bool {
	switch NormalizeServiceMode(mode) {
	case ServiceModeNATS, ServiceModeSingle:
		return true
	default:
		return false
	}
}

// NotifyChannelNames returns deterministic list of supported channel keys.
func NotifyChannelNames() []string {
	out := make([]string, len(notifyChannelOrder))
	copy(out, notifyChannelOrder)
	return out
}

// IsSupportedNotifyChannel reports whether channel key is supported.
func IsSupportedNotifyChannel(channel string) bool {
	_, exists := notifyChannelRegistry[NormalizeNotifyChannel(channel)]
	return exists
}

// NotifyChannelEnabled checks if channel transport is enabled globally.
// Params: global notify config and channel key.
// Returns: true when corresponding transport section is enabled.
func NotifyChannelEnabled(cfg NotifyConfig, channel string) bool {
	descriptor, ok := notifyChannelDescriptorByName(channel)
	if !ok || descriptor.enabled == nil {
		return false
	}
	return descriptor.enabled(cfg)
}

// NotifyChannelRetry returns retry policy for one channel.
func NotifyChannelRetry(cfg NotifyConfig, channel string) NotifyRetry {
	descriptor, ok := notifyChannelDescriptorByName(channel)
	if !ok || descriptor.retry == nil {
		return NotifyRetry{}
	}
	return descriptor.retry(cfg)
}

// NotifyChannelTemplates returns template catalog for one channel.
// Params: global notify config and channel key.
// Returns: channel template list copy.
func NotifyChannelTemplates(cfg NotifyConfig, channel string) []NamedTemplateConfig {
	descriptor, ok := notifyChannelDescriptorByName(channel)
	if !ok || descriptor.templates == nil {
		return nil
	}
	return append([]NamedTemplateConfig(nil), descriptor.templates(cfg)...)
}

// notifyChannelDescriptorByName returns channel metadata descriptor by key.
func notifyChannelDescriptorByName(channel string) (notifyChannelDescriptor, bool) {
	descriptor, exists := notifyChannelRegistry[NormalizeNotifyChannel(channel)]
	return descriptor, exists
}

// validateMessageTemplate parses one text template and checks it is non-empty.
// Params: field path and template body.
// Returns: parse/empty error.
func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	if _, err := templatefmt.ParseNotificationTemplate(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
