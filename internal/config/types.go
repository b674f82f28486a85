package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the whole on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "3s", "1m").
// JSON and YAML files are both accepted; YAML is coerced to JSON before the
// strict decode, so unknown fields are rejected in either format.
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	HTTP     HTTPConfig      `json:"http"`
	Excel    ExcelConfig     `json:"excel"`
	Dispatch DispatchConfig  `json:"dispatch"`
	Channel  ChannelConfig   `json:"channel"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Schedule *ScheduleConfig `json:"schedule,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// ConsoleEnabled defaults to true when omitted.
func (l LoggingConfig) ConsoleEnabled() bool {
	if l.Console == nil {
		return true
	}
	return *l.Console
}

type HTTPConfig struct {
	Addr string `json:"addr,omitempty"`
}

func (h HTTPConfig) AddrOrDefault() string {
	if strings.TrimSpace(h.Addr) == "" {
		return ":3000"
	}
	return h.Addr
}

// ExcelConfig locates the job table and tunes the write-back batching.
type ExcelConfig struct {
	// File is the path of the job table. It may be empty at startup and set
	// later through the upload endpoint.
	File string `json:"file,omitempty"`

	// PreferredSheet is tried first when resolving the working sheet; when it
	// is absent from the workbook the first sheet is used instead.
	PreferredSheet string `json:"preferred_sheet,omitempty"`

	UploadsDir string `json:"uploads_dir,omitempty"`

	// FlushThreshold forces a durable save after this many pending status
	// updates; FlushDebounce saves after a quiet period following the first
	// unflushed update.
	FlushThreshold int    `json:"flush_threshold,omitempty"`
	FlushDebounce  string `json:"flush_debounce,omitempty"`
}

const DefaultSheet = "Messages"

func (e ExcelConfig) Sheet() string {
	if strings.TrimSpace(e.PreferredSheet) == "" {
		return DefaultSheet
	}
	return e.PreferredSheet
}

func (e ExcelConfig) UploadsDirOrDefault() string {
	if strings.TrimSpace(e.UploadsDir) == "" {
		return "uploads"
	}
	return e.UploadsDir
}

func (e ExcelConfig) Threshold() int {
	if e.FlushThreshold <= 0 {
		return 10
	}
	return e.FlushThreshold
}

func (e ExcelConfig) Debounce() (time.Duration, error) {
	return ParseDurationOrDefault("excel.flush_debounce", e.FlushDebounce, time.Second)
}

// DispatchConfig is the per-run send policy. A run snapshots these values at
// start; edits apply to the next run.
type DispatchConfig struct {
	DelayBetweenMessages string `json:"delay_between_messages,omitempty"`
	MaxRetries           *int   `json:"max_retries,omitempty"`
	RetryDelay           string `json:"retry_delay,omitempty"`

	// CountryCode is prepended to recipient numbers that carry no prefix.
	CountryCode string `json:"country_code,omitempty"`
}

func (d DispatchConfig) Delay() (time.Duration, error) {
	return ParseDurationOrDefault("dispatch.delay_between_messages", d.DelayBetweenMessages, 3*time.Second)
}

func (d DispatchConfig) Retries() int {
	if d.MaxRetries == nil || *d.MaxRetries < 0 {
		return 3
	}
	return *d.MaxRetries
}

func (d DispatchConfig) RetryWait() (time.Duration, error) {
	return ParseDurationOrDefault("dispatch.retry_delay", d.RetryDelay, 5*time.Second)
}

func (d DispatchConfig) Country() string {
	if strings.TrimSpace(d.CountryCode) == "" {
		return "91"
	}
	return strings.TrimSpace(d.CountryCode)
}

type ChannelConfig struct {
	// Driver selects the messaging channel: "telegram" or "dryrun".
	Driver   string                 `json:"driver,omitempty"`
	Telegram *TelegramChannelConfig `json:"telegram,omitempty"`
	Dryrun   *DryrunChannelConfig   `json:"dryrun,omitempty"`
}

type TelegramChannelConfig struct {
	Token string `json:"token"`
}

// DryrunChannelConfig tunes the no-network rehearsal channel.
type DryrunChannelConfig struct {
	// Latency simulates per-send channel latency.
	Latency string `json:"latency,omitempty"`
	// FailEvery makes every Nth send fail (0 disables), to rehearse the
	// retry path.
	FailEvery int `json:"fail_every,omitempty"`
}

func (c ChannelConfig) DriverOrDefault() string {
	if strings.TrimSpace(c.Driver) == "" {
		return "dryrun"
	}
	return strings.ToLower(strings.TrimSpace(c.Driver))
}

// StorageConfig configures the run-history store.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "" or "none": history disabled
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ScheduleConfig triggers unattended runs of the configured table.
type ScheduleConfig struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec,omitempty"`     // cron spec, e.g. "0 9 * * 1-5"
	Table    string `json:"table,omitempty"`    // xlsx path to dispatch
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Kolkata"
}

// Validate checks cross-field constraints that the strict decoder cannot.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	switch c.Channel.DriverOrDefault() {
	case "dryrun":
	case "telegram":
		if c.Channel.Telegram == nil || strings.TrimSpace(c.Channel.Telegram.Token) == "" {
			return fmt.Errorf("channel.telegram.token is required for the telegram driver")
		}
	default:
		return fmt.Errorf("channel.driver: unknown driver %q", c.Channel.Driver)
	}
	if _, err := c.Dispatch.Delay(); err != nil {
		return err
	}
	if _, err := c.Dispatch.RetryWait(); err != nil {
		return err
	}
	if _, err := c.Excel.Debounce(); err != nil {
		return err
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if c.Schedule != nil && c.Schedule.Enabled {
		if strings.TrimSpace(c.Schedule.Spec) == "" {
			return fmt.Errorf("schedule.spec is required when schedule.enabled is true")
		}
		if strings.TrimSpace(c.Schedule.Table) == "" {
			return fmt.Errorf("schedule.table is required when schedule.enabled is true")
		}
	}
	return nil
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Channel: ChannelConfig{Driver: "dryrun"},
	}
}
