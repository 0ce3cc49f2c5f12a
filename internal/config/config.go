package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the shipped example configuration.
const DefaultConfigPath = "config/pulsefeed.yaml"

// Queue backends.
const (
	BackendSQLite = "sqlite"
	BackendMQTT   = "mqtt"
	BackendMemory = "memory"
)

// Config is the root configuration of the ingest service. Every field is a
// pointer so that omitted keys fall back to the defaults returned by the
// Get* accessors, which keeps partial files safe.
type Config struct {
	// Network reader
	ListenAddress  *string `yaml:"listen_address,omitempty"`
	MulticastGroup *string `yaml:"multicast_group,omitempty"`
	Interface      *string `yaml:"interface,omitempty"`
	RcvBuf         *int    `yaml:"rcvbuf,omitempty"`
	ReadTimeout    *string `yaml:"read_timeout,omitempty"`   // duration string like "1s"
	RetryInterval  *string `yaml:"retry_interval,omitempty"` // duration string like "5s"
	ForwardAddress *string `yaml:"forward_address,omitempty"`
	CapturePath    *string `yaml:"capture_path,omitempty"`

	// Shared buffer and dispatcher
	BufferCapacity *int    `yaml:"buffer_capacity,omitempty"`
	PollInterval   *string `yaml:"poll_interval,omitempty"`
	FlushTimeout   *string `yaml:"flush_timeout,omitempty"`

	// Collator and reformatter
	CollatorMaxQueue *int     `yaml:"collator_max_queue,omitempty"`
	InfoInterval     *int     `yaml:"info_interval,omitempty"`
	PRTTolerance     *float64 `yaml:"prt_tolerance,omitempty"`
	ScaleSamples     *bool    `yaml:"scale_samples,omitempty"`

	// Output
	BatchSize *int  `yaml:"batch_size,omitempty"`
	Compress  *bool `yaml:"compress,omitempty"`

	Calibration CalibrationConfig `yaml:"calibration"`
	Queue       QueueConfig       `yaml:"queue"`

	// Operations
	HTTPAddress   *string `yaml:"http_address,omitempty"`
	HealthAddress *string `yaml:"health_address,omitempty"`
	StatsInterval *string `yaml:"stats_interval,omitempty"`
	StaleAfter    *string `yaml:"stale_after,omitempty"`
}

// CalibrationConfig names the calibration CSV of each band.
type CalibrationConfig struct {
	BandA *string `yaml:"band_a,omitempty"`
	BandB *string `yaml:"band_b,omitempty"`
}

// QueueConfig selects and configures the downstream queue.
type QueueConfig struct {
	Backend      *string `yaml:"backend,omitempty"`
	SQLitePath   *string `yaml:"sqlite_path,omitempty"`
	MQTTBroker   *string `yaml:"mqtt_broker,omitempty"`
	MQTTTopic    *string `yaml:"mqtt_topic,omitempty"`
	MQTTUsername *string `yaml:"mqtt_username,omitempty"`
	MQTTPassword *string `yaml:"mqtt_password,omitempty"`
	MQTTQoS      *int    `yaml:"mqtt_qos,omitempty"`
	MQTTTimeout  *string `yaml:"mqtt_timeout,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a YAML file. The file must have a .yaml or .yml
// extension and be under 1MB. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := strings.ToLower(filepath.Ext(cleanPath)); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML config data.
func Parse(data []byte) (*Config, error) {
	cfg := Empty()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefault loads DefaultConfigPath from the current directory or a
// parent. Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefault() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/tools/*
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	durations := []struct {
		name  string
		value *string
	}{
		{"read_timeout", c.ReadTimeout},
		{"retry_interval", c.RetryInterval},
		{"poll_interval", c.PollInterval},
		{"flush_timeout", c.FlushTimeout},
		{"stats_interval", c.StatsInterval},
		{"stale_after", c.StaleAfter},
		{"queue.mqtt_timeout", c.Queue.MQTTTimeout},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.value)
		}
	}

	positives := []struct {
		name  string
		value *int
	}{
		{"rcvbuf", c.RcvBuf},
		{"buffer_capacity", c.BufferCapacity},
		{"collator_max_queue", c.CollatorMaxQueue},
		{"batch_size", c.BatchSize},
	}
	for _, p := range positives {
		if p.value != nil && *p.value < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", p.name, *p.value)
		}
	}

	if c.InfoInterval != nil && *c.InfoInterval < 0 {
		return fmt.Errorf("info_interval must be non-negative, got %d", *c.InfoInterval)
	}
	if c.PRTTolerance != nil && (*c.PRTTolerance <= 0 || *c.PRTTolerance > 1) {
		return fmt.Errorf("prt_tolerance must be greater than 0 and at most 1, got %f", *c.PRTTolerance)
	}

	switch backend := c.GetQueueBackend(); backend {
	case BackendSQLite, BackendMemory:
	case BackendMQTT:
		if c.Queue.MQTTBroker == nil || *c.Queue.MQTTBroker == "" {
			return fmt.Errorf("queue.mqtt_broker is required for the mqtt backend")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", backend)
	}
	if c.Queue.MQTTQoS != nil && (*c.Queue.MQTTQoS < 0 || *c.Queue.MQTTQoS > 2) {
		return fmt.Errorf("queue.mqtt_qos must be 0, 1 or 2, got %d", *c.Queue.MQTTQoS)
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func stringOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// GetListenAddress returns the UDP bind address or the default.
func (c *Config) GetListenAddress() string {
	return stringOr(c.ListenAddress, "0.0.0.0:30001")
}

// GetMulticastGroup returns the multicast group to join; empty disables.
func (c *Config) GetMulticastGroup() string {
	return stringOr(c.MulticastGroup, "")
}

// GetInterface returns the multicast interface name; empty means default.
func (c *Config) GetInterface() string {
	return stringOr(c.Interface, "")
}

// GetRcvBuf returns the socket receive buffer size in bytes.
func (c *Config) GetRcvBuf() int {
	if c.RcvBuf == nil {
		return 4 << 20
	}
	return *c.RcvBuf
}

// GetReadTimeout returns the per-read wait.
func (c *Config) GetReadTimeout() time.Duration {
	return durationOr(c.ReadTimeout, time.Second)
}

// GetRetryInterval returns the pause between socket bind attempts.
func (c *Config) GetRetryInterval() time.Duration {
	return durationOr(c.RetryInterval, 5*time.Second)
}

// GetForwardAddress returns the mirror address; empty disables forwarding.
func (c *Config) GetForwardAddress() string {
	return stringOr(c.ForwardAddress, "")
}

// GetCapturePath returns the PCAP capture file; empty disables capture.
func (c *Config) GetCapturePath() string {
	return stringOr(c.CapturePath, "")
}

// GetBufferCapacity returns the shared buffer capacity.
func (c *Config) GetBufferCapacity() int {
	if c.BufferCapacity == nil {
		return 10000
	}
	return *c.BufferCapacity
}

// GetPollInterval returns the dispatcher's idle poll interval.
func (c *Config) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, 5*time.Millisecond)
}

// GetFlushTimeout bounds the final flush at shutdown.
func (c *Config) GetFlushTimeout() time.Duration {
	return durationOr(c.FlushTimeout, 5*time.Second)
}

// GetCollatorMaxQueue returns the per-channel collator bound.
func (c *Config) GetCollatorMaxQueue() int {
	if c.CollatorMaxQueue == nil {
		return 100
	}
	return *c.CollatorMaxQueue
}

// GetInfoInterval returns the periodic metadata interval in pulses; 0
// disables periodic metadata.
func (c *Config) GetInfoInterval() int {
	if c.InfoInterval == nil {
		return 1000
	}
	return *c.InfoInterval
}

// GetPRTTolerance returns the relative PRT change that triggers metadata.
func (c *Config) GetPRTTolerance() float64 {
	if c.PRTTolerance == nil {
		return 0.02
	}
	return *c.PRTTolerance
}

// GetScaleSamples returns whether IQ samples are multiplied by the band's
// sample_scale.
func (c *Config) GetScaleSamples() bool {
	if c.ScaleSamples == nil {
		return false
	}
	return *c.ScaleSamples
}

// GetBatchSize returns the number of records per output message.
func (c *Config) GetBatchSize() int {
	if c.BatchSize == nil {
		return 100
	}
	return *c.BatchSize
}

// GetCompress returns whether message bodies are zstd-compressed.
func (c *Config) GetCompress() bool {
	if c.Compress == nil {
		return false
	}
	return *c.Compress
}

// GetCalibrationBandA returns the band A calibration CSV path.
func (c *Config) GetCalibrationBandA() string {
	return stringOr(c.Calibration.BandA, "config/band_a.csv")
}

// GetCalibrationBandB returns the band B calibration CSV path.
func (c *Config) GetCalibrationBandB() string {
	return stringOr(c.Calibration.BandB, "config/band_b.csv")
}

// GetQueueBackend returns the downstream queue backend.
func (c *Config) GetQueueBackend() string {
	return strings.ToLower(stringOr(c.Queue.Backend, BackendSQLite))
}

// GetSQLitePath returns the sqlite queue database path.
func (c *Config) GetSQLitePath() string {
	return stringOr(c.Queue.SQLitePath, "pulsefeed.db")
}

// GetMQTTBroker returns the MQTT broker URL.
func (c *Config) GetMQTTBroker() string {
	return stringOr(c.Queue.MQTTBroker, "")
}

// GetMQTTTopic returns the MQTT topic prefix.
func (c *Config) GetMQTTTopic() string {
	return stringOr(c.Queue.MQTTTopic, "pulsefeed")
}

func (c *Config) GetMQTTUsername() string { return stringOr(c.Queue.MQTTUsername, "") }
func (c *Config) GetMQTTPassword() string { return stringOr(c.Queue.MQTTPassword, "") }

// GetMQTTQoS returns the publish QoS level.
func (c *Config) GetMQTTQoS() byte {
	if c.Queue.MQTTQoS == nil {
		return 1
	}
	return byte(*c.Queue.MQTTQoS)
}

// GetMQTTTimeout returns the per-publish acknowledgement timeout.
func (c *Config) GetMQTTTimeout() time.Duration {
	return durationOr(c.Queue.MQTTTimeout, 2*time.Second)
}

// GetHTTPAddress returns the debug HTTP listen address; empty disables it.
func (c *Config) GetHTTPAddress() string {
	return stringOr(c.HTTPAddress, "localhost:8082")
}

// GetHealthAddress returns the gRPC health listen address; empty disables it.
func (c *Config) GetHealthAddress() string {
	return stringOr(c.HealthAddress, "localhost:8083")
}

// GetStatsInterval returns how often the stats line is logged.
func (c *Config) GetStatsInterval() time.Duration {
	return durationOr(c.StatsInterval, time.Minute)
}

// GetStaleAfter returns how long a component may stay silent before it is
// reported unhealthy.
func (c *Config) GetStaleAfter() time.Duration {
	return durationOr(c.StaleAfter, 30*time.Second)
}
