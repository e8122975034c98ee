// Package config loads the replication settings shared by the server and
// client binaries.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/go-playground/validator.v9"

	"mine-and-die/replication/internal/encoder"
	"mine-and-die/replication/internal/journal"
	"mine-and-die/replication/internal/observability"
	"mine-and-die/replication/internal/reconcile"
	"mine-and-die/replication/logging"
)

// EnvPrefix prefixes every environment override, e.g.
// REPLICATION_REPLICATION_RETENTION_TICKS.
const EnvPrefix = "REPLICATION"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the full settings tree.
type Config struct {
	Replication Replication `mapstructure:"replication"`
	Transport   Transport   `mapstructure:"transport"`
	Logging     Logging     `mapstructure:"logging"`
	Metrics     Metrics     `mapstructure:"metrics"`
}

// Replication tunes the protocol on both ends.
type Replication struct {
	TickRate        int `mapstructure:"tick_rate" validate:"min=1,max=240"`
	CatchupMaxTicks int `mapstructure:"catchup_max_ticks" validate:"min=1"`

	RetentionTicks   uint64        `mapstructure:"retention_ticks" validate:"min=1"`
	KeyframeCapacity int           `mapstructure:"keyframe_capacity" validate:"min=1"`
	KeyframeMaxAge   time.Duration `mapstructure:"keyframe_max_age" validate:"min=0"`

	MaxMessageBytes int `mapstructure:"max_message_bytes" validate:"min=64,max=65507"`
	EncodeWorkers   int `mapstructure:"encode_workers" validate:"min=1,max=1024"`

	ReorderWindow     uint64 `mapstructure:"reorder_window" validate:"min=1"`
	MaxBufferedFrames int    `mapstructure:"max_buffered_frames" validate:"min=1"`

	MaxResyncsPerWindow int    `mapstructure:"max_resyncs_per_window" validate:"min=0"`
	ResyncWindowTicks   uint64 `mapstructure:"resync_window_ticks"`
	// ResyncRate is the sustained number of client resync requests honoured
	// per second, per client.
	ResyncRate  float64 `mapstructure:"resync_rate" validate:"gt=0"`
	ResyncBurst int     `mapstructure:"resync_burst" validate:"min=1"`

	InboxCapacity int `mapstructure:"inbox_capacity" validate:"min=1"`
}

// Transport selects and tunes the network adapter.
type Transport struct {
	Kind             string        `mapstructure:"kind" validate:"oneof=ws quic loopback"`
	Addr             string        `mapstructure:"addr" validate:"required"`
	Path             string        `mapstructure:"path"`
	SendQueue        int           `mapstructure:"send_queue" validate:"min=1"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" validate:"min=0"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout" validate:"min=0"`
	ALPN             string        `mapstructure:"alpn"`
	CertFile         string        `mapstructure:"cert_file"`
	KeyFile          string        `mapstructure:"key_file"`
	// InsecureSkipVerify lets the demo client accept the server's
	// self-signed QUIC certificate.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// Logging configures the event router and its sinks.
type Logging struct {
	MinimumSeverity string `mapstructure:"minimum_severity" validate:"oneof=debug info warn error"`
	BufferSize      int    `mapstructure:"buffer_size" validate:"min=1"`
	Console         bool   `mapstructure:"console"`
	ConsoleColor    bool   `mapstructure:"console_color"`
	FilePath        string `mapstructure:"file_path"`
	MaxSizeMB       int    `mapstructure:"max_size_mb" validate:"min=1"`
	MaxBackups      int    `mapstructure:"max_backups" validate:"min=0"`
	MaxAgeDays      int    `mapstructure:"max_age_days" validate:"min=0"`
	Compress        bool   `mapstructure:"compress"`
}

// Metrics configures the Prometheus exporter.
type Metrics struct {
	Enabled     bool              `mapstructure:"enabled"`
	Addr        string            `mapstructure:"addr"`
	Path        string            `mapstructure:"path"`
	ConstLabels map[string]string `mapstructure:"const_labels"`
	Pprof       bool              `mapstructure:"pprof"`
}

// Default returns the stock configuration.
func Default() Config {
	jcfg := journal.DefaultConfig()
	rcfg := reconcile.DefaultConfig()
	lcfg := logging.DefaultConfig()
	return Config{
		Replication: Replication{
			TickRate:            15,
			CatchupMaxTicks:     3,
			RetentionTicks:      jcfg.RetentionTicks,
			KeyframeCapacity:    jcfg.KeyframeCapacity,
			KeyframeMaxAge:      jcfg.KeyframeMaxAge,
			MaxMessageBytes:     encoder.DefaultMaxMessageBytes,
			EncodeWorkers:       8,
			ReorderWindow:       rcfg.ReorderWindow,
			MaxBufferedFrames:   rcfg.MaxBuffered,
			MaxResyncsPerWindow: jcfg.MaxResyncsPerWindow,
			ResyncWindowTicks:   jcfg.ResyncWindowTicks,
			ResyncRate:          1,
			ResyncBurst:         2,
			InboxCapacity:       1024,
		},
		Transport: Transport{
			Kind:             "ws",
			Addr:             ":8080",
			Path:             "/replicate",
			SendQueue:        256,
			HandshakeTimeout: 5 * time.Second,
			IdleTimeout:      30 * time.Second,
			ALPN:             "mine-and-die-replication",
		},
		Logging: Logging{
			MinimumSeverity: lcfg.MinimumSeverity.String(),
			BufferSize:      lcfg.BufferSize,
			Console:         true,
			MaxSizeMB:       lcfg.JSON.MaxSizeMB,
			MaxBackups:      lcfg.JSON.MaxBackups,
			MaxAgeDays:      lcfg.JSON.MaxAgeDays,
		},
		Metrics: Metrics{
			Addr: ":9100",
			Path: "/metrics",
		},
	}
}

// Load builds a configuration from defaults, an optional file, REPLICATION_*
// environment variables and explicit overrides, in increasing precedence.
// Override keys use the dotted form, e.g. "transport.addr".
func Load(path string, overrides map[string]any) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	for key, value := range overrides {
		v.Set(key, value)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	r := d.Replication
	v.SetDefault("replication.tick_rate", r.TickRate)
	v.SetDefault("replication.catchup_max_ticks", r.CatchupMaxTicks)
	v.SetDefault("replication.retention_ticks", r.RetentionTicks)
	v.SetDefault("replication.keyframe_capacity", r.KeyframeCapacity)
	v.SetDefault("replication.keyframe_max_age", r.KeyframeMaxAge)
	v.SetDefault("replication.max_message_bytes", r.MaxMessageBytes)
	v.SetDefault("replication.encode_workers", r.EncodeWorkers)
	v.SetDefault("replication.reorder_window", r.ReorderWindow)
	v.SetDefault("replication.max_buffered_frames", r.MaxBufferedFrames)
	v.SetDefault("replication.max_resyncs_per_window", r.MaxResyncsPerWindow)
	v.SetDefault("replication.resync_window_ticks", r.ResyncWindowTicks)
	v.SetDefault("replication.resync_rate", r.ResyncRate)
	v.SetDefault("replication.resync_burst", r.ResyncBurst)
	v.SetDefault("replication.inbox_capacity", r.InboxCapacity)

	t := d.Transport
	v.SetDefault("transport.kind", t.Kind)
	v.SetDefault("transport.addr", t.Addr)
	v.SetDefault("transport.path", t.Path)
	v.SetDefault("transport.send_queue", t.SendQueue)
	v.SetDefault("transport.handshake_timeout", t.HandshakeTimeout)
	v.SetDefault("transport.idle_timeout", t.IdleTimeout)
	v.SetDefault("transport.alpn", t.ALPN)
	v.SetDefault("transport.cert_file", t.CertFile)
	v.SetDefault("transport.key_file", t.KeyFile)
	v.SetDefault("transport.insecure_skip_verify", t.InsecureSkipVerify)

	l := d.Logging
	v.SetDefault("logging.minimum_severity", l.MinimumSeverity)
	v.SetDefault("logging.buffer_size", l.BufferSize)
	v.SetDefault("logging.console", l.Console)
	v.SetDefault("logging.console_color", l.ConsoleColor)
	v.SetDefault("logging.file_path", l.FilePath)
	v.SetDefault("logging.max_size_mb", l.MaxSizeMB)
	v.SetDefault("logging.max_backups", l.MaxBackups)
	v.SetDefault("logging.max_age_days", l.MaxAgeDays)
	v.SetDefault("logging.compress", l.Compress)

	m := d.Metrics
	v.SetDefault("metrics.enabled", m.Enabled)
	v.SetDefault("metrics.addr", m.Addr)
	v.SetDefault("metrics.path", m.Path)
	v.SetDefault("metrics.const_labels", m.ConstLabels)
	v.SetDefault("metrics.pprof", m.Pprof)
}

// Validate checks every struct constraint.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) {
			msgs := make([]string, 0, len(fields))
			for _, f := range fields {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (%s)", f.Namespace(), f.Tag(), f.Param()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("%w: metrics.addr is required when metrics are enabled", ErrInvalid)
	}
	if c.Transport.Kind == "quic" && (c.Transport.CertFile == "") != (c.Transport.KeyFile == "") {
		return fmt.Errorf("%w: transport.cert_file and transport.key_file must be set together", ErrInvalid)
	}
	return nil
}

// JournalConfig projects the server-side history settings.
func (r Replication) JournalConfig() journal.Config {
	return journal.Config{
		RetentionTicks:      r.RetentionTicks,
		KeyframeCapacity:    r.KeyframeCapacity,
		KeyframeMaxAge:      r.KeyframeMaxAge,
		MaxResyncsPerWindow: r.MaxResyncsPerWindow,
		ResyncWindowTicks:   r.ResyncWindowTicks,
	}
}

// EncoderConfig projects the message sizing settings.
func (r Replication) EncoderConfig() encoder.Config {
	return encoder.Config{MaxMessageBytes: r.MaxMessageBytes}
}

// ReconcileConfig projects the client-side buffering settings.
func (r Replication) ReconcileConfig() reconcile.Config {
	return reconcile.Config{
		ReorderWindow:       r.ReorderWindow,
		MaxBuffered:         r.MaxBufferedFrames,
		MaxResyncsPerWindow: r.MaxResyncsPerWindow,
		ResyncWindowTicks:   r.ResyncWindowTicks,
	}
}

// RouterConfig projects the logging section onto the router settings.
func (l Logging) RouterConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.MinimumSeverity = logging.ParseSeverity(l.MinimumSeverity)
	cfg.BufferSize = l.BufferSize
	cfg.Console.UseColor = l.ConsoleColor
	cfg.EnabledSinks = nil
	if l.Console {
		cfg.EnabledSinks = append(cfg.EnabledSinks, "console")
	}
	if l.FilePath != "" {
		cfg.EnabledSinks = append(cfg.EnabledSinks, "json")
	}
	cfg.JSON.FilePath = l.FilePath
	cfg.JSON.MaxSizeMB = l.MaxSizeMB
	cfg.JSON.MaxBackups = l.MaxBackups
	cfg.JSON.MaxAgeDays = l.MaxAgeDays
	cfg.JSON.Compress = l.Compress
	return cfg
}

// ObservabilityConfig projects the metrics section.
func (m Metrics) ObservabilityConfig() observability.Config {
	return observability.Config{
		EnablePrometheus: m.Enabled,
		Addr:             m.Addr,
		Path:             m.Path,
		ConstLabels:      m.ConstLabels,
		EnablePprofTrace: m.Pprof,
	}
}
