package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/edgespeed/edgespeed/internal/headers"
)

type ServerMode string

const (
	ServerModeHTTP ServerMode = "HTTP"
)

// BodyRule is one regex replacement applied to rewritable response bodies.
type BodyRule struct {
	Regex        string   `mapstructure:"regex" yaml:"regex" json:"regex" validate:"required"`
	Value        string   `mapstructure:"value" yaml:"value" json:"value"`
	ContentTypes []string `mapstructure:"content-types" yaml:"content-types" json:"content-types"`
}

// IPROConfig controls the in-place resource optimization cache.
type IPROConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	CacheSize int           `mapstructure:"cache-size" yaml:"cache-size" validate:"min=0"`
	CacheTTL  time.Duration `mapstructure:"cache-ttl" yaml:"cache-ttl"`
}

type Config struct {
	ServerMode  ServerMode `mapstructure:"server-mode" yaml:"server-mode" validate:"required,oneof=HTTP"`
	BindAddress string     `mapstructure:"bind-address" yaml:"bind-address" validate:"required"`
	Port        int        `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`
	ListenAddr  string     `mapstructure:"-" yaml:"-"`

	LogLevel string `mapstructure:"log-level" yaml:"log-level" validate:"oneof=debug info warn error"`

	PreserveCachingHeaders headers.PreservePolicy `mapstructure:"preserve-caching-headers" yaml:"preserve-caching-headers" validate:"oneof=NONE CACHE-CONTROL ALL"`

	HTMLOptimize   bool       `mapstructure:"html-optimize" yaml:"html-optimize"`
	BodyRules      []BodyRule `mapstructure:"body-rules" yaml:"body-rules" validate:"dive"`
	MaxRewriteSize int        `mapstructure:"max-rewrite-size" yaml:"max-rewrite-size" validate:"min=0"`

	IPRO IPROConfig `mapstructure:"ipro" yaml:"ipro"`

	StatsFile string `mapstructure:"stats-file" yaml:"stats-file"`
}

// BuildConfigFromViper decodes the merged viper state (defaults, config
// file, env, flags) into a validated Config.
func BuildConfigFromViper() (*Config, error) {
	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := viper.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("viper.Unmarshal: %w", err)
	}

	cfg.ServerMode = ServerMode(strings.ToUpper(string(cfg.ServerMode)))
	cfg.PreserveCachingHeaders = headers.PreservePolicy(strings.ToUpper(string(cfg.PreserveCachingHeaders)))
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.ListenAddr = fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate.Struct: %w", err)
	}
	return &cfg, nil
}

func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("Log Level", c.LogLevel),
		slog.String("Server Mode", string(c.ServerMode)),
		slog.String("Listen Address", c.ListenAddr),
		slog.String("Preserve Caching Headers", string(c.PreserveCachingHeaders)),
		slog.Bool("HTML Optimize", c.HTMLOptimize),
		slog.Int("Body Rules", len(c.BodyRules)),
		slog.Bool("IPRO", c.IPRO.Enabled),
	)
}
