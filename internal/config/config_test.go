package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgespeed/edgespeed/internal/headers"
)

// resetViper resets viper global state and sets the required defaults to
// mirror what initConfig() in cmd/root.go does.
func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	viper.SetDefault("server-mode", "HTTP")
	viper.SetDefault("bind-address", "127.0.0.1")
	viper.SetDefault("port", 8080)
	viper.SetDefault("log-level", "info")
	viper.SetDefault("preserve-caching-headers", "NONE")
	viper.SetDefault("max-rewrite-size", 4*1024*1024)
	viper.SetDefault("ipro.cache-size", 1024)
	viper.SetDefault("ipro.cache-ttl", "10m")
	t.Cleanup(viper.Reset)
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	resetViper(t)

	cfg, err := BuildConfigFromViper()
	require.NoError(t, err)

	assert.Equal(t, ServerModeHTTP, cfg.ServerMode)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, headers.PreserveNone, cfg.PreserveCachingHeaders)
	assert.Equal(t, 10*time.Minute, cfg.IPRO.CacheTTL)
}

func TestConfigFromFile(t *testing.T) {
	resetViper(t)

	path := writeConfigFile(t, `
server-mode: http
port: 9090
preserve-caching-headers: cache-control
html-optimize: true
body-rules:
  - regex: "foo"
    value: "bar"
    content-types:
      - text/html
ipro:
  enabled: true
  cache-ttl: 30s
`)
	viper.SetConfigFile(path)
	require.NoError(t, viper.MergeInConfig())

	cfg, err := BuildConfigFromViper()
	require.NoError(t, err)

	assert.Equal(t, ServerModeHTTP, cfg.ServerMode)
	assert.Equal(t, "127.0.0.1:9090", cfg.ListenAddr)
	assert.Equal(t, headers.PreserveCacheControl, cfg.PreserveCachingHeaders)
	assert.True(t, cfg.HTMLOptimize)
	require.Len(t, cfg.BodyRules, 1)
	assert.Equal(t, "foo", cfg.BodyRules[0].Regex)
	assert.Equal(t, []string{"text/html"}, cfg.BodyRules[0].ContentTypes)
	assert.True(t, cfg.IPRO.Enabled)
	assert.Equal(t, 30*time.Second, cfg.IPRO.CacheTTL)
}

func TestInvalidConfigRejected(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{"bad server mode", "server-mode", "FTP"},
		{"bad port", "port", 70000},
		{"bad preserve policy", "preserve-caching-headers", "SOME"},
		{"bad log level", "log-level", "loud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper(t)
			viper.Set(tt.key, tt.value)
			_, err := BuildConfigFromViper()
			assert.Error(t, err)
		})
	}
}

func TestRuleWithoutRegexRejected(t *testing.T) {
	resetViper(t)
	viper.Set("body-rules", []map[string]any{{"value": "x"}})
	_, err := BuildConfigFromViper()
	assert.Error(t, err)
}

func TestGenerateTemplateConfig(t *testing.T) {
	cfg, err := GenerateTemplateConfig(false)
	require.NoError(t, err)
	assert.Equal(t, ServerModeHTTP, cfg.ServerMode)
	assert.Equal(t, headers.PreserveCacheControl, cfg.PreserveCachingHeaders)
	assert.NotEmpty(t, cfg.BodyRules)
}
