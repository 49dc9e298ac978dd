package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/edgespeed/edgespeed/internal/headers"
)

// GenerateTemplateConfig returns a reasonable starter config and optionally
// writes it to config.yaml in the working directory.
func GenerateTemplateConfig(writeToFile bool) (Config, error) {
	cfg := Config{
		ServerMode:  ServerModeHTTP,
		BindAddress: "127.0.0.1",
		Port:        8080,

		LogLevel: "info",

		PreserveCachingHeaders: headers.PreserveCacheControl,

		HTMLOptimize:   true,
		MaxRewriteSize: 4 * 1024 * 1024,

		BodyRules: []BodyRule{
			{
				Regex:        `<!--\s*ad-slot\s*-->`,
				Value:        "",
				ContentTypes: []string{"text/html"},
			},
		},

		IPRO: IPROConfig{
			Enabled:   true,
			CacheSize: 1024,
			CacheTTL:  10 * time.Minute,
		},
	}

	if writeToFile {
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to marshal template config to YAML: %w", err)
		}
		if err := os.WriteFile("config.yaml", data, 0644); err != nil {
			return Config{}, fmt.Errorf("failed to write template config to file: %w", err)
		}
	}
	return cfg, nil
}
