package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgespeed/edgespeed/internal/config"
	"github.com/edgespeed/edgespeed/internal/ipro"
	"github.com/edgespeed/edgespeed/internal/log"
	"github.com/edgespeed/edgespeed/internal/rewrite"
	"github.com/edgespeed/edgespeed/internal/server"
	"github.com/edgespeed/edgespeed/internal/statistics"
)

var (
	AppVersion    = "Development"
	shutdownChain []func() error
)

var rootCmd = &cobra.Command{
	Use:   "edgespeed",
	Short: "edgespeed is an inline content-optimizing HTTP proxy",
	Long:  "edgespeed rewrites HTTP responses in flight: HTML is minified, configured body rules are applied, and optimized resources are cached for in-place reuse.",
	RunE:  runRoot,
}

func init() {
	cobra.OnInitialize(initConfig)

	// Short flags
	rootCmd.Flags().StringP("config", "c", "", "Config file path")
	rootCmd.Flags().StringP("mode", "m", "", "Server mode: HTTP")
	rootCmd.Flags().StringP("bind", "b", "", "Bind address")
	rootCmd.Flags().IntP("port", "p", 0, "Port")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level")
	rootCmd.Flags().BoolP("version", "v", false, "Show version")
	rootCmd.Flags().BoolP("generate-config", "g", false, "Generate template config file")

	// Long flags
	rootCmd.Flags().String("preserve-caching-headers", "", "Caching headers kept from the origin: NONE, CACHE-CONTROL, ALL")
	rootCmd.Flags().Bool("html-optimize", false, "Strip comments and collapse whitespace in HTML responses")
	rootCmd.Flags().Int("max-rewrite-size", 0, "Largest body the rewriter buffers, in bytes")
	rootCmd.Flags().Bool("ipro", false, "Enable the in-place resource optimization cache")
	rootCmd.Flags().Int("ipro-cache-size", 0, "IPRO cache entry limit")
	rootCmd.Flags().String("ipro-cache-ttl", "", "IPRO cache entry lifetime")
	rootCmd.Flags().String("stats-file", "", "Statistics dump file path")

	// Bind all flags to viper using consistent key names
	_ = viper.BindPFlag("config", rootCmd.Flags().Lookup("config"))
	_ = viper.BindPFlag("server-mode", rootCmd.Flags().Lookup("mode"))
	_ = viper.BindPFlag("bind-address", rootCmd.Flags().Lookup("bind"))
	_ = viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("log-level", rootCmd.Flags().Lookup("log-level"))
	_ = viper.BindPFlag("preserve-caching-headers", rootCmd.Flags().Lookup("preserve-caching-headers"))
	_ = viper.BindPFlag("html-optimize", rootCmd.Flags().Lookup("html-optimize"))
	_ = viper.BindPFlag("max-rewrite-size", rootCmd.Flags().Lookup("max-rewrite-size"))
	_ = viper.BindPFlag("ipro.enabled", rootCmd.Flags().Lookup("ipro"))
	_ = viper.BindPFlag("ipro.cache-size", rootCmd.Flags().Lookup("ipro-cache-size"))
	_ = viper.BindPFlag("ipro.cache-ttl", rootCmd.Flags().Lookup("ipro-cache-ttl"))
	_ = viper.BindPFlag("stats-file", rootCmd.Flags().Lookup("stats-file"))

	// Bind environment variables
	viper.SetEnvPrefix("EDGESPEED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func initConfig() {
	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.MergeInConfig(); err != nil {
			slog.Error("Failed to read config file", slog.Any("error", err))
			os.Exit(1)
		}
	}

	viper.SetDefault("server-mode", "HTTP")
	viper.SetDefault("bind-address", "127.0.0.1")
	viper.SetDefault("port", 8080)
	viper.SetDefault("log-level", "info")
	viper.SetDefault("preserve-caching-headers", "NONE")
	viper.SetDefault("max-rewrite-size", 4*1024*1024)
	viper.SetDefault("ipro.cache-size", 1024)
	viper.SetDefault("ipro.cache-ttl", "10m")
}

func runRoot(cmd *cobra.Command, args []string) error {
	// Handle -v / --version
	showVer, _ := cmd.Flags().GetBool("version")
	if showVer {
		fmt.Printf("edgespeed version %s\n", AppVersion)
		return nil
	}

	// Handle -g / --generate-config
	genConfig, _ := cmd.Flags().GetBool("generate-config")
	if genConfig {
		_, err := config.GenerateTemplateConfig(true)
		if err != nil {
			return fmt.Errorf("failed to generate template config: %w", err)
		}
		fmt.Println("Template config file 'config.yaml' generated successfully.")
		return nil
	}

	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	log.SetLogConf(cfg.LogLevel)
	log.LogHeader(AppVersion, cfg)

	statsFile := cfg.StatsFile
	if statsFile == "" {
		statsFile = log.GetStatsFilePath("stats")
	}
	recorder := statistics.NewRecorder(statsFile)
	recorder.Run()
	addShutdown("recorder.Close", recorder.Close)

	rw, err := rewrite.New(cfg, recorder)
	if err != nil {
		slog.Error("rewrite.New", slog.Any("error", err))
		shutdown()
		return err
	}

	cache := ipro.NewCache(cfg.IPRO.CacheSize, cfg.IPRO.CacheTTL)

	srv, err := server.NewServer(cfg, rw, cache, recorder)
	if err != nil {
		slog.Error("server.NewServer", slog.Any("error", err))
		shutdown()
		return err
	}
	addShutdown("srv.Close", srv.Close)
	if err := srv.Start(); err != nil {
		slog.Error("srv.Start", slog.Any("error", err))
		shutdown()
		return err
	}

	cleanup := make(chan os.Signal, 1)
	signal.Notify(cleanup, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	for {
		s := <-cleanup
		slog.Info("Received signal", slog.String("signal", s.String()))
		switch s {
		case syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM:
			shutdown()
			return nil
		case syscall.SIGHUP:
		default:
			return nil
		}
	}
}

func addShutdown(name string, fn func() error) {
	shutdownChain = append(shutdownChain, func() error {
		if err := fn(); err != nil {
			slog.Error(name, slog.Any("error", err))
			return err
		}
		return nil
	})
}

func shutdown() {
	for i := len(shutdownChain) - 1; i >= 0; i-- {
		_ = shutdownChain[i]()
	}
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
