// Package cli implements the utsp command tree.
package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"utspclient/internal/blob"
	"utspclient/internal/cache"
	"utspclient/internal/config"
	"utspclient/internal/orchestrator"
	"utspclient/internal/transport"
)

var (
	logLevel  string
	serverURL string
	apiKey    string
	cacheDir  string
)

var rootCmd = &cobra.Command{
	Use:   "utsp",
	Short: "Client for a remote time-series simulation job manager",
	Long: "utsp submits simulation configurations to a remote job manager, waits for\n" +
		"completion with capped exponential backoff, and caches results by request\n" +
		"fingerprint so identical configurations are never computed twice.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q", logLevel)
		}
		logrus.SetLevel(level)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log verbosity (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "", "job manager base URL (overrides UTSP_URL)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "bearer token (overrides UTSP_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "result cache directory (overrides UTSP_CACHE_DIR)")
	rootCmd.AddCommand(fetchCmd, statusCmd, shutdownCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		cfg.Server.URL = serverURL
	}
	if apiKey != "" {
		cfg.Server.APIKey = apiKey
	}
	if cacheDir != "" {
		cfg.Cache.Dir = cacheDir
	}
	if cfg.Server.URL == "" {
		return nil, fmt.Errorf("no server URL configured; set --url or UTSP_URL")
	}
	return cfg, nil
}

// buildClient wires transport, cache and orchestrator from the configuration.
// The returned cache must be closed by the caller.
func buildClient(cfg *config.Config) (*orchestrator.Orchestrator, *transport.Client, *cache.Cache, error) {
	client, err := transport.NewClient(cfg.Server.URL, cfg.Server.APIKey, cfg.Server.Timeout)
	if err != nil {
		return nil, nil, nil, err
	}

	var store cache.Store
	if cfg.Cache.PGDSN != "" {
		store, err = cache.NewPGStore(cfg.Cache.PGDSN)
		if err != nil {
			logrus.Warnf("postgres cache unavailable, falling back to files: %v", err)
			store = nil
		}
	}
	if store == nil {
		store, err = cache.NewFileStore(cfg.Cache.Dir)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	opts := []cache.Option{cache.WithFront(cfg.Cache.FrontEntries, cfg.Cache.FrontTTL)}
	if cfg.Blob.Enabled {
		s3, err := blob.NewS3Store(blob.S3Config{
			Endpoint:  cfg.Blob.Endpoint,
			Region:    cfg.Blob.Region,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			Bucket:    cfg.Blob.Bucket,
			UseSSL:    cfg.Blob.UseSSL,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		opts = append(opts, cache.WithBlobStore(s3, cfg.Cache.OffloadBytes))
	}
	resultCache, err := cache.New(store, opts...)
	if err != nil {
		return nil, nil, nil, err
	}

	orch, err := orchestrator.New(client, resultCache, cfg.Poll,
		orchestrator.WithMaxInFlight(cfg.MaxInFlight))
	if err != nil {
		_ = resultCache.Close()
		return nil, nil, nil, err
	}
	return orch, client, resultCache, nil
}
