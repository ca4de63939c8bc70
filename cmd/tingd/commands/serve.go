package commands

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tingreader/ting-plugins/internal/adminapi"
	"github.com/tingreader/ting-plugins/internal/applog"
	"github.com/tingreader/ting-plugins/internal/hostconfig"
	"github.com/tingreader/ting-plugins/internal/pluginhost/eventbus"
	"github.com/tingreader/ting-plugins/internal/pluginhost/manager"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Discover, load and serve plugins until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := hostconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := applog.New(applog.Config{
		Level:      cfg.Log.Level,
		Dev:        cfg.Log.Dev,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	mgrCfg, err := toManagerConfig(cfg)
	if err != nil {
		return fmt.Errorf("translating config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := manager.New(ctx, mgrCfg)
	if err != nil {
		return fmt.Errorf("building plugin manager: %w", err)
	}
	defer mgr.Close(context.Background())

	if err := mgr.Discover(cfg.Plugins.PluginDir); err != nil {
		return fmt.Errorf("discovering plugins: %w", err)
	}
	log.Info("plugin discovery complete", zap.Int("loaded", len(mgr.ListPlugins())))

	var hub *eventbus.Hub
	if cfg.Server.EnableHub {
		hub = eventbus.NewHub()
		hub.Attach(mgr.Bus())
	}

	mux := http.NewServeMux()
	mux.Handle("/", adminapi.NewServer(mgr, hub).Handler())
	mux.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("tingd listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// toManagerConfig maps the loaded host config onto manager.Config,
// decoding the hex-encoded encryption key and the string unload policy
// into their strongly typed manager equivalents.
func toManagerConfig(cfg hostconfig.Config) (manager.Config, error) {
	var key [32]byte
	decoded, err := hex.DecodeString(cfg.Plugins.EncryptionKeyHex)
	if err != nil {
		return manager.Config{}, fmt.Errorf("decoding encryption_key_hex: %w", err)
	}
	if len(decoded) != 32 {
		return manager.Config{}, fmt.Errorf("encryption_key_hex must decode to 32 bytes, got %d", len(decoded))
	}
	copy(key[:], decoded)

	policy := manager.UnloadFailFast
	if cfg.Plugins.UnloadPolicy == string(manager.UnloadAwaitDrain) {
		policy = manager.UnloadAwaitDrain
	}

	return manager.Config{
		PluginDir:     cfg.Plugins.PluginDir,
		ConfigDir:     cfg.Plugins.ConfigDir,
		CacheDir:      cfg.Plugins.CacheDir,
		NpmPath:       cfg.Plugins.NpmPath,
		EncryptionKey: key,
		UnloadPolicy:  policy,
		DrainTimeout:  time.Duration(cfg.Plugins.DrainTimeoutSeconds) * time.Second,
		EventHistory:  cfg.Plugins.EventHistory,
		MetricsReg:    prometheus.DefaultRegisterer,
	}, nil
}
