// Package main provides the CLI entry point for tuicd, a TUIC proxy server.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/tuicd/internal/auth"
	"github.com/postalsys/tuicd/internal/config"
	"github.com/postalsys/tuicd/internal/control"
	"github.com/postalsys/tuicd/internal/fragment"
	"github.com/postalsys/tuicd/internal/logging"
	"github.com/postalsys/tuicd/internal/metrics"
	"github.com/postalsys/tuicd/internal/registry"
	"github.com/postalsys/tuicd/internal/relay"
	"github.com/postalsys/tuicd/internal/server"
	"github.com/postalsys/tuicd/internal/tlsutil"
	"github.com/postalsys/tuicd/internal/transport"
	"github.com/postalsys/tuicd/internal/wizard"
)

// Version is set at build time.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "tuicd",
		Short:   "tuicd - a TUIC proxy server",
		Long:    "tuicd terminates TUIC proxy connections over QUIC and relays TCP and UDP traffic to the Internet on behalf of authenticated clients.",
		Version: Version,
	}

	var initFlag bool
	rootCmd.Flags().BoolVarP(&initFlag, "init", "i", false, "Write a starter configuration file (same as the init subcommand)")
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if initFlag {
			return initCmd().RunE(cmd, args)
		}
		return cmd.Help()
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Long:  "Runs an interactive setup wizard that writes a ready-to-run configuration file. Falls back to config.Default() when run without a terminal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isInteractive() {
				data, err := yaml.Marshal(config.Default())
				if err != nil {
					return fmt.Errorf("marshal default config: %w", err)
				}
				return os.WriteFile("./config.yaml", data, 0o600)
			}

			result, err := wizard.New().Run()
			if err != nil {
				return fmt.Errorf("setup wizard: %w", err)
			}

			data, err := yaml.Marshal(result.Config)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			if err := os.WriteFile(result.ConfigPath, data, 0o600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Printf("Configuration written to %s\n", result.ConfigPath)
			return nil
		},
	}
}

func isInteractive() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the TUIC server",
		Long:  "Loads a configuration file and serves TUIC connections until a termination signal arrives.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			logger.Info("starting tuicd", "version", Version, "config", configPath)
			logger.Debug("effective configuration", "config", cfg.String())

			return runServer(cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	return cmd
}

// loadConfig honors TUIC_FORCE_TOML: since this build's configuration stack
// is YAML-only (§6), TOML input is rejected with a clear error rather than
// silently parsed as YAML.
func loadConfig(path string) (*config.Config, error) {
	ext := strings.ToLower(filepath.Ext(path))
	forceTOML := os.Getenv("TUIC_FORCE_TOML") == "1"
	if ext == ".toml" || forceTOML {
		return nil, fmt.Errorf("config: TOML configuration is not supported by this build (got %s)", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// certWatchInterval bounds how quickly a file-based certificate rotation is
// picked up; self-signed certificates are generated once and never watched.
const certWatchInterval = 30 * time.Second

func runServer(cfg *config.Config, logger *slog.Logger) error {
	tlsConf, watcher, err := buildTLSConfig(cfg)
	if err != nil {
		return fmt.Errorf("tls setup: %w", err)
	}
	if watcher != nil {
		defer watcher.Close()
	}

	users, err := cfg.UserTable()
	if err != nil {
		return fmt.Errorf("user table: %w", err)
	}

	listener, err := transport.Listen(cfg.Server, tlsConf, cfg.TransportConfig())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer listener.Close()
	logger.Info("listening",
		logging.KeyLocalAddr, listener.Addr().String(),
		"max_external_packet_size", humanize.Bytes(uint64(cfg.MaxExternalPacketSize)))

	m := metrics.Default()
	reg := registry.New(cfg.MaximumClientsPerUser)
	assembler := fragment.New(cfg.GCInterval, cfg.GCLifetime, logger)
	defer assembler.Close()
	gate := auth.New(auth.Users(users))

	svrCfg := server.DefaultConfig()
	svrCfg.AuthTimeout = cfg.AuthTimeout
	svrCfg.StreamTimeout = cfg.StreamTimeout
	svrCfg.TCP.DialTimeout = cfg.TaskNegotiationTimeout
	svrCfg.UDP = relayUDPConfig(cfg)

	srv := server.New(svrCfg, listener, gate, reg, assembler, m, logger)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", logging.KeyError, err)
			}
		}()
		logger.Info("metrics endpoint listening", logging.KeyLocalAddr, cfg.Metrics.Address)
	}

	var admin *control.Server
	if cfg.Admin.Enabled {
		adminCfg := control.DefaultServerConfig()
		adminCfg.Address = cfg.Admin.Address
		adminCfg.Token = cfg.Admin.Token
		admin = control.NewServer(adminCfg, reg)
		if err := admin.Start(); err != nil {
			return fmt.Errorf("start admin endpoint: %w", err)
		}
		logger.Info("admin endpoint listening", logging.KeyLocalAddr, cfg.Admin.Address)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("serve failed", logging.KeyError, err)
		}
	}

	cancel()
	_ = srv.Close()
	if admin != nil {
		_ = admin.Stop()
	}
	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() { srv.Wait(); close(done) }()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("graceful shutdown timed out")
	}

	logger.Info("tuicd stopped", "connections_remaining", reg.TotalOnline())
	return nil
}

func relayUDPConfig(cfg *config.Config) relay.UDPConfig {
	return relay.UDPConfig{
		MaxExternalPacketSize: cfg.MaxExternalPacketSize,
		RelayIPv6:             cfg.UDPRelayIPv6,
		MTU:                   int(cfg.QUIC.InitialMTU),
	}
}

// statusCmd queries a running tuicd's admin endpoint for online users,
// independent of any local configuration file.
func statusCmd() *cobra.Command {
	var addr, token string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running server's admin endpoint for online users",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(addr, token)
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			users, err := client.DetailedOnline(ctx)
			if err != nil {
				return fmt.Errorf("query admin endpoint: %w", err)
			}
			if len(users) == 0 {
				fmt.Println("no users online")
				return nil
			}
			for _, u := range users {
				fmt.Printf("%s\tonline=%d\tendpoints=%v\n", u.User, u.Online, u.Endpoints)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9443", "Admin endpoint address")
	cmd.Flags().StringVar(&token, "token", "", "Admin endpoint bearer token")
	return cmd
}

// buildTLSConfig returns a *tls.Config presenting the configured
// certificate. Self-signed certificates are generated once and held
// statically; file-based certificates are served through a tlsutil.Watcher
// so an operator-rotated certificate/key pair is picked up without
// restarting the process or dropping active connections. The returned
// watcher is nil when self-signing, since there is nothing on disk to poll.
func buildTLSConfig(cfg *config.Config) (*tls.Config, *tlsutil.Watcher, error) {
	if cfg.TLS.SelfSign {
		cert, err := tlsutil.GenerateSelfSigned(cfg.TLS.SelfSignCN, 365*24*time.Hour)
		if err != nil {
			return nil, nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil, nil
	}

	watcher, err := tlsutil.NewWatcher(cfg.TLS.Cert, cfg.TLS.Key, certWatchInterval)
	if err != nil {
		return nil, nil, err
	}
	return &tls.Config{GetCertificate: watcher.GetCertificate}, watcher, nil
}
