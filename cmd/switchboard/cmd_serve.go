package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/user/switchboard/internal/api"
	"github.com/user/switchboard/internal/bridge"
	"github.com/user/switchboard/internal/bus"
	"github.com/user/switchboard/internal/control"
	"github.com/user/switchboard/internal/engine"
	"github.com/user/switchboard/internal/matrix"
	"github.com/user/switchboard/internal/store"
	"github.com/user/switchboard/internal/telegram"
	"github.com/user/switchboard/internal/types"
	"github.com/user/switchboard/pkg/llm"
	"github.com/user/switchboard/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the switchboard daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "switchboard.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// secretFor resolves a secret from config, falling back to the credential
// store. Env overrides have already been folded into cfg by config.Load.
func secretFor(creds types.CredentialStore, configured, key string) string {
	if configured != "" {
		return configured
	}
	if v, err := creds.Get(key); err == nil {
		return v
	}
	return ""
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	creds := store.NewFileCredentials(filepath.Join(cfg.DataDir, "credentials.json"))

	provider := openai.New(&llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  secretFor(creds, cfg.LLM.APIKey, "llm.api_key"),
		Model:   cfg.LLM.Model,
	})

	b := bus.New()
	eng := engine.New(st, b, provider, cfg.LLM.Model, int64(cfg.MaxConcurrent), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng.Start(ctx)
	defer eng.Stop()

	subs := control.NewManager(eng, b, st, slog.Default())
	subs.Start()
	defer subs.Stop()

	proto := control.NewProtocol(st, eng, b, subs, slog.Default())

	slog.Info("switchboard started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"workspace", cfg.Workspace,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidPath,
	)

	workspace := types.WorkspaceID(cfg.Workspace)
	bridgeDir := filepath.Join(cfg.DataDir, "bridges")

	// Telegram bridge
	if token := secretFor(creds, cfg.Telegram.Token, "telegram.token"); cfg.Telegram.Enabled && token != "" {
		transport, err := telegram.New(token, slog.Default())
		if err != nil {
			return fmt.Errorf("create telegram transport: %w", err)
		}
		br := bridge.New(transport, st, eng, b, workspace, bridgeDir, slog.Default())
		br.Start(ctx)
		defer br.Stop()
		go transport.Start(ctx, br.HandleIncoming)
		slog.Info("telegram bridge started")
	} else {
		slog.Warn("telegram bridge disabled")
	}

	// Matrix bridge
	if token := secretFor(creds, cfg.Matrix.AccessToken, "matrix.access_token"); cfg.Matrix.Enabled && token != "" && cfg.Matrix.HomeserverURL != "" {
		transport, err := matrix.New(cfg.Matrix.HomeserverURL, token, slog.Default())
		if err != nil {
			return fmt.Errorf("create matrix transport: %w", err)
		}
		br := bridge.New(transport, st, eng, b, workspace, bridgeDir, slog.Default())
		br.Start(ctx)
		defer br.Stop()
		go transport.Start(ctx, br.HandleIncoming)
		slog.Info("matrix bridge started")
	} else {
		slog.Warn("matrix bridge disabled")
	}

	// Local control API
	if cfg.API.Enabled {
		srv := &http.Server{
			Addr:    cfg.API.Addr,
			Handler: api.NewServer(proto, st, slog.Default()),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("control API server failed", "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		slog.Info("control API listening", "addr", cfg.API.Addr)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")
	return nil
}
