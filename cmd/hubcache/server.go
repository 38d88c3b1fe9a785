package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/hubcache/internal/api"
	"github.com/kalambet/hubcache/internal/config"
	"github.com/kalambet/hubcache/internal/embedding"
	"github.com/kalambet/hubcache/internal/hubspot"
	"github.com/kalambet/hubcache/internal/ingest"
	"github.com/kalambet/hubcache/internal/kvstore"
	"github.com/kalambet/hubcache/internal/metrics"
	"github.com/kalambet/hubcache/internal/refresh"
	"github.com/kalambet/hubcache/internal/retrieval"
	"github.com/kalambet/hubcache/internal/vectorindex"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache server (HTTP API and MCP over stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		noMCP, _ := cmd.Flags().GetBool("no-mcp")
		return runServer(!noMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running cache server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and cache status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("no-mcp", false, "do not serve MCP on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "hubcache.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

// newEncoder builds the configured embedding backend. Ollama is checked for
// readiness and the model is pulled when missing.
func newEncoder(ctx context.Context, cfg config.Config, progress io.Writer) (embedding.Encoder, error) {
	switch cfg.Embedding.Provider {
	case "openai":
		return embedding.NewOpenAI(embedding.OpenAIConfig{
			APIKey:     cfg.Embedding.APIKey,
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
		}), nil
	default:
		enc := embedding.NewOllama(cfg.Ollama.BaseURL, cfg.Embedding.Model)
		if err := enc.EnsureReady(ctx, progress); err != nil {
			return nil, err
		}
		return enc, nil
	}
}

// ensureAPIToken generates and persists a bearer token on first start.
func ensureAPIToken(cfg *config.Config, set func(key, value string) error) error {
	if cfg.Server.APIToken != "" {
		return nil
	}
	token := uuid.New().String()
	if err := set("server.api_token", token); err != nil {
		return fmt.Errorf("saving API token: %w", err)
	}
	cfg.Server.APIToken = token
	slog.Info("generated API bearer token", "key", "server.api_token")
	return nil
}

func refreshTypes(names []string) ([]refresh.DataType, error) {
	types := make([]refresh.DataType, 0, len(names))
	for _, n := range names {
		dt, err := refresh.ParseDataType(n)
		if err != nil {
			return nil, fmt.Errorf("refresh.types: %w", err)
		}
		types = append(types, dt)
	}
	return types, nil
}

func runServer(withMCP bool) error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level, os.Stderr)
	slog.SetDefault(logger)

	if err := ensureAPIToken(&cfg, config.SetKey); err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.Dir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("hubcache is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("hubcache is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	encoder, err := newEncoder(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}

	store, err := kvstore.Open(cfg.Storage.Dir, kvstore.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	index, err := vectorindex.Open(filepath.Join(cfg.Storage.Dir, "index"), vectorindex.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("opening vector index: %w", err)
	}
	metrics.Register()
	metrics.IndexVectors.Set(float64(index.Len()))

	hs := hubspot.New(cfg.HubSpot.AccessToken,
		hubspot.WithBaseURL(cfg.HubSpot.BaseURL),
		hubspot.WithRateLimit(cfg.HubSpot.RateLimit),
		hubspot.WithLogger(logger),
	)
	orch := refresh.NewOrchestrator(hs, store, index, encoder)
	retriever := retrieval.NewRetriever(encoder, index, store)

	deps := api.MCPDeps{
		Refresher: orch,
		Searcher:  retriever,
		Store:     store,
		Index:     index,
		Activity:  hs,
	}

	var sched *ingest.Scheduler
	if cfg.Refresh.Enabled {
		types, err := refreshTypes(cfg.Refresh.Types)
		if err != nil {
			return err
		}
		sched, err = ingest.NewScheduler(orch, index, ingest.Config{
			Schedule: cfg.Refresh.Schedule,
			Types:    types,
			Limit:    cfg.Refresh.Limit,
			KeepDays: cfg.Index.KeepDays,
		})
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer sched.Stop()
		deps.Schedule = sched
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewAppHandler(api.AppDeps{MCPDeps: deps, Token: cfg.Server.APIToken}),
	}

	if withMCP {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "hubcache listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := index.SaveTodayIndex(); err != nil {
		slog.Warn("saving vector index on shutdown", "error", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.LoadUnchecked()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.Dir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("hubcache is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop hubcache (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to hubcache (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.LoadUnchecked()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	hc := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := hc.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Embedding", "%s (%s)", cfg.Embedding.Provider, cfg.Embedding.Model)
	if cfg.Refresh.Enabled {
		printStatus("Schedule", "%s", cfg.Refresh.Schedule)
	} else {
		printStatus("Schedule", "disabled")
	}
	printStatus("Data dir", "%s", cfg.Storage.Dir)

	if !running || cfg.Server.APIToken == "" {
		return nil
	}
	client := &apiClient{baseURL: serverURL, token: cfg.Server.APIToken, httpClient: hc}
	stResp, err := client.get(ctx, "/status")
	if err != nil {
		return nil
	}
	var st api.CacheStatus
	if err := decodeJSON(stResp, &st); err != nil {
		printWarning("could not read cache status: %v", err)
		return nil
	}
	printCacheStatus(st)
	return nil
}

func printCacheStatus(st api.CacheStatus) {
	printStatus("Index", "%d vectors, %d live (dim %d, %s)", st.Index.Vectors, st.Index.Live, st.Index.Dimension, st.Index.Date)
	printStatus("Snapshots", "%d", len(st.Index.Snapshots))

	types := make([]string, 0, len(st.LastUpdated))
	for t := range st.LastUpdated {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		line := st.LastUpdated[t]
		if s, ok := st.Schedule[t]; ok && s.Status != "" {
			line += fmt.Sprintf(" (last run: %s, %d items)", s.Status, s.Count)
			if s.ResumeAfter != "" {
				line += ", resumes after " + s.ResumeAfter
			}
		}
		printStatus("  "+t, "%s", line)
	}
}

