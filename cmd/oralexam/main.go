package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/oralexam/internal/coach"
	"github.com/pavelanni/oralexam/internal/content"
	"github.com/pavelanni/oralexam/internal/difficulty"
	"github.com/pavelanni/oralexam/internal/handler"
	appI18n "github.com/pavelanni/oralexam/internal/i18n"
	"github.com/pavelanni/oralexam/internal/llm"
	"github.com/pavelanni/oralexam/internal/llm/prompts"
	"github.com/pavelanni/oralexam/internal/scoring"
	"github.com/pavelanni/oralexam/internal/session"
	"github.com/pavelanni/oralexam/internal/state"
	"github.com/pavelanni/oralexam/internal/store"
	"github.com/pavelanni/oralexam/internal/store/badgerkv"
	"github.com/pavelanni/oralexam/internal/telemetry"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "oralexam",
		Short: "Adaptive oral exam practice and scoring service",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd(), corpusCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `oralexam --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP coaching server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /fr)")
	f.String("data-dir", "data", "Directory with the JSONL content corpus")
	f.String("db", "oralexam.db", "SQLite database path")
	f.String("state-backend", "sqlite", "Durable session state backend (sqlite, badger)")
	f.String("badger-path", "oralexam.badger", "Badger directory when --state-backend=badger")
	f.Int("cache-size", state.DefaultCacheSize, "Maximum sessions kept in the state cache")
	f.Duration("cache-ttl", state.DefaultCacheTTL, "Idle time before a cached session is evicted")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "Dialogue model name")
	f.String("llm-fast-model", "", "Low-latency dialogue model (defaults to --llm-model)")
	f.String("eval-model", "", "Evaluation model (defaults to --llm-model)")
	f.String("transcribe-model", "", "Speech-to-text model (empty disables audio turns)")
	f.String("tts-model", "", "Text-to-speech model (empty disables spoken replies)")
	f.String("tts-voice", "", "Text-to-speech voice")
	f.Int("max-reply-tokens", coach.DefaultMaxReplyTokens, "Token cap of coach replies")
	f.Int("history-turns", coach.DefaultHistoryTurns, "Exchanges of history sent with each reply request")
	f.String("prompt-version", prompts.Version, "Prompt version tag stored with every evaluation")
	f.Int("questions-per-phase", session.DefaultQuestionsPerPhase, "Questions asked per phase when a session does not choose")
	f.Int("rolling-window", scoring.DefaultWindow, "Turns in the rolling score average")
	f.Int("telemetry-buffer", telemetry.DefaultCapacity, "Pipeline entries kept in memory")
	f.Bool("trace", false, "Export OpenTelemetry spans to stdout")
	f.StringP("lang", "l", "en", "Default language of API messages (en, fr, es)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export final session reports as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "oralexam.db", "SQLite database path")
	f.String("learner", "", "Only export reports of this learner")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func corpusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corpus",
		Short: "Load the content corpus and print table counts",
		RunE:  runCorpus,
	}
	f := cmd.Flags()
	f.String("data-dir", "data", "Directory with the JSONL content corpus")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("ORALEXAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("oralexam")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/oralexam")
	v.AddConfigPath("/etc/oralexam")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := slog.Default()

	if v.GetBool("trace") {
		shutdown, err := telemetry.InitTracer("oralexam", logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	// Initialize i18n.
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	if err := prompts.Load(prompts.Templates); err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	// Open database.
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	dataDir := v.GetString("data-dir")
	corpus, err := content.Load(ctx, dataDir, content.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}
	weights, err := scoring.WeightsFrom(corpus.Weights())
	if err != nil {
		slog.Warn("invalid composite weights, using defaults", "error", err)
		weights = nil
	}

	promptVersion := v.GetString("prompt-version")
	records := 0
	for _, n := range corpus.Stats() {
		records += n
	}
	if err := db.SetRunInfo(ctx, store.RunInfo{
		PromptVersion: promptVersion,
		CorpusDir:     dataDir,
		CorpusRecords: records,
		StartedAt:     time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("store run info: %w", err)
	}

	// Durable state backend.
	var durable state.Durable = db
	switch backend := strings.ToLower(v.GetString("state-backend")); backend {
	case "sqlite", "":
		if ids, err := db.ActiveSessionIDs(ctx); err == nil && len(ids) > 0 {
			slog.Info("resumable sessions in durable store", "count", len(ids))
		}
	case "badger":
		cfg := badgerkv.DefaultConfig(v.GetString("badger-path"))
		cfg.Logger = logger
		kv, err := badgerkv.Open(cfg)
		if err != nil {
			return fmt.Errorf("open badger: %w", err)
		}
		defer kv.Close()
		durable = kv
	default:
		return fmt.Errorf("unknown state backend %q (want sqlite or badger)", backend)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := telemetry.NewRecorder(v.GetInt("telemetry-buffer"),
		telemetry.WithLogger(logger),
		telemetry.WithSink(db),
		telemetry.WithMetrics(telemetry.NewMetrics(reg)),
	)
	gateway := state.New(durable, v.GetInt("cache-size"), v.GetDuration("cache-ttl"),
		state.WithLogger(logger),
		state.WithObserver(recorder.StorageWrite),
	)

	// Create LLM client.
	client := llm.New(llm.Config{
		BaseURL:         v.GetString("llm-url"),
		APIKey:          v.GetString("llm-key"),
		Model:           v.GetString("llm-model"),
		FastModel:       v.GetString("llm-fast-model"),
		EvalModel:       v.GetString("eval-model"),
		TranscribeModel: v.GetString("transcribe-model"),
		SpeechModel:     v.GetString("tts-model"),
		Voice:           v.GetString("tts-voice"),
		Logger:          logger,
	})
	deps := coach.Deps{
		Orchestrator: session.New(corpus, difficulty.NewRanker(nil), logger),
		Scorer:       scoring.NewScorer(weights, corpus, nil, logger),
		State:        gateway,
		Recorder:     recorder,
		Dialogue:     client,
		Evaluator:    client,
		Reports:      db,
	}
	if v.GetString("transcribe-model") != "" {
		deps.Transcriber = client
	}
	if v.GetString("tts-model") != "" {
		deps.Synthesizer = client
	}
	svc := coach.New(coach.Config{
		MaxReplyTokens:    v.GetInt("max-reply-tokens"),
		HistoryTurns:      v.GetInt("history-turns"),
		RollingWindow:     v.GetInt("rolling-window"),
		PromptVersion:     promptVersion,
		QuestionsPerPhase: v.GetInt("questions-per-phase"),
		Logger:            logger,
	}, deps)

	h := handler.New(svc, recorder, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: h.Router(basePath)}
	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"corpus", corpus.String(),
		"state_backend", v.GetString("state-backend"),
		"prompt_version", promptVersion,
		"base_path", basePath,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown", "error", err)
		}
	}
	// Let background evaluations land before the stores close.
	svc.Wait()
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportReports(cmd.Context(), v.GetString("learner"))
	if err != nil {
		return fmt.Errorf("export reports: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}

func runCorpus(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	corpus, err := content.Load(cmd.Context(), v.GetString("data-dir"))
	if err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}
	out := cmd.OutOrStdout()
	stats := corpus.Stats()
	for _, name := range []string{
		content.PhasesFile, content.RubricsFile, content.ScenariosFile, content.QuestionsFile,
		content.CommonErrorsFile, content.FeedbackTemplatesFile, content.WeightsFile,
	} {
		fmt.Fprintf(out, "%-28s %d\n", name, stats[name])
	}
	if _, err := scoring.WeightsFrom(corpus.Weights()); err != nil {
		fmt.Fprintf(out, "composite weights: invalid (%v), defaults apply\n", err)
	} else {
		fmt.Fprintln(out, "composite weights: ok")
	}
	return nil
}
