package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/papercheck/internal/extract"
	"github.com/pavelanni/papercheck/internal/grading"
	"github.com/pavelanni/papercheck/internal/i18n"
	"github.com/pavelanni/papercheck/internal/llm"
	"github.com/pavelanni/papercheck/internal/llm/prompts"
	"github.com/pavelanni/papercheck/internal/model"
	"github.com/pavelanni/papercheck/internal/pipeline"
	"github.com/pavelanni/papercheck/internal/scan"
	"github.com/pavelanni/papercheck/internal/store"
)

func main() {
	_ = godotenv.Load() // .env is optional

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		printRaw(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "papercheck",
		Short:        "Grade handwritten exam sheets against an answer key with an AI model",
		SilenceUsage: true,
	}
	root.AddCommand(
		normalizeCmd(),
		extractCmd(),
		evaluateCmd(),
		runCmd(),
		reportCmd(),
		exportCmd(),
		serveCmd(),
	)
	return root
}

// printRaw writes the model reply behind a failed extraction unless the error
// text already carries it.
func printRaw(w io.Writer, err error) {
	var xerr *extract.Error
	if !errors.As(err, &xerr) || xerr.Raw == "" || strings.Contains(err.Error(), xerr.Raw) {
		return
	}
	fmt.Fprintf(w, "raw AI response:\n%s\n", xerr.Raw)
}

func addLogFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addDBFlag(f *pflag.FlagSet) {
	f.String("db", "papercheck.db", "SQLite database path (empty disables storage)")
}

func addLLMFlags(f *pflag.FlagSet) {
	f.String("llm-url", "https://generativelanguage.googleapis.com/v1beta/openai/", "OpenAI-compatible API base URL")
	f.String("llm-key", "", "API key for the AI model (or set PAPERCHECK_LLM_KEY)")
	f.String("llm-model", "gemini-1.5-pro-latest", "Model name; it must accept images")
	f.Duration("llm-timeout", llm.DefaultTimeout, "Timeout for a single AI call")
	f.Bool("ping", false, "Check the AI endpoint before starting")
	f.String("prompts-dir", "", "Directory with prompt templates overriding the built-in ones")
}

func addGradingFlags(f *pflag.FlagSet) {
	f.String("prompt-variant", string(prompts.Standard), "Scoring prompt variant (strict, standard, lenient)")
	f.Int("concurrency", 1, "Number of answers scored in parallel")
	f.Int("expected-questions", 0, "Number of questions on the paper (0 disables the completeness check)")
	f.Bool("detailed-subparts", false, "Give each match-the-columns pair its own question number")
	f.StringP("lang", "l", "en", "Report language (en, hi)")
	f.Bool("progress", false, "Print a line to stderr for every scored question")
}

func addScanFlags(f *pflag.FlagSet) {
	f.Int("dpi", 200, "Resolution for rasterizing PDF pages")
	f.Float64("blur", scan.DefaultOptions.Sigma, "Gaussian blur sigma applied before thresholding (0 disables it)")
	f.Int("block-size", scan.DefaultOptions.BlockSize, "Adaptive threshold neighbourhood size in pixels")
	f.Int("threshold-c", scan.DefaultOptions.C, "Constant subtracted from the neighbourhood mean (0 is allowed)")
	f.Int("close-kernel", scan.DefaultOptions.CloseKernel, "Side of the square used to close broken strokes (1 disables it)")
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

	v.SetEnvPrefix("PAPERCHECK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("papercheck")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/papercheck")
	v.AddConfigPath("/etc/papercheck")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func gradingConfig(v *viper.Viper) (model.GradingConfig, error) {
	lang := v.GetString("lang")
	if !i18n.Supported(lang) {
		return model.GradingConfig{}, fmt.Errorf("unsupported report language %q (supported: en, hi)", lang)
	}
	return model.GradingConfig{
		PromptVariant:     strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant"))),
		ExpectedQuestions: v.GetInt("expected-questions"),
		DetailedSubparts:  v.GetBool("detailed-subparts"),
		Concurrency:       v.GetInt("concurrency"),
		Lang:              lang,
	}, nil
}

func normalizeOptions(v *viper.Viper) scan.Options {
	return scan.Options{
		Sigma:       v.GetFloat64("blur"),
		BlockSize:   v.GetInt("block-size"),
		C:           v.GetInt("threshold-c"),
		CloseKernel: v.GetInt("close-kernel"),
	}
}

func newRasterizer(v *viper.Viper) *scan.Rasterizer {
	r := scan.NewRasterizer()
	if dpi := v.GetInt("dpi"); dpi > 0 {
		r.DPI = dpi
	}
	return r
}

func loadPrompts(v *viper.Viper) (*prompts.Set, error) {
	dir := v.GetString("prompts-dir")
	if dir == "" {
		return prompts.Default()
	}
	p, err := prompts.Load(os.DirFS(dir))
	if err != nil {
		return nil, fmt.Errorf("load prompts from %s: %w", dir, err)
	}
	slog.Info("loaded prompt templates", "dir", dir)
	return p, nil
}

func newModel(ctx context.Context, v *viper.Viper) (*llm.Client, error) {
	client, err := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		v.GetDuration("llm-timeout"),
	)
	if err != nil {
		return nil, err
	}
	if v.GetBool("ping") {
		if err := client.Ping(ctx); err != nil {
			return nil, fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}
	return client, nil
}

// openStore opens the database named by --db, or returns nil when it is empty.
func openStore(v *viper.Viper) (*store.Store, error) {
	path := v.GetString("db")
	if path == "" {
		return nil, nil
	}
	db, err := store.New(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// session is everything a grading command needs.
type session struct {
	v        *viper.Viper
	db       *store.Store
	pipeline *pipeline.Pipeline
}

func (s *session) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// newSession builds the pipeline for a grading command. Runs are stored only
// when persist is set and --db is not empty.
func newSession(cmd *cobra.Command, persist bool) (*session, error) {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	cfg, err := gradingConfig(v)
	if err != nil {
		return nil, err
	}
	p, err := loadPrompts(v)
	if err != nil {
		return nil, err
	}
	client, err := newModel(cmd.Context(), v)
	if err != nil {
		return nil, err
	}
	var db *store.Store
	if persist {
		if db, err = openStore(v); err != nil {
			return nil, err
		}
	}

	opts := []pipeline.Option{pipeline.WithNormalizeOptions(normalizeOptions(v))}
	if db != nil {
		opts = append(opts, pipeline.WithStore(db))
	}
	if v.GetBool("progress") {
		opts = append(opts, pipeline.WithProgress(progressPrinter(os.Stderr)))
	}
	pl, err := pipeline.New(client, p, cfg, opts...)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	cfg = pl.Config()
	slog.Debug("grading config",
		"prompt_variant", cfg.PromptVariant,
		"concurrency", cfg.Concurrency,
		"expected_questions", cfg.ExpectedQuestions,
		"detailed_subparts", cfg.DetailedSubparts,
		"lang", cfg.Lang,
	)
	return &session{v: v, db: db, pipeline: pl}, nil
}

// progressPrinter reports each scored question on its own line.
func progressPrinter(w io.Writer) grading.ProgressFunc {
	return func(done, total int, rec model.ScoredRecord) {
		fmt.Fprintf(w, "[%d/%d] question %s: %d%%\n", done, total, rec.QuestionNumber, rec.Score)
	}
}

func (s *session) newRun() (*pipeline.Run, error) {
	run, err := s.pipeline.NewRun(s.v.GetString("exam"), s.v.GetString("candidate"))
	if err != nil {
		return nil, err
	}
	if s.db != nil {
		if err := s.db.SetMetadata(run.Info.ID, store.MetaModel, s.v.GetString("llm-model")); err != nil {
			return nil, fmt.Errorf("save run metadata: %w", err)
		}
	}
	return run, nil
}

// create opens path for writing; "-" and "" mean stdout.
func create(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// writeJSON writes v indented by four spaces with non-ASCII text and HTML
// characters left as they are.
func writeJSON(path string, v any) error {
	w, err := create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return w.Close()
}

// readRecords loads a saved extraction file with the same validation a model
// reply gets, so hand-edited files are held to the same rules.
func readRecords(path string, side model.Side) ([]model.QuestionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	recs, err := extract.Decode(side, string(data))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return recs, nil
}
