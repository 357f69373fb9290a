package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/papercheck/internal/handler"
	"github.com/pavelanni/papercheck/internal/i18n"
	"github.com/pavelanni/papercheck/internal/model"
	"github.com/pavelanni/papercheck/internal/pipeline"
	"github.com/pavelanni/papercheck/internal/report"
	"github.com/pavelanni/papercheck/internal/scan"
	"github.com/pavelanni/papercheck/internal/store"
)

func normalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalize <image|pdf>...",
		Short: "Clean scanned answer pages into black-on-white PNGs",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runNormalize,
	}
	f := cmd.Flags()
	f.StringP("output", "o", "normalized", "Output directory")
	addScanFlags(f)
	addLogFlags(f)
	return cmd
}

func extractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract question records from scanned documents",
	}

	student := &cobra.Command{
		Use:   "student",
		Short: "Extract the student's answers",
		RunE:  runExtractStudent,
	}
	f := student.Flags()
	f.StringSlice("question-paper", nil, "Question paper files (repeatable)")
	f.StringSlice("answers", nil, "Student answer pages, images or PDFs (repeatable)")
	f.Bool("normalize", false, "Clean the answer pages before extraction")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addExtractFlags(f)
	_ = student.MarkFlagRequired("question-paper")
	_ = student.MarkFlagRequired("answers")

	official := &cobra.Command{
		Use:   "official",
		Short: "Extract the official answer key",
		RunE:  runExtractOfficial,
	}
	f = official.Flags()
	f.StringSlice("question-paper", nil, "Question paper files (repeatable)")
	f.StringSlice("answer-key", nil, "Answer key files (repeatable)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addExtractFlags(f)
	_ = official.MarkFlagRequired("question-paper")
	_ = official.MarkFlagRequired("answer-key")

	cmd.AddCommand(student, official)
	return cmd
}

func addExtractFlags(f *pflag.FlagSet) {
	addLLMFlags(f)
	addGradingFlags(f)
	addScanFlags(f)
	addLogFlags(f)
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Merge, score and report two extraction files",
		RunE:  runEvaluate,
	}
	f := cmd.Flags()
	f.String("student", "", "Student extraction JSON file (required)")
	f.String("official", "", "Official extraction JSON file (required)")
	f.StringP("report", "r", "-", "Report output path (- for stdout)")
	addRunFlags(f)
	addLLMFlags(f)
	addGradingFlags(f)
	addLogFlags(f)
	_ = cmd.MarkFlagRequired("student")
	_ = cmd.MarkFlagRequired("official")
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Normalize, extract both sides and evaluate in one go",
		RunE:  runAll,
	}
	f := cmd.Flags()
	f.StringSlice("question-paper", nil, "Question paper files (repeatable)")
	f.StringSlice("answers", nil, "Student answer pages, images or PDFs (repeatable)")
	f.StringSlice("answer-key", nil, "Answer key files (repeatable)")
	f.Bool("normalize", true, "Clean the answer pages before extraction")
	f.String("student-out", "", "Also write the student extraction to this file")
	f.String("official-out", "", "Also write the official extraction to this file")
	f.StringP("report", "r", "-", "Report output path (- for stdout)")
	addRunFlags(f)
	addLLMFlags(f)
	addGradingFlags(f)
	addScanFlags(f)
	addLogFlags(f)
	_ = cmd.MarkFlagRequired("question-paper")
	_ = cmd.MarkFlagRequired("answers")
	_ = cmd.MarkFlagRequired("answer-key")
	return cmd
}

func addRunFlags(f *pflag.FlagSet) {
	f.String("exam", "", "Exam name recorded with the run")
	f.String("candidate", "", "Student name recorded with the run")
	addDBFlag(f)
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Regenerate the report of a stored run",
		RunE:  runReport,
	}
	f := cmd.Flags()
	f.String("run-id", "", "Run identifier (required)")
	f.StringP("lang", "l", "", "Report language (defaults to the run's language)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addDBFlag(f)
	addLogFlags(f)
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored runs as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("run-id", "", "Run identifier")
	f.Bool("all", false, "Export every stored run")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addDBFlag(f)
	addLogFlags(f)
	cmd.MarkFlagsOneRequired("run-id", "all")
	cmd.MarkFlagsMutuallyExclusive("run-id", "all")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored runs over a read-only HTTP API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringP("lang", "l", "en", "Default report language (en, hi)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /grading)")
	f.String("api-token", "", "Bearer token required by the API (or set PAPERCHECK_API_TOKEN)")
	addDBFlag(f)
	addLogFlags(f)
	return cmd
}

func runNormalize(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	dir := v.GetString("output")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	opts := normalizeOptions(v)
	rast := newRasterizer(v)
	for _, in := range args {
		if !strings.EqualFold(filepath.Ext(in), ".pdf") {
			if err := normalizeImage(in, dir, opts); err != nil {
				return err
			}
			continue
		}

		pages, err := rast.Rasterize(cmd.Context(), in)
		if err != nil {
			return err
		}
		for _, page := range pages {
			out, err := scan.NormalizeDocument(page, opts)
			if err != nil {
				return err
			}
			path := filepath.Join(dir, out.Name)
			if err := os.WriteFile(path, out.Data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			slog.Info("normalized page", "in", page.Name, "out", path)
		}
	}
	return nil
}

// normalizeImage writes the cleaned version of one image file into dir as a
// PNG with the same base name.
func normalizeImage(in, dir string, opts scan.Options) error {
	img, err := scan.NormalizeFile(in, opts)
	if err != nil {
		return err
	}
	base := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
	path := filepath.Join(dir, base+".png")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := scan.EncodePNG(f, img); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	slog.Info("normalized page", "in", in, "out", path)
	return nil
}

func loadDocs(ctx context.Context, v *viper.Viper, key string) ([]model.Document, error) {
	docs, err := scan.LoadDocuments(ctx, newRasterizer(v), v.GetStringSlice(key)...)
	if err != nil {
		return nil, fmt.Errorf("load --%s: %w", key, err)
	}
	return docs, nil
}

func runExtractStudent(cmd *cobra.Command, _ []string) error {
	s, err := newSession(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()

	qp, err := loadDocs(ctx, s.v, "question-paper")
	if err != nil {
		return err
	}
	pages, err := loadDocs(ctx, s.v, "answers")
	if err != nil {
		return err
	}
	if s.v.GetBool("normalize") {
		if pages, err = s.pipeline.NormalizePages(pages); err != nil {
			return err
		}
	}

	run, err := s.newRun()
	if err != nil {
		return err
	}
	if err := s.pipeline.ExtractStudent(ctx, run, qp, pages); err != nil {
		return err
	}
	return writeJSON(s.v.GetString("output"), run.Student)
}

func runExtractOfficial(cmd *cobra.Command, _ []string) error {
	s, err := newSession(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()

	qp, err := loadDocs(ctx, s.v, "question-paper")
	if err != nil {
		return err
	}
	key, err := loadDocs(ctx, s.v, "answer-key")
	if err != nil {
		return err
	}

	run, err := s.newRun()
	if err != nil {
		return err
	}
	if err := s.pipeline.ExtractOfficial(ctx, run, qp, key); err != nil {
		return err
	}
	return writeJSON(s.v.GetString("output"), run.Official)
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	s, err := newSession(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	student, err := readRecords(s.v.GetString("student"), model.SideStudent)
	if err != nil {
		return err
	}
	official, err := readRecords(s.v.GetString("official"), model.SideOfficial)
	if err != nil {
		return err
	}

	run, err := s.newRun()
	if err != nil {
		return err
	}
	if err := s.pipeline.UseExtraction(run, model.SideStudent, student); err != nil {
		return err
	}
	if err := s.pipeline.UseExtraction(run, model.SideOfficial, official); err != nil {
		return err
	}
	if err := s.pipeline.Evaluate(cmd.Context(), run); err != nil {
		return cancelled(run, err)
	}
	return s.writeReport(run)
}

func runAll(cmd *cobra.Command, _ []string) error {
	s, err := newSession(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()

	in := pipeline.Inputs{Normalize: s.v.GetBool("normalize")}
	if in.QuestionPaper, err = loadDocs(ctx, s.v, "question-paper"); err != nil {
		return err
	}
	if in.AnswerPages, err = loadDocs(ctx, s.v, "answers"); err != nil {
		return err
	}
	if in.AnswerKey, err = loadDocs(ctx, s.v, "answer-key"); err != nil {
		return err
	}

	run, err := s.newRun()
	if err != nil {
		return err
	}
	gradeErr := s.pipeline.Grade(ctx, run, in)

	if path := s.v.GetString("student-out"); path != "" && run.Student != nil {
		if err := writeJSON(path, run.Student); err != nil {
			return err
		}
	}
	if path := s.v.GetString("official-out"); path != "" && run.Official != nil {
		if err := writeJSON(path, run.Official); err != nil {
			return err
		}
	}
	if gradeErr != nil {
		return cancelled(run, gradeErr)
	}
	return s.writeReport(run)
}

// cancelled logs where the partial results of an interrupted run went.
func cancelled(run *pipeline.Run, err error) error {
	if errors.Is(err, context.Canceled) {
		slog.Warn("run cancelled, no report written", "run", run.Info.ID, "scored", len(run.Results))
	}
	return err
}

func (s *session) writeReport(run *pipeline.Run) error {
	path := s.v.GetString("report")
	w, err := create(path)
	if err != nil {
		return err
	}
	if err := s.pipeline.Report(w, run); err != nil {
		w.Close()
		return fmt.Errorf("render report: %w", err)
	}
	if err := w.Close(); err != nil {
		return err
	}
	slog.Info("run complete", "run", run.Info.ID, "report", path,
		"average", fmt.Sprintf("%.2f", run.Summary.AverageScore))
	return nil
}

func requireStore(v *viper.Viper) (*store.Store, error) {
	db, err := openStore(v)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, errors.New("a database is required: set --db")
	}
	return db, nil
}

func runReport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := requireStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	runID := v.GetString("run-id")
	exp, err := db.ExportRun(runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	w, err := create(v.GetString("output"))
	if err != nil {
		return err
	}
	if err := writeStoredReport(w, exp, v.GetString("lang")); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// writeStoredReport renders the report of an exported run. An empty lang
// falls back to the language the run was graded with.
func writeStoredReport(w io.Writer, exp *model.RunExport, lang string) error {
	if exp.Run.Status != model.RunEvaluated {
		return fmt.Errorf("run %s is %s; only evaluated runs have a report", exp.Run.ID, exp.Run.Status)
	}
	if lang == "" {
		lang = exp.Config.Lang
	}
	if lang == "" {
		lang = "en"
	}
	if !i18n.Supported(lang) {
		return fmt.Errorf("unsupported report language %q (supported: en, hi)", lang)
	}
	if len(exp.Dropped) > 0 {
		slog.Warn("official questions missing from student extraction are not in this report",
			"run", exp.Run.ID, "count", len(exp.Dropped), "questions", exp.Dropped)
	}
	if err := report.Render(w, exp.Results, exp.Summary, lang); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := requireStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	var out any
	if v.GetBool("all") {
		runs, err := db.ExportAllRuns()
		if err != nil {
			return fmt.Errorf("export runs: %w", err)
		}
		if runs == nil {
			runs = []model.RunExport{}
		}
		out = runs
	} else {
		runID := v.GetString("run-id")
		exp, err := db.ExportRun(runID)
		if err != nil {
			return fmt.Errorf("export run %s: %w", runID, err)
		}
		out = exp
	}
	return writeJSON(v.GetString("output"), out)
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := requireStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := i18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	token := v.GetString("api-token")
	h := handler.New(db, lang, token)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	if basePath != "" {
		r.Route(basePath, h.Routes)
		r.Get(basePath, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, basePath+"/", http.StatusMovedPermanently)
		})
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	count, err := db.RunCount()
	if err != nil {
		slog.Warn("failed to count runs", "error", err)
	}
	slog.Info("starting server",
		"addr", addr,
		"lang", lang,
		"base_path", basePath,
		"auth", token != "",
		"runs", count,
	)

	select {
	case err := <-errCh:
		return err
	case <-cmd.Context().Done():
	}

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
