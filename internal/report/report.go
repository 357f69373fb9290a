// Package report renders scored results as the plain-text evaluation report.
package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/papercheck/internal/i18n"
	"github.com/pavelanni/papercheck/internal/model"
)

const width = 70

const reportTmpl = `{{rule}}
{{center (t "ReportTitle")}}
{{rule}}

{{range .Results -}}
{{td "QuestionHeading" "Number" .QuestionNumber}}
{{t "LabelStatus"}}: {{status .Status}}
{{t "LabelScore"}}: {{.Score}}%
{{t "LabelJustification"}}: {{.Justification}}

{{t "StudentAnswerHeading"}}
{{.StudentAnswer}}

{{t "OfficialAnswerHeading"}}
{{.OfficialAnswer}}
{{dash}}

{{end -}}
{{rule}}
{{center (t "SummaryTitle")}}
{{rule}}
{{t "TotalQuestions"}}: {{.Summary.TotalQuestions}}
{{t "AnsweredQuestions"}}: {{.Summary.AnsweredCount}}
{{t "AverageScore"}}: {{printf "%.2f" .Summary.AverageScore}}%
{{- if .Failed}}
{{tp "FailedEvaluations" .Failed}}
{{- end}}
{{rule}}
`

type data struct {
	Results []model.ScoredRecord
	Summary model.Summary
	Failed  int
}

// Render writes the report for results in lang. Output depends only on its
// arguments.
func Render(w io.Writer, results []model.ScoredRecord, summary model.Summary, lang string) error {
	ctx := i18n.WithLang(context.Background(), lang)

	tmpl, err := template.New("report").Funcs(funcs(ctx)).Parse(reportTmpl)
	if err != nil {
		return fmt.Errorf("parse report template: %w", err)
	}

	d := data{Results: results, Summary: summary}
	for _, r := range results {
		if r.Failed() {
			d.Failed++
		}
	}
	if err := tmpl.Execute(w, d); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

// String is Render into a string.
func String(results []model.ScoredRecord, summary model.Summary, lang string) (string, error) {
	var buf bytes.Buffer
	if err := Render(&buf, results, summary, lang); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func funcs(ctx context.Context) template.FuncMap {
	return template.FuncMap{
		"t": func(id string) string { return i18n.T(ctx, id) },
		"td": func(id, key string, value any) string {
			return i18n.Td(ctx, id, map[string]any{key: value})
		},
		"tp":     func(id string, n int) string { return i18n.Tp(ctx, id, n) },
		"rule":   func() string { return strings.Repeat("=", width) },
		"dash":   func() string { return strings.Repeat("-", width) },
		"center": center,
		"status": func(s model.AnswerStatus) string {
			if s == model.StatusAnswered {
				return i18n.T(ctx, "StatusAnswered")
			}
			return i18n.T(ctx, "StatusNotAnswered")
		},
	}
}

// center pads s on the left so it sits in the middle of the banner.
func center(s string) string {
	n := utf8.RuneCountInString(s)
	if n >= width {
		return s
	}
	return strings.Repeat(" ", (width-n)/2) + s
}
