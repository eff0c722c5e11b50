// Package report renders a user's longitudinal screening record as markdown
// and as a standalone HTML page.
package report

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/TobiSchelling/mindcheck/internal/database"
	"github.com/TobiSchelling/mindcheck/internal/phq9"
	"github.com/TobiSchelling/mindcheck/internal/summary"
)

//go:embed templates/report.html
var templateFS embed.FS

var (
	md   = goldmark.New(goldmark.WithExtensions(extension.Table))
	page = template.Must(template.ParseFS(templateFS, "templates/report.html"))
)

// historyLimit bounds each history table in the report.
const historyLimit = 5

// Data is everything a report shows.
type Data struct {
	Email          string
	Summary        *database.MentalHealthSummary
	Alert          summary.Alert
	Conversational []database.ConversationalAssessment
	Narrative      []database.NarrativeAssessment
	Detections     []database.DepressionDetection
	GeneratedAt    time.Time
}

// Collect loads report data for a user.
func Collect(ctx context.Context, db *database.DB, userID int64) (*Data, error) {
	u, err := db.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %d not found", userID)
	}
	s, err := db.GetSummary(ctx, userID)
	if err != nil {
		return nil, err
	}
	conv, err := db.GetConversationalHistory(ctx, userID, historyLimit)
	if err != nil {
		return nil, err
	}
	narr, err := db.GetNarrativeAssessments(ctx, userID, historyLimit)
	if err != nil {
		return nil, err
	}
	det, err := db.GetDetections(ctx, userID, historyLimit, true)
	if err != nil {
		return nil, err
	}
	return &Data{
		Email:          u.Email,
		Summary:        s,
		Alert:          summary.AlertFor(s),
		Conversational: conv,
		Narrative:      narr,
		Detections:     det,
		GeneratedAt:    db.Now(),
	}, nil
}

// Markdown renders d as a markdown document.
func Markdown(d *Data) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Informe de salud mental\n\n")
	fmt.Fprintf(&b, "**Usuario:** %s\n\n", d.Email)

	b.WriteString("## Nivel de riesgo\n\n")
	if d.Alert.RequiresAttention {
		fmt.Fprintf(&b, "**%s** (requiere atención)\n\n", d.Alert.RiskLevel)
	} else {
		fmt.Fprintf(&b, "**%s**\n\n", d.Alert.RiskLevel)
	}
	fmt.Fprintf(&b, "> %s\n\n", d.Alert.Message)

	if s := d.Summary; s != nil {
		b.WriteString("| Indicador | Valor |\n|---|---|\n")
		fmt.Fprintf(&b, "| Último PHQ-9 | %s |\n", scoreCell(s.LatestPHQ9Score, s.LatestPHQ9Severity))
		fmt.Fprintf(&b, "| Evaluaciones PHQ-9 | %d |\n", s.TotalPHQ9Assessments)
		fmt.Fprintf(&b, "| Detecciones | %d |\n", s.DepressionDetectionCount)
		fmt.Fprintf(&b, "| Detecciones de riesgo alto | %d |\n", s.HighRiskDetections)
		fmt.Fprintf(&b, "| Última detección | %s |\n\n", dateCell(s.LastDetectionDate))
	}

	if len(d.Conversational) > 0 {
		b.WriteString("## Evaluaciones conversacionales\n\n")
		b.WriteString("| Inicio | Estado | Puntaje | Severidad |\n|---|---|---|---|\n")
		for _, a := range d.Conversational {
			state := "completada"
			if a.TotalScore == nil {
				state = "cancelada"
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				a.StartedAt.Format("2006-01-02"), state, intCell(a.TotalScore, phq9.NumItems*phq9.MaxItemScore), strCell(a.Severity))
		}
		b.WriteString("\n")
	}

	if len(d.Narrative) > 0 {
		b.WriteString("## Evaluaciones narrativas\n\n")
		b.WriteString("| Fecha | Síntomas presentes | Severidad |\n|---|---|---|\n")
		for _, a := range d.Narrative {
			fmt.Fprintf(&b, "| %s | %d/%d | %s |\n",
				a.CreatedAt.Format("2006-01-02"), a.TotalScore, phq9.NumItems, a.Severity)
		}
		b.WriteString("\n")
	}

	if len(d.Detections) > 0 {
		b.WriteString("## Detecciones recientes\n\n")
		for _, det := range d.Detections {
			fmt.Fprintf(&b, "- %s: riesgo %s, confianza %.0f%%",
				det.DetectedAt.Format("2006-01-02 15:04"), det.RiskLevel, det.ConfidenceScore*100)
			if len(det.Keywords) > 0 {
				fmt.Fprintf(&b, " (%s)", strings.Join(det.Keywords, ", "))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// HTML renders d as a full HTML page.
func HTML(d *Data) ([]byte, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(Markdown(d)), &body); err != nil {
		return nil, fmt.Errorf("rendering markdown: %w", err)
	}

	var out bytes.Buffer
	err := page.Execute(&out, map[string]any{
		"Title":       "Informe de salud mental",
		"Body":        template.HTML(body.String()), //nolint: gosec
		"GeneratedAt": d.GeneratedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering page: %w", err)
	}
	return out.Bytes(), nil
}

func scoreCell(score *int, severity *string) string {
	if score == nil {
		return "sin datos"
	}
	return fmt.Sprintf("%d (%s)", *score, strCell(severity))
}

func intCell(v *int, max int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d/%d", *v, max)
}

func strCell(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func dateCell(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}
