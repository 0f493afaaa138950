package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/jinzhu/inflection"

	"github.com/ekaya-inc/ekaya-omop/pkg/models"
)

// FormatSummary renders a one-line human summary of a run, such as
// "run 6f1c...: 3 tables loaded, 1 table validation failed in 2.5s".
func FormatSummary(s *models.RunSummary) string {
	counts := s.CountByState()
	var parts []string
	for _, state := range models.ValidTableStates {
		n := counts[state]
		if n == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%d %s %s", n, noun("table", n), stateLabel(state)))
	}
	if len(parts) == 0 {
		parts = append(parts, "no tables")
	}

	line := fmt.Sprintf("run %s: %s", s.RunID, strings.Join(parts, ", "))
	if !s.FinishedAt.IsZero() {
		line += " in " + s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String()
	}
	return line
}

// FormatTable renders the status line of one table.
func FormatTable(r models.TableReport) string {
	line := fmt.Sprintf("%-28s %-17s %d %s", r.Table, r.State, len(r.Steps), noun("step", len(r.Steps)))
	if r.TotalCount > 0 {
		line += fmt.Sprintf(", %d duplicate %s", r.TotalCount, noun("group", r.TotalCount))
	}
	if len(r.Warnings) > 0 {
		line += fmt.Sprintf(", %d %s", len(r.Warnings), noun("warning", len(r.Warnings)))
	}
	if r.Failure != "" {
		line += ": " + r.Failure
	}
	return line
}

func noun(word string, n int) string {
	if n == 1 {
		return inflection.Singular(word)
	}
	return inflection.Plural(word)
}

func stateLabel(s models.TableState) string {
	return strings.ToLower(strings.ReplaceAll(string(s), "_", " "))
}
