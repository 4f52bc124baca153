// Package formatter renders drift reports for human and machine
// consumption. The engine returns rendered bodies from the drift
// format endpoint; nothing here writes to files or terminals.
package formatter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/models"
)

// Format identifies one rendering of a drift report.
type Format string

const (
	FormatJSON     Format = "json"
	FormatText     Format = "text"
	FormatSummary  Format = "summary"
	FormatMarkdown Format = "markdown"
)

// Parse resolves a caller-supplied format name. An empty name means
// summary.
func Parse(name string) (Format, error) {
	switch Format(strings.ToLower(name)) {
	case "":
		return FormatSummary, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatText:
		return FormatText, nil
	case FormatSummary:
		return FormatSummary, nil
	case FormatMarkdown:
		return FormatMarkdown, nil
	}
	return "", errors.BadInputf("unknown report format %q", name)
}

// Render produces the report body in the given format along with its
// content type.
func Render(report *models.DriftReport, format Format) (string, string, error) {
	if report == nil {
		return "", "", errors.BadInput("a drift report is required")
	}
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return "", "", errors.Wrap(err, errors.KindInternal, "encoding drift report "+report.ID)
		}
		return string(data), "application/json", nil
	case FormatText:
		return renderText(report), "text/plain; charset=utf-8", nil
	case FormatSummary:
		return renderSummary(report), "text/plain; charset=utf-8", nil
	case FormatMarkdown:
		return renderMarkdown(report), "text/markdown; charset=utf-8", nil
	}
	return "", "", errors.BadInputf("unknown report format %q", format)
}

func renderSummary(report *models.DriftReport) string {
	counts := report.CountByStatus()
	total := len(report.Items)
	outOfSync := total - counts[models.DriftStatusInSync]

	var b strings.Builder
	fmt.Fprintf(&b, "Drift report %s\n", report.ID)
	fmt.Fprintf(&b, "Provider: %s  Scope: %s\n", report.Provider, report.Scope)
	fmt.Fprintf(&b, "Detected: %s\n\n", report.DetectedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Total resources: %d\n", total)
	fmt.Fprintf(&b, "In sync:  %d\n", counts[models.DriftStatusInSync])
	fmt.Fprintf(&b, "Changed:  %d\n", counts[models.DriftStatusChanged])
	fmt.Fprintf(&b, "Missing:  %d\n", counts[models.DriftStatusMissing])
	fmt.Fprintf(&b, "Extra:    %d\n", counts[models.DriftStatusExtra])
	if outOfSync == 0 {
		b.WriteString("\nNo drift detected, infrastructure matches desired state\n")
	} else {
		fmt.Fprintf(&b, "\n%d resources out of sync\n", outOfSync)
	}
	return b.String()
}

func renderText(report *models.DriftReport) string {
	var b strings.Builder
	b.WriteString(renderSummary(report))

	bySeverity := severityCounts(report)
	if len(bySeverity) > 0 {
		b.WriteString("\nSEVERITY BREAKDOWN\n")
		b.WriteString(rule())
		for _, sev := range []models.Severity{models.SeverityCritical, models.SeverityWarning, models.SeverityInfo} {
			if n := bySeverity[sev]; n > 0 {
				fmt.Fprintf(&b, "  %s: %d\n", sev, n)
			}
		}
	}

	groups := groupByStatus(report)
	for _, status := range []models.DriftStatus{models.DriftStatusMissing, models.DriftStatusChanged, models.DriftStatusExtra} {
		items := groups[status]
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s (%d resources)\n", strings.ToUpper(string(status)), len(items))
		b.WriteString(rule())
		for _, item := range items {
			fmt.Fprintf(&b, "  %s [%s]\n", item.ResourceAddress, item.Severity)
			for _, field := range item.ChangedFields {
				fmt.Fprintf(&b, "    - %s\n", field)
			}
		}
	}
	return b.String()
}

func renderMarkdown(report *models.DriftReport) string {
	counts := report.CountByStatus()
	total := len(report.Items)

	var b strings.Builder
	fmt.Fprintf(&b, "# Drift Report %s\n\n", report.ID)
	fmt.Fprintf(&b, "- **Provider:** %s\n", report.Provider)
	fmt.Fprintf(&b, "- **Scope:** %s\n", report.Scope)
	fmt.Fprintf(&b, "- **Detected:** %s\n", report.DetectedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- **Resources:** %d total, %d in sync\n\n",
		total, counts[models.DriftStatusInSync])

	outOfSync := report.OutOfSync()
	if len(outOfSync) == 0 {
		b.WriteString("No drift detected.\n")
		return b.String()
	}

	b.WriteString("| Resource | Status | Severity | Changed Fields |\n")
	b.WriteString("|----------|--------|----------|----------------|\n")
	for _, item := range outOfSync {
		fields := strings.Join(item.ChangedFields, ", ")
		if fields == "" {
			fields = "-"
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
			item.ResourceAddress, item.Status, item.Severity, fields)
	}
	return b.String()
}

func severityCounts(report *models.DriftReport) map[models.Severity]int {
	counts := make(map[models.Severity]int)
	for _, item := range report.Items {
		if item.Status != models.DriftStatusInSync {
			counts[item.Severity]++
		}
	}
	return counts
}

func groupByStatus(report *models.DriftReport) map[models.DriftStatus][]models.DriftItem {
	groups := make(map[models.DriftStatus][]models.DriftItem)
	for _, item := range report.Items {
		groups[item.Status] = append(groups[item.Status], item)
	}
	for _, items := range groups {
		sort.Slice(items, func(i, j int) bool { return items[i].ResourceAddress < items[j].ResourceAddress })
	}
	return groups
}

func rule() string {
	return strings.Repeat("-", 60) + "\n"
}
