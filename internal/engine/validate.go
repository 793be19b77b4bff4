package engine

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"taskbridge/internal/domain"
)

var taskIDPattern = regexp.MustCompile(`^[0-9]{8,}$`)

const noDescription = "Sem descrição"

// ValidateTaskID trims the id and requires at least eight digits.
func ValidateTaskID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", &ValidationError{Field: "task_id", Message: "task id is required"}
	}
	if !taskIDPattern.MatchString(id) {
		return "", &ValidationError{Field: "task_id", Message: fmt.Sprintf("invalid task id %q: use the full numeric board id, at least 8 digits (e.g. 341883329)", id)}
	}
	return id, nil
}

// SanitizeComment collapses runs of whitespace and trims.
func SanitizeComment(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func requireComment(raw string, min int, op string) (string, error) {
	c := SanitizeComment(raw)
	if c == "" {
		return "", &ValidationError{Field: "comment", Message: fmt.Sprintf("%s requires a comment", op)}
	}
	if len([]rune(c)) < min {
		return "", &ValidationError{Field: "comment", Message: fmt.Sprintf("%s comment must have at least %d characters", op, min)}
	}
	return c, nil
}

var descriptionMarkers = []string{"descrição", "descricao", "description", "detalhe", "observação", "obs"}

// ExtractDescription returns the first description-like field value.
func ExtractDescription(fields []domain.Field, max int) string {
	for _, f := range fields {
		name := strings.ToLower(f.Name)
		for _, m := range descriptionMarkers {
			if strings.Contains(name, m) {
				v := strings.TrimSpace(f.Value)
				if v == "" {
					return noDescription
				}
				if max > 0 {
					v = truncate(v, max)
				}
				return v
			}
		}
	}
	return noDescription
}

// DetectTaskType guesses a category from keywords in the title and description.
func DetectTaskType(t domain.Task) string {
	title := strings.ToLower(t.Title)
	desc := strings.ToLower(t.Description)
	if desc == "" {
		desc = strings.ToLower(ExtractDescription(t.Fields, 0))
	}
	has := func(s string, words ...string) bool {
		for _, w := range words {
			if strings.Contains(s, w) {
				return true
			}
		}
		return false
	}
	switch {
	case has(title, "bug", "fix") || has(desc, "bug", "corrigir"):
		return "bug"
	case has(title, "feature", "nova funcionalidade") || has(desc, "feature"):
		return "feature"
	case has(title, "refactor") || has(desc, "refatorar"):
		return "refactor"
	case has(title, "doc") || has(desc, "documentação"):
		return "documentation"
	}
	return "general"
}

// FormatDuration renders a responsibility span as "2 days, 3 hours".
func FormatDuration(d time.Duration) string {
	if d < time.Hour {
		return "less than 1 hour"
	}
	days := int(d / (24 * time.Hour))
	hours := int((d % (24 * time.Hour)) / time.Hour)
	var parts []string
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	return strings.Join(parts, ", ")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
