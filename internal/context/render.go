package context

import (
	"fmt"
	"strings"

	"github.com/emmilco/clams-sub000/internal/store"
)

// renderMemory renders a memory as a short markdown section: a header line
// followed by its body, the same shape used for a code chunk result.
func renderMemory(m *store.Memory) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "### Memory: %s\n", m.Category)
	if len(m.Tags) > 0 {
		fmt.Fprintf(&sb, "**Tags:** %s\n", strings.Join(m.Tags, ", "))
	}
	sb.WriteString("\n")
	sb.WriteString(m.Content)
	return sb.String()
}

func renderCode(u *store.CodeUnit) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "### %s:%d-%d\n\n", u.FilePath, u.StartLine, u.EndLine)
	lang := u.Language
	if lang == "" {
		lang = "text"
	}
	fmt.Fprintf(&sb, "```%s\n%s\n```", lang, u.Content)
	return sb.String()
}

func renderExperience(e *store.GhapEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "### Experience: %s (%s, %s)\n\n", e.Goal, e.Domain, e.Tier)
	fmt.Fprintf(&sb, "**Hypothesis:** %s\n\n", e.Hypothesis)
	fmt.Fprintf(&sb, "**Prediction:** %s\n\n", e.Prediction)
	if e.Outcome != "" {
		fmt.Fprintf(&sb, "**Outcome:** %s\n", e.Outcome)
	}
	if e.Surprise != "" {
		fmt.Fprintf(&sb, "**Surprise:** %s\n", e.Surprise)
	}
	if e.RootCause != "" {
		fmt.Fprintf(&sb, "**Root cause:** %s\n", e.RootCause)
	}
	if e.Lesson != "" {
		fmt.Fprintf(&sb, "**Lesson:** %s\n", e.Lesson)
	}
	return sb.String()
}

func renderValue(v *store.Value) string {
	return fmt.Sprintf("### Value (confidence %.2f, support %d, centroid similarity %.2f)\n\n%s",
		v.Confidence, v.SupportSize, v.SimilarityToCentroid, v.Statement)
}

func renderCommit(c *store.Commit) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "### Commit %s by %s\n\n", c.Hash[:min(8, len(c.Hash))], c.Author)
	sb.WriteString(c.Message)
	return sb.String()
}
