package ghap

import (
	"fmt"
	"strings"

	"github.com/emmilco/clams-sub000/internal/store"
)

// renderAxes produces the text to embed for each applicable experience axis.
// The full and strategy axes exist for every resolved entry; surprise and
// root_cause exist only for falsified entries, since a confirmed or
// abandoned entry has neither populated.
func renderAxes(entry *store.GhapEntry) []*store.ExperienceAxisEmbedding {
	axes := []*store.ExperienceAxisEmbedding{
		{GhapID: entry.ID, Axis: store.AxisFull, Text: renderFull(entry)},
		{GhapID: entry.ID, Axis: store.AxisStrategy, Text: renderStrategy(entry)},
	}

	if entry.Outcome == store.OutcomeFalsified {
		axes = append(axes,
			&store.ExperienceAxisEmbedding{GhapID: entry.ID, Axis: store.AxisSurprise, Text: renderSurprise(entry)},
			&store.ExperienceAxisEmbedding{GhapID: entry.ID, Axis: store.AxisRootCause, Text: renderRootCause(entry)},
		)
	}

	return axes
}

// RenderAxisText renders the embeddable text for one axis of a resolved
// entry. Exported so the distillation pipeline can re-embed an axis's text
// from the persisted entry without duplicating the per-axis templates.
func RenderAxisText(entry *store.GhapEntry, axis store.Axis) string {
	switch axis {
	case store.AxisStrategy:
		return renderStrategy(entry)
	case store.AxisSurprise:
		return renderSurprise(entry)
	case store.AxisRootCause:
		return renderRootCause(entry)
	default:
		return renderFull(entry)
	}
}

func renderFull(entry *store.GhapEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", entry.Goal)
	fmt.Fprintf(&sb, "Hypothesis: %s\n", entry.Hypothesis)
	if len(entry.Actions) > 0 {
		fmt.Fprintf(&sb, "Actions: %s\n", strings.Join(entry.Actions, "; "))
	}
	fmt.Fprintf(&sb, "Prediction: %s\n", entry.Prediction)
	fmt.Fprintf(&sb, "Outcome: %s\n", entry.Outcome)
	if entry.Surprise != "" {
		fmt.Fprintf(&sb, "Surprise: %s\n", entry.Surprise)
	}
	if entry.RootCause != "" {
		fmt.Fprintf(&sb, "Root cause: %s\n", entry.RootCause)
	}
	if entry.Lesson != "" {
		fmt.Fprintf(&sb, "Lesson: %s\n", entry.Lesson)
	}
	return sb.String()
}

func renderStrategy(entry *store.GhapEntry) string {
	return fmt.Sprintf("Strategy %s applied to a %s problem: %s", entry.Strategy, entry.Domain, entry.Goal)
}

// renderSurprise renders the surprise axis as the surprise text alone,
// parallel to renderRootCause.
func renderSurprise(entry *store.GhapEntry) string {
	return entry.Surprise
}

func renderRootCause(entry *store.GhapEntry) string {
	return entry.RootCause
}
