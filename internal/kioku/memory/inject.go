package memory

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultBasePrompt is the instruction prefixed to every injected memory
// block so the model treats the entries as its own recall rather than as
// user-provided text.
const DefaultBasePrompt = "You have access to a LOCAL MEMORY system that persistently stores all conversations. " +
	"You CAN and DO remember past interactions with this user. " +
	"If the user asks whether you have memory or can remember things, " +
	"confirm that YES, you have persistent local memory across conversations. " +
	"Never say you cannot remember or that you lack memory — you have it."

// DefaultMaxContextItems caps how many retrieved memories are injected.
const DefaultMaxContextItems = 5

// DefaultMaxContextChars is the character budget for the injected block's
// memory lines.
const DefaultMaxContextChars = 2000

// ScoredRecord pairs a resolved record with its retrieval score.
type ScoredRecord struct {
	Record MemoryRecord
	Score  float64
}

// InjectorConfig bounds the size of the injected context block.
type InjectorConfig struct {
	// BasePrompt precedes the memory entries. Defaults to DefaultBasePrompt.
	BasePrompt string

	// MaxItems is the maximum number of entries injected. Defaults to 5.
	MaxItems int

	// MaxChars is the character budget across all entry lines; the
	// lowest-ranked entries are dropped first. Defaults to 2000.
	MaxChars int
}

// Injector turns ranked retrieval results into the single synthetic system
// block merged into an outgoing request. It only formats text — the gateway
// owns the wire-level merge into the message list.
type Injector struct {
	cfg InjectorConfig
}

// NewInjector creates an Injector, applying defaults for zero fields.
func NewInjector(cfg InjectorConfig) *Injector {
	if cfg.BasePrompt == "" {
		cfg.BasePrompt = DefaultBasePrompt
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxContextItems
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxContextChars
	}
	return &Injector{cfg: cfg}
}

// Compose builds the memory block for the given ranked results. Entries are
// emitted in ranking order (highest similarity first), each tagged with role,
// age, and relevance so the model can attribute them. Returns "" when results
// is empty: no results above threshold means no injection at all and the
// original request passes through unmodified.
func (inj *Injector) Compose(results []ScoredRecord, totalStored int, now time.Time) string {
	if len(results) == 0 {
		return ""
	}

	lines := inj.formatLines(results, now)
	if len(lines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(inj.cfg.BasePrompt)
	fmt.Fprintf(&b, "\n\n=== YOUR MEMORY (%d total stored) ===\n", totalStored)
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n=== END MEMORY ===")
	return b.String()
}

// formatLines renders each result as "[role] (age, relevance: NN%): text",
// truncating against the remaining character budget and dropping the
// lowest-ranked entries once the budget is exhausted.
func (inj *Injector) formatLines(results []ScoredRecord, now time.Time) []string {
	if len(results) > inj.cfg.MaxItems {
		results = results[:inj.cfg.MaxItems]
	}

	var lines []string
	totalChars := 0
	for _, r := range results {
		remaining := inj.cfg.MaxChars - totalChars
		if remaining <= 0 {
			break
		}

		text := r.Record.Text
		if len(text) > remaining {
			// Back up to a rune boundary so the cut never leaves invalid UTF-8.
			cut := remaining
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			text = text[:cut] + "..."
		}

		line := fmt.Sprintf("[%s] (%s, relevance: %.0f%%): %s",
			r.Record.Role, formatAge(r.Record.CreatedAt, now), r.Score*100, text)
		lines = append(lines, line)
		totalChars += len(line)
	}
	return lines
}

// formatAge renders a coarse human-readable age for a memory entry.
func formatAge(createdAt, now time.Time) string {
	if createdAt.IsZero() {
		return "unknown time"
	}
	delta := now.Sub(createdAt)
	switch {
	case delta < time.Minute:
		return "just now"
	case delta < time.Hour:
		return fmt.Sprintf("%dm ago", int(delta.Minutes()))
	case delta < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(delta.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(delta.Hours()/24))
	}
}
