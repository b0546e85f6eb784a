package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMinUserChars / DefaultMinAssistantChars are the minimum text lengths
// (exclusive) a turn must exceed to be stored. Short turns ("ok", "thanks")
// carry no recallable facts.
const (
	DefaultMinUserChars      = 6
	DefaultMinAssistantChars = 21
)

// defaultSkipPhrases marks assistant responses that are generic
// no-memory/no-access refusals; storing them would poison retrieval with
// text that matches almost any memory-related query.
var defaultSkipPhrases = []string{
	"i don't have access",
	"i don't have persistent memory",
	"i don't have a persistent memory",
	"i cannot remember",
	"i can't remember previous",
	"i don't have any actual information",
	"nu am acces la",
	"nu am memorie",
	"nu pot accesa",
	"nu am informatii",
}

// DefaultSkipPhrases returns a copy of the built-in refusal phrase list.
func DefaultSkipPhrases() []string {
	return append([]string(nil), defaultSkipPhrases...)
}

// IngestFilter controls which turns of an exchange become memory records.
type IngestFilter struct {
	// MinUserChars: user text is stored only when strictly longer than
	// MinUserChars-1 characters. Defaults to DefaultMinUserChars.
	MinUserChars int

	// MinAssistantChars: assistant text is stored only when strictly longer
	// than MinAssistantChars-1 characters. Defaults to
	// DefaultMinAssistantChars.
	MinAssistantChars int

	// SkipPhrases drops assistant responses containing any of these
	// case-insensitive phrases. Defaults to DefaultSkipPhrases.
	SkipPhrases []string
}

// Exchange is one completed chat round trip handed to the ingestion pipeline
// after the response has been fully delivered to the client.
type Exchange struct {
	// RequestID correlates ingestion logs with the gateway logs for the
	// request that produced this exchange.
	RequestID string

	// Model is the chat model that produced the assistant text.
	Model string

	UserText      string
	AssistantText string
}

// Pipeline embeds the turns of a completed exchange and appends them to the
// store. Every failure is logged and the affected record dropped — ingestion
// errors are never surfaced to a client.
type Pipeline struct {
	store    *Store
	embedder Embedder
	filter   IngestFilter
	logger   *slog.Logger
}

// NewPipeline creates a Pipeline, applying filter defaults for zero fields.
func NewPipeline(store *Store, embedder Embedder, filter IngestFilter, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if filter.MinUserChars <= 0 {
		filter.MinUserChars = DefaultMinUserChars
	}
	if filter.MinAssistantChars <= 0 {
		filter.MinAssistantChars = DefaultMinAssistantChars
	}
	if filter.SkipPhrases == nil {
		filter.SkipPhrases = DefaultSkipPhrases()
	}
	return &Pipeline{store: store, embedder: embedder, filter: filter, logger: logger}
}

// Ingest stores the eligible turns of one exchange. Both turns share a
// freshly minted conversation id; each turn is an independent, permanent
// record (no deduplication or supersession is attempted).
func (p *Pipeline) Ingest(ctx context.Context, ex Exchange) error {
	conversationID := uuid.NewString()
	stored := 0

	if len(ex.UserText) >= p.filter.MinUserChars {
		if err := p.storeTurn(ctx, ex, conversationID, RoleUser, ex.UserText); err != nil {
			p.logger.Warn("ingest: user turn dropped",
				"request_id", ex.RequestID, "err", err)
		} else {
			stored++
		}
	}

	if len(ex.AssistantText) >= p.filter.MinAssistantChars && !p.isUnhelpful(ex.AssistantText) {
		if err := p.storeTurn(ctx, ex, conversationID, RoleAssistant, ex.AssistantText); err != nil {
			p.logger.Warn("ingest: assistant turn dropped",
				"request_id", ex.RequestID, "err", err)
		} else {
			stored++
		}
	}

	if stored > 0 {
		p.logger.Debug("ingest: exchange stored",
			"request_id", ex.RequestID,
			"conversation_id", conversationID,
			"turns", stored,
			"user_len", len(ex.UserText),
			"assistant_len", len(ex.AssistantText),
			"total_records", p.store.Len())
	}
	return nil
}

// storeTurn embeds one turn and appends it to the store.
func (p *Pipeline) storeTurn(ctx context.Context, ex Exchange, conversationID string, role Role, text string) error {
	vec, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if vec == nil {
		return fmt.Errorf("embed: no vector returned")
	}

	_, err = p.store.Append(MemoryRecord{
		Text:           text,
		Role:           role,
		ConversationID: conversationID,
		Model:          ex.Model,
		CreatedAt:      time.Now(),
	}, vec)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	return nil
}

// isUnhelpful reports whether an assistant response matches a configured
// refusal phrase.
func (p *Pipeline) isUnhelpful(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range p.filter.SkipPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Runner owns the bounded ingestion queue and the single writer goroutine
// that drains it, plus the periodic snapshot flush that bounds data loss on
// an unclean shutdown.
//
// Scheduling an exchange never blocks the request path: when the queue is
// full the exchange is dropped with a warning. Stop drains whatever is
// queued and flushes before returning, so pending writes are not silently
// lost at shutdown.
type Runner struct {
	pipeline   *Pipeline
	store      *Store
	queue      chan Exchange
	flushEvery time.Duration
	logger     *slog.Logger

	stopOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

// DefaultQueueSize is the default ingestion queue capacity.
const DefaultQueueSize = 128

// DefaultFlushInterval is the default periodic snapshot cadence.
const DefaultFlushInterval = 60 * time.Second

// NewRunner creates a Runner with the given queue capacity and flush
// interval, applying defaults for non-positive values.
func NewRunner(pipeline *Pipeline, store *Store, queueSize int, flushEvery time.Duration, logger *slog.Logger) *Runner {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if flushEvery <= 0 {
		flushEvery = DefaultFlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		pipeline:   pipeline,
		store:      store,
		queue:      make(chan Exchange, queueSize),
		flushEvery: flushEvery,
		logger:     logger,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Schedule enqueues an exchange for background ingestion. It never blocks;
// the return value reports whether the exchange was accepted.
func (r *Runner) Schedule(ex Exchange) bool {
	select {
	case r.queue <- ex:
		return true
	default:
		r.logger.Warn("ingest runner: queue full; exchange dropped",
			"request_id", ex.RequestID, "capacity", cap(r.queue))
		return false
	}
}

// Run is the single-writer loop. It blocks until ctx is cancelled or Stop is
// called. Call it in a goroutine.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.quit:
			r.drain()
			close(r.done)
			return
		case ex := <-r.queue:
			if err := r.pipeline.Ingest(ctx, ex); err != nil {
				r.logger.Warn("ingest runner: exchange failed",
					"request_id", ex.RequestID, "err", err)
			}
		case <-ticker.C:
			if err := r.store.Flush(ctx); err != nil {
				// Not retried here; the next tick tries again.
				r.logger.Warn("ingest runner: periodic flush failed", "err", err)
			}
		}
	}
}

// Stop signals the runner to drain and waits for it to finish, up to ctx's
// deadline. Safe to call multiple times.
func (r *Runner) Stop(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.quit) })
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("ingest runner: stop timed out with work pending",
			"queued", len(r.queue))
	}
}

// drain ingests everything still queued, then flushes.
func (r *Runner) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for {
		select {
		case ex := <-r.queue:
			if err := r.pipeline.Ingest(ctx, ex); err != nil {
				r.logger.Warn("ingest runner: exchange failed during drain",
					"request_id", ex.RequestID, "err", err)
			}
		default:
			if err := r.store.Flush(ctx); err != nil {
				r.logger.Warn("ingest runner: final flush failed", "err", err)
			}
			return
		}
	}
}

// QueueDepth reports how many exchanges are waiting to be ingested.
func (r *Runner) QueueDepth() int {
	return len(r.queue)
}
