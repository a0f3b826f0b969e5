// Package chat orchestrates one request through the full pipeline:
// classification, cache lookup, memory retrieval, routing, caching, and
// async memory extraction.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"

	"github.com/koopa0/relay/internal/cache"
	"github.com/koopa0/relay/internal/classify"
	"github.com/koopa0/relay/internal/log"
	"github.com/koopa0/relay/internal/memory"
	"github.com/koopa0/relay/internal/provider"
	"github.com/koopa0/relay/internal/router"
	"github.com/koopa0/relay/internal/session"
)

// DegradedMessage is returned verbatim when every provider is exhausted.
// The response is labeled, never silently empty.
const DegradedMessage = "All providers are currently unavailable. Please try again shortly."

// Config contains the orchestrator's dependencies.
type Config struct {
	Router *router.Router
	Cache  *cache.Cache
	Logger log.Logger

	// Memories enables personalized context and extraction. Nil disables
	// memory entirely; requests still flow.
	Memories *memory.Store

	// Sessions persists conversation turns. Nil disables persistence.
	Sessions *session.Store

	// Genkit and UtilityModel drive async fact extraction. Both must be set
	// together with Memories for extraction to run.
	Genkit       *genkit.Genkit
	UtilityModel string

	// Generation defaults for every provider call.
	Temperature float32
	MaxTokens   int

	// ContextTokens budgets the memory block in the prompt.
	ContextTokens int

	// Background lifecycle for async extraction. BackgroundCtx outlives
	// individual requests; WG is waited on at shutdown.
	BackgroundCtx context.Context //nolint:containedctx // app lifecycle context, not a request context
	WG            *sync.WaitGroup
}

// validate checks required dependencies.
func (cfg Config) validate() error {
	if cfg.Router == nil {
		return errors.New("router is required")
	}
	if cfg.Cache == nil {
		return errors.New("cache is required")
	}
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Memories != nil && cfg.WG == nil {
		return errors.New("wg is required when memory store is set")
	}
	return nil
}

// Request is one incoming chat message.
type Request struct {
	OwnerID        string
	Message        string
	ConversationID uuid.UUID // uuid.Nil skips persistence
}

// Response is the answer returned to the caller.
type Response struct {
	Content        string
	Provider       string
	Model          string
	TokensUsed     int
	LatencyMs      int64
	Cached         bool
	Degraded       bool
	Fallbacks      int
	Classification classify.Kind
	MemoryCount    int

	// MemoryReferences identifies the stored facts that informed this
	// answer. Empty for cache hits and unpersonalized requests.
	MemoryReferences []string
}

// Service runs the chat pipeline.
//
// Service is stateless per request and safe for concurrent use.
type Service struct {
	rt       *router.Router
	cache    *cache.Cache
	memories *memory.Store
	sessions *session.Store
	g        *genkit.Genkit
	logger   log.Logger

	utilityModel  string
	temperature   float32
	maxTokens     int
	contextTokens int

	bgCtx context.Context //nolint:containedctx // app lifecycle context, not a request context
	wg    *sync.WaitGroup
}

// New creates the chat Service.
func New(cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	bgCtx := cfg.BackgroundCtx
	if bgCtx == nil {
		bgCtx = context.Background()
	}
	contextTokens := cfg.ContextTokens
	if contextTokens <= 0 {
		contextTokens = memory.DefaultContextTokens
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	return &Service{
		rt:            cfg.Router,
		cache:         cfg.Cache,
		memories:      cfg.Memories,
		sessions:      cfg.Sessions,
		g:             cfg.Genkit,
		logger:        cfg.Logger,
		utilityModel:  cfg.UtilityModel,
		temperature:   cfg.Temperature,
		maxTokens:     maxTokens,
		contextTokens: contextTokens,
		bgCtx:         bgCtx,
		wg:            cfg.WG,
	}, nil
}

// Send runs one message through the pipeline and returns the response.
//
// Memory failures are never fatal: a request that cannot reach the memory
// store degrades to an unpersonalized answer. Only full provider exhaustion
// produces a Degraded response, and even that is a labeled answer, not an
// error to the end user.
func (s *Service) Send(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, fmt.Errorf("message is required")
	}
	if req.OwnerID == "" {
		return nil, fmt.Errorf("owner ID is required")
	}

	result := classify.Classify(message)

	// The memory fingerprint folds into the cache key, so a memory write
	// invalidates every answer that could have depended on it.
	fingerprint := s.fingerprint(ctx, req.OwnerID)
	key := cache.Key(message, result.Kind, fingerprint)

	if entry, ok := s.cache.Get(key); ok {
		s.logger.Debug("cache hit",
			"owner", req.OwnerID,
			"classification", result.Kind)
		return &Response{
			Content:        entry.Content,
			Provider:       entry.Provider,
			Model:          entry.Model,
			Cached:         true,
			LatencyMs:      time.Since(start).Milliseconds(),
			Classification: result.Kind,
		}, nil
	}

	memories, summaries := s.retrieveContext(ctx, req.OwnerID, message, result.Kind)
	refs := memoryRefs(memories)
	prompt := buildPrompt(memory.FormatContext(memories, summaries, s.contextTokens), message)

	out, err := s.rt.Route(ctx, prompt, provider.Params{
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		if errors.Is(err, router.ErrExhausted) {
			s.logger.Error("all providers exhausted",
				"owner", req.OwnerID,
				"classification", result.Kind)
			return &Response{
				Content:          DegradedMessage,
				Degraded:         true,
				LatencyMs:        time.Since(start).Milliseconds(),
				Classification:   result.Kind,
				MemoryCount:      len(memories),
				MemoryReferences: refs,
			}, nil
		}
		return nil, fmt.Errorf("routing request: %w", err)
	}

	resp := &Response{
		Content:          out.Reply.Text,
		Provider:         out.Provider,
		Model:            out.Model,
		TokensUsed:       out.Reply.TokensUsed,
		LatencyMs:        time.Since(start).Milliseconds(),
		Fallbacks:        out.Fallbacks,
		Classification:   result.Kind,
		MemoryCount:      len(memories),
		MemoryReferences: refs,
	}

	s.cache.Set(key, result.Kind, cache.Entry{
		Content:  resp.Content,
		Provider: resp.Provider,
		Model:    resp.Model,
	})

	s.persistTurn(ctx, req, resp)

	// Extraction outlives the request: uses bgCtx, tracked by wg for
	// graceful shutdown.
	if s.memories != nil && s.g != nil && s.utilityModel != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.extractMemories(s.bgCtx, req.OwnerID, message, resp.Content)
		}()
	}

	return resp, nil
}

// fingerprint returns the owner's memory digest, or a constant when memory is
// disabled or unreachable. Retrieval failure must not fail the request.
func (s *Service) fingerprint(ctx context.Context, ownerID string) string {
	if s.memories == nil {
		return "disabled"
	}
	fp, err := s.memories.Fingerprint(ctx, ownerID)
	if err != nil {
		s.logger.Warn("memory fingerprint failed", "owner", ownerID, "error", err)
		return "unavailable"
	}
	return fp
}

// retrieveContext loads relevant memories (and summaries at comprehensive
// depth). Failures degrade to an empty context.
func (s *Service) retrieveContext(ctx context.Context, ownerID, message string, kind classify.Kind) ([]*memory.Memory, []*memory.Summary) {
	if s.memories == nil {
		return nil, nil
	}

	personal := kind == classify.KindPersonal
	level := memory.ContextLight
	if personal {
		level = memory.ContextComprehensive
	}

	memories, err := s.memories.RetrieveRelevant(ctx, ownerID, message, memory.RetrieveOpts{
		Level:    level,
		Personal: personal,
	})
	if err != nil {
		s.logger.Warn("memory retrieval failed, continuing without context",
			"owner", ownerID, "error", err)
		return nil, nil
	}

	var summaries []*memory.Summary
	if level == memory.ContextComprehensive {
		summaries, err = s.memories.RecentSummaries(ctx, ownerID, 2)
		if err != nil {
			s.logger.Warn("summary retrieval failed", "owner", ownerID, "error", err)
			summaries = nil
		}
	}
	return memories, summaries
}

// memoryRefs returns the IDs of the memories woven into the prompt.
func memoryRefs(memories []*memory.Memory) []string {
	if len(memories) == 0 {
		return nil
	}
	refs := make([]string, 0, len(memories))
	for _, m := range memories {
		refs = append(refs, m.ID.String())
	}
	return refs
}

// buildPrompt places the memory context ahead of the user message.
func buildPrompt(contextBlock, message string) string {
	if contextBlock == "" {
		return message
	}
	return contextBlock + "\nUser message:\n" + message
}

// persistTurn records the user and assistant messages. Persistence failure is
// logged, never surfaced: the user already has their answer.
func (s *Service) persistTurn(ctx context.Context, req Request, resp *Response) {
	if s.sessions == nil || req.ConversationID == uuid.Nil {
		return
	}

	if err := s.sessions.Append(ctx, req.ConversationID, req.OwnerID, session.Message{
		Role:    session.RoleUser,
		Content: req.Message,
	}); err != nil {
		s.logger.Warn("persisting user message failed", "error", err)
		return
	}
	if err := s.sessions.Append(ctx, req.ConversationID, req.OwnerID, session.Message{
		Role:       session.RoleAssistant,
		Content:    resp.Content,
		Provider:   resp.Provider,
		Model:      resp.Model,
		TokensUsed: resp.TokensUsed,
	}); err != nil {
		s.logger.Warn("persisting assistant message failed", "error", err)
	}
}

// extractMemories pulls facts from the exchange and saves them. Runs in the
// background; errors are logged and dropped.
func (s *Service) extractMemories(ctx context.Context, ownerID, userInput, responseText string) {
	extractCtx, cancel := context.WithTimeout(ctx, memory.ExtractTimeout)
	defer cancel()

	conversation := memory.FormatConversation(userInput, responseText)
	facts, err := memory.Extract(extractCtx, s.g, s.utilityModel, conversation)
	if err != nil {
		s.logger.Warn("memory extraction failed", "owner", ownerID, "error", err)
		return
	}

	for _, f := range facts {
		err := s.memories.Save(extractCtx, ownerID, f.Content, memory.SaveOpts{
			Tags:       f.Tags,
			Importance: f.Importance,
			Durable:    f.Durable,
		})
		if err != nil {
			s.logger.Warn("saving extracted fact failed", "owner", ownerID, "error", err)
		}
	}
	if len(facts) > 0 {
		s.logger.Debug("extracted memories", "owner", ownerID, "count", len(facts))
	}
}
