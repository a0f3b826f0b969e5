// Package memory stores and retrieves long-lived user facts backed by
// PostgreSQL + pgvector. Retrieval blends vector similarity with importance
// and recency so the chat layer can build personalized prompts.
package memory

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// VectorDimension is the embedding dimensionality. Must match the vector
// column width in the memories migration.
var VectorDimension int32 = 768

const (
	// EmbedTimeout bounds a single embedding call.
	EmbedTimeout = 10 * time.Second

	// MaxContentLength caps stored fact content in bytes.
	MaxContentLength = 2000

	// MaxPerOwner caps active memories per owner; Save evicts beyond it.
	MaxPerOwner = 500

	// MaxTopK caps how many memories one retrieval may return.
	MaxTopK = 20

	// MaxQueryLen caps the retrieval query fed to the embedder.
	MaxQueryLen = 1000

	// DefaultRetention is how long a fact lives when the extractor suggests
	// no expiry and the fact is not durable identity.
	DefaultRetention = 90 * 24 * time.Hour

	// SummaryRetention is how long a rollup stays retrievable past the end
	// of the period it covers.
	SummaryRetention = 90 * 24 * time.Hour

	// DefaultImportance is the midpoint of the 1-5 scale.
	DefaultImportance = 3

	// AutoMergeThreshold is the cosine similarity at or above which a new
	// fact overwrites its nearest neighbor instead of inserting a row.
	AutoMergeThreshold = 0.95
)

// Sentinel errors returned by Store operations.
var (
	ErrNotFound  = errors.New("memory not found")
	ErrForbidden = errors.New("memory belongs to a different owner")
)

// Memory is one stored user fact.
type Memory struct {
	ID         uuid.UUID
	OwnerID    string
	Content    string
	Tags       []string
	Importance int // 1-5
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  *time.Time // nil = never expires

	// Score is the blended relevance from RetrieveRelevant; zero elsewhere.
	Score float64
}

// Summary is a periodic rollup of an owner's memories, retrieved alongside
// raw facts at comprehensive context depth.
type Summary struct {
	ID          uuid.UUID
	OwnerID     string
	Period      Period
	PeriodStart time.Time
	Content     string
	CreatedAt   time.Time
	ExpiresAt   *time.Time // nil = never expires
}

// Period identifies a summary rollup window.
type Period string

const (
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	return p == PeriodWeekly || p == PeriodMonthly
}

// Duration returns the rollup window length.
func (p Period) Duration() time.Duration {
	if p == PeriodMonthly {
		return 30 * 24 * time.Hour
	}
	return 7 * 24 * time.Hour
}

// ContextLevel controls retrieval depth.
type ContextLevel string

const (
	// ContextLight returns only the top one or two facts, for general queries.
	ContextLight ContextLevel = "light"
	// ContextComprehensive returns facts plus recent summaries under the
	// token budget, for personal queries.
	ContextComprehensive ContextLevel = "comprehensive"
)

// RankWeights blends the three retrieval signals. Weights should sum to 1;
// Normalize rescales them if they do not.
type RankWeights struct {
	Similarity float64
	Importance float64
	Recency    float64
}

// DefaultRankWeights favors semantic similarity over the tie-breaking signals.
func DefaultRankWeights() RankWeights {
	return RankWeights{Similarity: 0.6, Importance: 0.2, Recency: 0.2}
}

// Normalize rescales the weights to sum to 1. All-zero weights fall back to
// the defaults.
func (w RankWeights) Normalize() RankWeights {
	sum := w.Similarity + w.Importance + w.Recency
	if sum <= 0 {
		return DefaultRankWeights()
	}
	return RankWeights{
		Similarity: w.Similarity / sum,
		Importance: w.Importance / sum,
		Recency:    w.Recency / sum,
	}
}

// clampImportance forces v into the 1-5 scale, defaulting the midpoint.
func clampImportance(v int) int {
	if v < 1 || v > 5 {
		return DefaultImportance
	}
	return v
}
