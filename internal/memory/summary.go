package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// summaryPrompt asks the LLM for a compact rollup of recent facts.
// %s placeholders: period label, bullet list of facts.
const summaryPrompt = `Summarize the following facts about a user into 2-3 sentences.
Keep concrete details (names, preferences, projects). Write in third person.
Do not add information that is not in the facts. Period: last %s.

Facts:
%s

Summary:`

// minFactsForSummary is how many new facts a window needs before a rollup
// is worth an LLM call.
const minFactsForSummary = 3

// Summarizer produces periodic rollups of each owner's memories.
type Summarizer struct {
	store *Store
	g     *genkit.Genkit
	model string
}

// NewSummarizer creates a Summarizer using the given model for rollups.
func NewSummarizer(store *Store, g *genkit.Genkit, model string) *Summarizer {
	return &Summarizer{store: store, g: g, model: model}
}

// SummarizeOwner generates and stores one rollup for an owner if the period
// window holds enough new facts. Returns true when a summary was written.
func (s *Summarizer) SummarizeOwner(ctx context.Context, ownerID string, period Period) (bool, error) {
	if !period.Valid() {
		return false, fmt.Errorf("invalid period: %q", period)
	}
	windowStart := time.Now().Add(-period.Duration())

	rows, err := s.store.pool.Query(ctx,
		`SELECT content FROM memories
		 WHERE owner_id = $1 AND active = true
		   AND updated_at >= $2
		 ORDER BY updated_at DESC
		 LIMIT 50`,
		ownerID, windowStart,
	)
	if err != nil {
		return false, fmt.Errorf("loading facts for summary: %w", err)
	}
	var facts []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			rows.Close()
			return false, fmt.Errorf("scanning fact: %w", err)
		}
		facts = append(facts, "- "+sanitizeContent(content))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterating facts: %w", err)
	}
	if len(facts) < minFactsForSummary {
		return false, nil
	}

	prompt := fmt.Sprintf(summaryPrompt, string(period), strings.Join(facts, "\n"))
	resp, err := genkit.Generate(ctx, s.g,
		ai.WithModelName(s.model),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return false, fmt.Errorf("generating summary: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return false, nil
	}
	if len(text) > MaxContentLength {
		text = text[:MaxContentLength]
	}

	// One rollup per owner/period/window; rerunning within the window
	// refreshes the existing row.
	periodStart := windowStart.Truncate(24 * time.Hour)
	_, err = s.store.pool.Exec(ctx,
		`INSERT INTO memory_summaries (owner_id, period, period_start, content, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (owner_id, period, period_start)
		 DO UPDATE SET content = EXCLUDED.content, created_at = now(),
		               expires_at = EXCLUDED.expires_at`,
		ownerID, string(period), periodStart, text, periodStart.Add(SummaryRetention),
	)
	if err != nil {
		return false, fmt.Errorf("storing summary: %w", err)
	}
	return true, nil
}

// RunDue summarizes every owner whose window holds enough new facts and no
// fresh rollup. Returns the number of summaries written.
func (s *Summarizer) RunDue(ctx context.Context, period Period) (int, error) {
	rows, err := s.store.pool.Query(ctx,
		`SELECT m.owner_id
		 FROM memories m
		 WHERE m.active = true AND m.updated_at >= $1
		 GROUP BY m.owner_id
		 HAVING COUNT(*) >= $2
		    AND NOT EXISTS (
		      SELECT 1 FROM memory_summaries ms
		      WHERE ms.owner_id = m.owner_id
		        AND ms.period = $3
		        AND ms.created_at >= $1
		    )`,
		time.Now().Add(-period.Duration()), minFactsForSummary, string(period),
	)
	if err != nil {
		return 0, fmt.Errorf("finding owners due for summary: %w", err)
	}
	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning owner: %w", err)
		}
		owners = append(owners, owner)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating owners: %w", err)
	}

	written := 0
	for _, owner := range owners {
		ok, err := s.SummarizeOwner(ctx, owner, period)
		if err != nil {
			s.store.logger.Warn("summary failed", "owner", owner, "error", err)
			continue
		}
		if ok {
			written++
		}
	}
	return written, nil
}

// RecentSummaries returns the owner's newest rollups.
func (s *Store) RecentSummaries(ctx context.Context, ownerID string, limit int) ([]*Summary, error) {
	if ownerID == "" {
		return []*Summary{}, nil
	}
	if limit <= 0 {
		limit = 2
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, period, period_start, content, created_at, expires_at
		 FROM memory_summaries
		 WHERE owner_id = $1
		   AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY created_at DESC
		 LIMIT $2`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing summaries: %w", err)
	}
	defer rows.Close()

	var summaries []*Summary
	for rows.Next() {
		sum := &Summary{}
		if err := rows.Scan(&sum.ID, &sum.OwnerID, &sum.Period, &sum.PeriodStart, &sum.Content, &sum.CreatedAt, &sum.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating summaries: %w", err)
	}
	return summaries, nil
}
