package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"google.golang.org/genai"

	"github.com/koopa0/relay/internal/log"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// memoryCols is the standard SELECT column list for scanMemories.
const memoryCols = `id, owner_id, content, tags, importance, active,
	created_at, updated_at, expires_at`

// insertMemorySQL handles exact content duplicates idempotently.
const insertMemorySQL = `INSERT INTO memories (owner_id, content, embedding, tags, importance, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (owner_id, md5(content)) WHERE active = true DO NOTHING`

// recencyTauHours is the exponential recency decay constant: a fact loses
// about 63% of its recency signal every two weeks.
const recencyTauHours = 14 * 24

// Store manages persistent user memory backed by PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool      *pgxpool.Pool
	embedder  ai.Embedder
	logger    log.Logger
	weights   RankWeights
	retention time.Duration
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRankWeights overrides the default retrieval weights.
func WithRankWeights(w RankWeights) StoreOption {
	return func(s *Store) { s.weights = w.Normalize() }
}

// WithRetention overrides the default fact retention.
func WithRetention(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewStore creates a memory Store.
func NewStore(pool *pgxpool.Pool, embedder ai.Embedder, logger log.Logger, opts ...StoreOption) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	s := &Store{
		pool:      pool,
		embedder:  embedder,
		logger:    logger,
		weights:   DefaultRankWeights(),
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// embed generates a vector embedding for the given text.
func (s *Store) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	dim := VectorDimension
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, fmt.Errorf("empty embedding response")
	}
	return pgvector.NewVector(resp.Embeddings[0].Embedding), nil
}

// SaveOpts tunes one Save call.
type SaveOpts struct {
	Tags       []string
	Importance int // 1-5, clamped; zero uses the default

	// Durable facts never expire (identity facts like the user's name).
	Durable bool

	// TTL overrides the store retention when positive and Durable is false.
	TTL time.Duration
}

// Save inserts a fact or merges it into an existing near-duplicate.
//
//  1. Embed the content (outside the transaction).
//  2. Begin a transaction holding a per-owner advisory lock, so concurrent
//     saves for one owner cannot race on the same nearest neighbor.
//  3. If the nearest neighbor is at or above AutoMergeThreshold, update it
//     in place; otherwise insert a new row.
//  4. Commit, then evict beyond MaxPerOwner (best-effort).
func (s *Store) Save(ctx context.Context, ownerID, content string, opts SaveOpts) error {
	if ownerID == "" {
		return fmt.Errorf("owner ID is required")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("content is required")
	}
	if len(content) > MaxContentLength {
		return fmt.Errorf("content length %d exceeds maximum %d", len(content), MaxContentLength)
	}

	importance := clampImportance(opts.Importance)
	expiresAt := s.resolveExpiry(opts)

	embedCtx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()

	vec, err := s.embed(embedCtx, content)
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	// pg_advisory_xact_lock releases automatically at commit/rollback.
	if _, lockErr := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ownerID); lockErr != nil {
		return fmt.Errorf("acquiring advisory lock: %w", lockErr)
	}

	nearestID, similarity, found, err := s.findNearest(ctx, tx, vec, ownerID)
	if err != nil {
		return err
	}

	if found && similarity >= AutoMergeThreshold {
		_, err = tx.Exec(ctx,
			`UPDATE memories
			 SET content = $1, embedding = $2, tags = $3, importance = $4,
			     expires_at = $5, active = true, updated_at = now()
			 WHERE id = $6`,
			content, vec, opts.Tags, importance, expiresAt, nearestID,
		)
		if err != nil {
			return fmt.Errorf("merging duplicate memory: %w", err)
		}
		s.logger.Debug("auto-merged memory", "id", nearestID, "similarity", similarity)
	} else {
		_, err = tx.Exec(ctx, insertMemorySQL,
			ownerID, content, vec, opts.Tags, importance, expiresAt,
		)
		if err != nil {
			return fmt.Errorf("inserting memory: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing memory transaction: %w", err)
	}

	if evictErr := s.evictIfNeeded(ctx, ownerID); evictErr != nil {
		s.logger.Warn("eviction failed", "error", evictErr)
	}
	return nil
}

func (s *Store) resolveExpiry(opts SaveOpts) *time.Time {
	if opts.Durable {
		return nil
	}
	ttl := s.retention
	if opts.TTL > 0 {
		ttl = opts.TTL
	}
	t := time.Now().Add(ttl)
	return &t
}

// findNearest returns the nearest active or inactive neighbor for dedup.
func (*Store) findNearest(ctx context.Context, q querier, vec pgvector.Vector, ownerID string) (id uuid.UUID, similarity float64, found bool, err error) {
	queryErr := q.QueryRow(ctx,
		`SELECT id, 1 - (embedding <=> $1) AS similarity
		 FROM memories
		 WHERE owner_id = $2
		 ORDER BY embedding <=> $1
		 LIMIT 1`,
		vec, ownerID,
	).Scan(&id, &similarity)

	switch {
	case errors.Is(queryErr, pgx.ErrNoRows):
		return uuid.Nil, 0, false, nil
	case queryErr != nil:
		return uuid.Nil, 0, false, fmt.Errorf("querying nearest neighbor: %w", queryErr)
	default:
		return id, similarity, true, nil
	}
}

// evictIfNeeded removes the oldest active memories beyond MaxPerOwner,
// lowest importance first.
func (s *Store) evictIfNeeded(ctx context.Context, ownerID string) error {
	var count int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM memories WHERE owner_id = $1 AND active = true`,
		ownerID,
	).Scan(&count); err != nil {
		return fmt.Errorf("counting memories: %w", err)
	}
	if count <= MaxPerOwner {
		return nil
	}

	_, err := s.pool.Exec(ctx,
		`DELETE FROM memories
		 WHERE id IN (
		   SELECT id FROM memories
		   WHERE owner_id = $1 AND active = true
		   ORDER BY importance ASC, created_at ASC, id ASC
		   LIMIT $2
		 )`,
		ownerID, count-MaxPerOwner,
	)
	if err != nil {
		return fmt.Errorf("evicting oldest memories: %w", err)
	}
	return nil
}

// RetrieveOpts tunes one retrieval.
type RetrieveOpts struct {
	Level ContextLevel

	// Personal lowers the relevance floor and force-includes facts whose
	// tags match words in the query, so a direct recall question ("what's
	// my name") surfaces the stored fact even when embeddings disagree.
	Personal bool

	// TopK caps the result count; zero uses the level default.
	TopK int
}

// Retrieval floor per query type. Personal recall accepts weaker matches.
const (
	minRelevance         = 0.35
	minRelevancePersonal = 0.15
)

func (o RetrieveOpts) topK() int {
	if o.TopK > 0 {
		if o.TopK > MaxTopK {
			return MaxTopK
		}
		return o.TopK
	}
	if o.Level == ContextComprehensive {
		return 8
	}
	return 2
}

// RetrieveRelevant returns the owner's most relevant memories for a query,
// ranked by the weighted blend of cosine similarity, importance, and recency.
// Expired and inactive memories never appear. Results carry Score.
func (s *Store) RetrieveRelevant(ctx context.Context, ownerID, query string, opts RetrieveOpts) ([]*Memory, error) {
	if ownerID == "" || strings.TrimSpace(query) == "" {
		return []*Memory{}, nil
	}
	query = truncateRunes(query, MaxQueryLen)
	if strings.ContainsRune(query, 0) {
		return []*Memory{}, nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()

	vec, err := s.embed(embedCtx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	floor := minRelevance
	if opts.Personal {
		floor = minRelevancePersonal
	}

	// The explicit float8 casts force float parameter inference in pgx v5;
	// an integer-inferred weight would silently truncate to zero.
	rows, err := s.pool.Query(ctx,
		`SELECT `+memoryCols+`,
		        ($3::float8 * (1 - (embedding <=> $1))
		         + $4::float8 * (importance::float8 / 5.0)
		         + $5::float8 * exp(-extract(epoch from (now() - updated_at)) / 3600.0 / $6::float8)
		        ) AS relevance
		 FROM memories
		 WHERE owner_id = $2
		   AND active = true
		   AND (expires_at IS NULL OR expires_at > now())
		   AND ($3::float8 * (1 - (embedding <=> $1))
		        + $4::float8 * (importance::float8 / 5.0)
		        + $5::float8 * exp(-extract(epoch from (now() - updated_at)) / 3600.0 / $6::float8)
		       ) >= $7::float8
		 ORDER BY relevance DESC
		 LIMIT $8`,
		vec, ownerID,
		s.weights.Similarity, s.weights.Importance, s.weights.Recency,
		float64(recencyTauHours), floor, opts.topK(),
	)
	if err != nil {
		return nil, fmt.Errorf("retrieving memories: %w", err)
	}
	defer rows.Close()

	memories, err := scanMemories(rows, true)
	if err != nil {
		return nil, err
	}

	if opts.Personal {
		memories, err = s.forceIncludeTagged(ctx, ownerID, query, memories, opts.topK())
		if err != nil {
			s.logger.Warn("tag force-include failed", "error", err)
		}
	}
	return memories, nil
}

// forceIncludeTagged appends facts whose tags match words in the query and
// that the scored retrieval missed. Results stay within topK by dropping the
// lowest-scored entries.
func (s *Store) forceIncludeTagged(ctx context.Context, ownerID, query string, memories []*Memory, topK int) ([]*Memory, error) {
	words := queryWords(query)
	if len(words) == 0 {
		return memories, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+memoryCols+`
		 FROM memories
		 WHERE owner_id = $1
		   AND active = true
		   AND (expires_at IS NULL OR expires_at > now())
		   AND tags && $2
		 ORDER BY importance DESC, updated_at DESC
		 LIMIT $3`,
		ownerID, words, topK,
	)
	if err != nil {
		return memories, fmt.Errorf("querying tagged memories: %w", err)
	}
	defer rows.Close()

	tagged, err := scanMemories(rows, false)
	if err != nil {
		return memories, err
	}

	seen := make(map[uuid.UUID]bool, len(memories))
	for _, m := range memories {
		seen[m.ID] = true
	}
	for _, m := range tagged {
		if !seen[m.ID] {
			memories = append(memories, m)
		}
	}
	if len(memories) > topK {
		memories = memories[:topK]
	}
	return memories, nil
}

// truncateRunes shortens s to at most n bytes without splitting a UTF-8
// sequence; the embedder rejects invalid UTF-8.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// queryWords lowercases and splits a query, keeping words long enough to be
// meaningful tag candidates.
func queryWords(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?'\"")
		if len(f) >= 3 {
			words = append(words, f)
		}
	}
	return words
}

// Fingerprint returns a digest of the owner's active memory set. Any save,
// merge, or expiry changes the digest, which the cache folds into its keys.
func (s *Store) Fingerprint(ctx context.Context, ownerID string) (string, error) {
	var fp string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(
		   md5(string_agg(id::text || ':' || updated_at::text, ',' ORDER BY id)),
		   'empty')
		 FROM memories
		 WHERE owner_id = $1 AND active = true
		   AND (expires_at IS NULL OR expires_at > now())`,
		ownerID,
	).Scan(&fp)
	if err != nil {
		return "", fmt.Errorf("computing memory fingerprint: %w", err)
	}
	return fp, nil
}

// DeleteStale soft-deletes memories past their expires_at timestamp across
// all owners. Returns the number of memories expired.
func (s *Store) DeleteStale(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memories
		 SET active = false, updated_at = now()
		 WHERE active = true
		   AND expires_at IS NOT NULL
		   AND expires_at < now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("expiring stale memories: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteExpiredSummaries removes rollups past their expires_at timestamp
// across all owners. Returns the number of summaries deleted.
func (s *Store) DeleteExpiredSummaries(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memory_summaries
		 WHERE expires_at IS NOT NULL
		   AND expires_at < now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("expiring stale summaries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// All returns the owner's active memories, newest first.
func (s *Store) All(ctx context.Context, ownerID string) ([]*Memory, error) {
	if ownerID == "" {
		return []*Memory{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+memoryCols+`
		 FROM memories
		 WHERE owner_id = $1 AND active = true
		   AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY updated_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing memories: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows, false)
}

// Delete soft-deletes one memory. Returns ErrNotFound when it does not exist
// and ErrForbidden when it belongs to a different owner.
func (s *Store) Delete(ctx context.Context, id uuid.UUID, ownerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memories SET active = false, updated_at = now()
		 WHERE id = $1 AND owner_id = $2`,
		id, ownerID,
	)
	if err != nil {
		return fmt.Errorf("soft-deleting memory %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var owner string
		lookupErr := s.pool.QueryRow(ctx,
			`SELECT owner_id FROM memories WHERE id = $1`, id,
		).Scan(&owner)
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if lookupErr != nil {
			return fmt.Errorf("looking up memory %s: %w", id, lookupErr)
		}
		return ErrForbidden
	}
	return nil
}

// DeleteAll soft-deletes every active memory for an owner.
func (s *Store) DeleteAll(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("owner ID is required")
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE memories SET active = false, updated_at = now()
		 WHERE owner_id = $1 AND active = true`,
		ownerID,
	)
	if err != nil {
		return fmt.Errorf("soft-deleting all memories: %w", err)
	}
	return nil
}

// scanMemories reads Memory structs from pgx.Rows. When withScore is set the
// rows carry a trailing relevance column.
func scanMemories(rows pgx.Rows, withScore bool) ([]*Memory, error) {
	var memories []*Memory
	for rows.Next() {
		m := &Memory{}
		dest := []any{
			&m.ID, &m.OwnerID, &m.Content, &m.Tags, &m.Importance,
			&m.Active, &m.CreatedAt, &m.UpdatedAt, &m.ExpiresAt,
		}
		if withScore {
			dest = append(dest, &m.Score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memories: %w", err)
	}
	return memories, nil
}
