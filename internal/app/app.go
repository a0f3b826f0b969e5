// Package app wires the application together: configuration, database,
// Genkit, rate tracking, routing, caching, memory, and the chat service.
//
// Setup builds everything in dependency order and returns an App whose Close
// releases resources in reverse order. Components are constructed here and
// nowhere else; packages below app never reach for global state.
package app

import (
	"context"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/relay/internal/cache"
	"github.com/koopa0/relay/internal/chat"
	"github.com/koopa0/relay/internal/config"
	"github.com/koopa0/relay/internal/log"
	"github.com/koopa0/relay/internal/memory"
	"github.com/koopa0/relay/internal/ratelimit"
	"github.com/koopa0/relay/internal/router"
	"github.com/koopa0/relay/internal/session"
)

// App is the application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	DBPool   *pgxpool.Pool

	Tracker  *ratelimit.Tracker
	Router   *router.Router
	Cache    *cache.Cache
	Memories *memory.Store
	Sessions *session.Store
	Chat     *chat.Service

	// Lifecycle. cancel stops background work (scheduler, extraction);
	// wg is waited on so in-flight extractions finish before teardown.
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	otelCleanup func()
}

// Close shuts the application down: background work is canceled and drained
// first, then caches and connections are released.
func (a *App) Close() error {
	a.Logger.Info("shutting down application")

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.Cache != nil {
		a.Cache.Close()
	}
	if a.DBPool != nil {
		a.DBPool.Close()
		a.Logger.Info("database pool closed")
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}
