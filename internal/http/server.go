// Package http exposes the ledger over a JSON API for the presentation
// layer. Handlers never touch the document directly: every read and
// mutation goes through the sync coordinator.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"cashbook/internal/cache"
	"cashbook/internal/core"
	applog "cashbook/internal/log"
	"cashbook/internal/services"
)

// Ledger is the part of the sync coordinator the API uses.
type Ledger interface {
	Status() services.Status
	Watch() (<-chan services.Event, func())
	Document(ctx context.Context) (core.Document, error)
	UpsertEntry(ctx context.Context, e core.Entry) error
	AddEntry(ctx context.Context, e core.Entry) (core.Entry, error)
	DeleteEntry(ctx context.Context, id string) error
	AddCategory(ctx context.Context, kind core.EntryType, label string) error
	RenameCategory(ctx context.Context, kind core.EntryType, oldLabel, newLabel string) error
	DeleteCategory(ctx context.Context, kind core.EntryType, label string) error
	UpdateSettings(ctx context.Context, patch core.SettingsPatch) error
	Import(ctx context.Context, data []byte) (core.Document, error)
	ResetToDefaults(ctx context.Context) error
}

// Options tunes a Server. Zero values pick the defaults.
type Options struct {
	Location          *time.Location
	Now               func() time.Time
	Logger            *applog.Logger
	RequestsPerMinute int
	MaxBodyBytes      int64
}

// Server is the HTTP API server.
type Server struct {
	http.Server
	ledger  Ledger
	loc     *time.Location
	now     func() time.Time
	logger  *applog.Logger
	maxBody int64
	started time.Time

	limiter *rateLimiter

	// Overviews are cached per document generation. The generation moves
	// on every local mutation and every document event.
	overviewCache *cache.LRUCache[core.MonthOverview]
	cacheManager  *cache.Manager
	generation    atomic.Uint64

	stopWatch    func()
	watchDone    chan struct{}
	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, ledger Ledger, opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = applog.New(applog.DefaultConfig()).WithComponent(applog.ComponentHTTP)
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 120
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 << 20
	}

	s := &Server{
		ledger:        ledger,
		loc:           opts.Location,
		now:           opts.Now,
		logger:        opts.Logger,
		maxBody:       opts.MaxBodyBytes,
		started:       opts.Now(),
		limiter:       newRateLimiter(opts.RequestsPerMinute),
		overviewCache: cache.NewLRUCache[core.MonthOverview](100, 10*time.Minute),
		cacheManager:  cache.NewManager(),
		watchDone:     make(chan struct{}),
	}
	s.cacheManager.Register(s.overviewCache)
	s.cacheManager.StartCleanup(5 * time.Minute)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/document", s.handleDocument)
	mux.HandleFunc("GET /api/years", s.handleYears)
	mux.HandleFunc("GET /api/overview", s.handleOverview)

	mux.HandleFunc("POST /api/entries", s.handleCreateEntry)
	mux.HandleFunc("PUT /api/entries/{id}", s.handleUpdateEntry)
	mux.HandleFunc("DELETE /api/entries/{id}", s.handleDeleteEntry)

	mux.HandleFunc("POST /api/categories/{kind}", s.handleAddCategory)
	mux.HandleFunc("PUT /api/categories/{kind}/{label}", s.handleRenameCategory)
	mux.HandleFunc("DELETE /api/categories/{kind}/{label}", s.handleDeleteCategory)

	mux.HandleFunc("PUT /api/settings", s.handleUpdateSettings)

	mux.HandleFunc("GET /api/export", s.handleExport)
	mux.HandleFunc("POST /api/import", s.handleImport)
	mux.HandleFunc("POST /api/reset", s.handleReset)

	var handler http.Handler = mux
	handler = s.rateLimit(handler)
	handler = securityHeaders(handler)
	handler = applog.AccessLog(extractClientIP)(handler)
	handler = applog.Middleware(s.logger, requestIDFromContext)(handler)
	handler = requestID(handler)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}

	events, stop := ledger.Watch()
	s.stopWatch = stop
	go s.watchDocument(events)

	return s
}

// watchDocument drops cached overviews whenever the document changes,
// including changes that arrive from other clients.
func (s *Server) watchDocument(events <-chan services.Event) {
	defer close(s.watchDone)
	for ev := range events {
		if ev.Type == services.EventDocumentChanged {
			s.invalidate()
			slog.Debug("Overview cache invalidated", "reason", ev.Reason, applog.FieldRevision, ev.Revision)
		}
	}
}

func (s *Server) invalidate() {
	s.generation.Add(1)
	s.overviewCache.Clear()
}

// Shutdown stops background routines and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		shutdownErr = s.Server.Shutdown(ctx)
		s.stopWatch()
		<-s.watchDone
		s.cacheManager.Stop()
		s.limiter.stop()
	})
	return shutdownErr
}
