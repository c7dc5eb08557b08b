package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/rs/cors"
)

type Server struct {
	*http.Server
	environment string
	cronSecret  string
	cron        *Orchestrator
	interactive *Orchestrator
	handler     TaskHandler
	signer      *TaskSigner
	cache       *MergingCache
	rankings    RankingStore
}

type ServerOptions struct {
	Config Config
	// Cron runs scheduled triggers with the configured scheduler.
	Cron *Orchestrator
	// Interactive runs "check all" requests in-process.
	Interactive *Orchestrator
	Handler     TaskHandler
	Signer      *TaskSigner
	Cache       *MergingCache
	Rankings    RankingStore
}

func NewServer(options ServerOptions) (*Server, error) {
	if options.Cron == nil || options.Interactive == nil || options.Handler == nil || options.Signer == nil {
		return nil, errors.New("server requires orchestrators, a task handler and a signer")
	}

	s := &Server{
		environment: options.Config.Environment,
		cronSecret:  options.Config.Cron.Secret,
		cron:        options.Cron,
		interactive: options.Interactive,
		handler:     options.Handler,
		signer:      options.Signer,
		cache:       options.Cache,
		rankings:    options.Rankings,
	}

	sentryMiddleware := sentryhttp.New(sentryhttp.Options{
		Repanic:         true,
		WaitForDelivery: true,
		Timeout:         2 * time.Second,
	})

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: options.Config.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet},
	})

	mux := http.NewServeMux()
	mux.Handle("GET /cron/{kind}", sentryMiddleware.HandleFunc(s.CronHandler))
	mux.Handle("POST /cron/{kind}", sentryMiddleware.HandleFunc(s.CronHandler))
	mux.Handle("POST /worker/check", sentryMiddleware.HandleFunc(s.WorkerCheckHandler))
	mux.Handle("POST /sites/check", sentryMiddleware.HandleFunc(s.CheckAllHandler))
	mux.Handle("GET /sites/{id}/cache", corsMiddleware.Handler(sentryMiddleware.HandleFunc(s.SiteCacheHandler)))
	mux.Handle("GET /sites/{id}/rankings", corsMiddleware.Handler(sentryMiddleware.HandleFunc(s.SiteRankingsHandler)))

	srv := &http.Server{
		Addr:              net.JoinHostPort(options.Config.Server.Host, strconv.Itoa(options.Config.Server.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.Server = srv

	return s, nil
}

type CommonErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, CommonErrorResponse{Error: message})
}

// CronHandler runs one check kind across every site. The trigger is
// authenticated before anything is dispatched.
func (s *Server) CronHandler(w http.ResponseWriter, r *http.Request) {
	s.trigger(w, r, s.cron, r.PathValue("kind"))
}

// CheckAllHandler runs one check kind across every site in-process and
// returns once every site was checked.
func (s *Server) CheckAllHandler(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = string(CheckKindUptime)
	}
	s.trigger(w, r, s.interactive, kind)
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request, orchestrator *Orchestrator, rawKind string) {
	ctx := r.Context()

	if err := AuthorizeBearer(s.cronSecret, s.environment, r.Header.Get("Authorization")); err != nil {
		slog.WarnContext(ctx, "rejecting trigger", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	kind, err := ParseCheckKind(rawKind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown check kind")
		return
	}

	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.Scope().SetTag("sitekeeper.check_kind", string(kind))
	}

	summary, err := orchestrator.Trigger(ctx, kind)
	if err != nil {
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.CaptureException(fmt.Errorf("triggering %s run: %w", kind, err))
		}
		slog.ErrorContext(ctx, "triggering check run", slog.String("check_kind", string(kind)), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load sites")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// WorkerCheckHandler runs a task delivered by a push queue. A persistence
// failure answers 500 so the queue delivers the task again.
func (s *Server) WorkerCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.signer.Verify(body, r.Header.Get("X-Signature")); err != nil {
		slog.WarnContext(ctx, "rejecting task delivery", slog.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := task.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.Scope().SetTag("sitekeeper.site_id", task.TargetID)
		hub.Scope().SetTag("sitekeeper.check_kind", string(task.Kind))
	}

	result, err := s.handler.Handle(ctx, task)
	if err != nil {
		switch {
		case errors.Is(err, ErrSiteNotFound):
			writeError(w, http.StatusNotFound, "site not found")
		case errors.Is(err, ErrPersistence):
			writeError(w, http.StatusInternalServerError, "failed to persist check outcome")
		default:
			if hub := sentry.GetHubFromContext(ctx); hub != nil {
				hub.CaptureException(fmt.Errorf("handling delivered task: %w", err))
			}
			slog.ErrorContext(ctx, "handling delivered task", slog.String("site_id", task.TargetID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to handle task")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type SiteCacheResponse struct {
	SiteID   string                     `json:"site_id"`
	Fields   map[string]json.RawMessage `json:"fields"`
	LastSync time.Time                  `json:"last_sync"`
}

func (s *Server) SiteCacheHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := r.PathValue("id")

	record, err := s.cache.Get(ctx, siteID)
	if err != nil {
		if errors.Is(err, ErrCacheRecordNotFound) {
			writeError(w, http.StatusNotFound, "cache record not found")
			return
		}
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.CaptureException(fmt.Errorf("reading cache record for site %s: %w", siteID, err))
		}
		slog.ErrorContext(ctx, "reading cache record", slog.String("site_id", siteID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read cache record")
		return
	}

	writeJSON(w, http.StatusOK, SiteCacheResponse{
		SiteID:   record.SiteID,
		Fields:   record.Fields,
		LastSync: record.LastSync,
	})
}

type SiteRankingsResponse struct {
	SiteID   string           `json:"site_id"`
	Source   string           `json:"source"`
	Rankings []KeywordRanking `json:"rankings"`
}

func (s *Server) SiteRankingsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := r.PathValue("id")

	source := r.URL.Query().Get("source")
	if source == "" {
		source = RankingSourceGoogle
	}
	if source != RankingSourceGoogle && source != RankingSourceBing {
		writeError(w, http.StatusBadRequest, "source must be google or bing")
		return
	}

	rankings, err := s.rankings.ListKeywordRankings(ctx, siteID, source, r.URL.Query().Get("keyword"))
	if err != nil {
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.CaptureException(fmt.Errorf("listing keyword rankings for site %s: %w", siteID, err))
		}
		slog.ErrorContext(ctx, "listing keyword rankings", slog.String("site_id", siteID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list keyword rankings")
		return
	}
	if rankings == nil {
		rankings = []KeywordRanking{}
	}

	writeJSON(w, http.StatusOK, SiteRankingsResponse{
		SiteID:   siteID,
		Source:   source,
		Rankings: rankings,
	})
}
