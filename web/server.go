package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jnesss/connwatch/device"
	"github.com/jnesss/connwatch/hooks"
	"github.com/jnesss/connwatch/monitor"
	"github.com/jnesss/connwatch/rules"
)

// DefaultPollInterval is how often an idle stream checks for new records
const DefaultPollInterval = 200 * time.Millisecond

// HookLister reports the installed interceptors
type HookLister interface {
	Registrations() []hooks.Registration
}

// StatsSource reports pipeline counters
type StatsSource interface {
	Stats() monitor.Stats
}

// RuleManager lists and edits the suppression rules on disk
type RuleManager interface {
	ListRules() ([]rules.RuleInfo, error)
	ToggleRule(id string) (rules.RuleInfo, error)
	AddRule(filename string, content []byte, enabled bool) (rules.RuleInfo, error)
}

// maxRuleSize bounds an uploaded rule body
const maxRuleSize = 1 << 20

// Config wires a Server to the running pipeline. A nil Device leaves
// /api/stream unrouted.
type Config struct {
	ListenAddr   string
	PollInterval time.Duration
	Hooks        HookLister
	Stats        StatsSource
	Rules        RuleManager
	Device       *device.Device
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
}

type Server struct {
	cfg    Config
	logger *zap.Logger
	mux    *http.ServeMux
}

func NewServer(cfg Config) *Server {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger.Named("web"),
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("/api/hooks", s.logRequest(s.handleHooks))
	s.mux.HandleFunc("/api/stats", s.logRequest(s.handleStats))
	if cfg.Device != nil {
		s.mux.HandleFunc("/api/stream", s.logRequest(s.handleStream))
	}
	if cfg.Rules != nil {
		s.mux.HandleFunc("/api/rules", s.logRequest(s.handleRules))
		s.mux.HandleFunc("/api/rules/toggle/", s.logRequest(s.handleRuleToggle))
		s.mux.HandleFunc("/api/rules/upload", s.logRequest(s.handleRuleUpload))
	}
	if cfg.Gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns the routed handler, for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.mux,
	}

	s.logger.Info("starting web server", zap.String("addr", s.cfg.ListenAddr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown error", zap.Error(err))
		}
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) logRequest(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var regs []hooks.Registration
	if s.cfg.Hooks != nil {
		regs = s.cfg.Hooks.Registrations()
	}
	writeJSON(w, http.StatusOK, hookRows(regs))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var st monitor.Stats
	if s.cfg.Stats != nil {
		st = s.cfg.Stats.Stats()
	}
	writeJSON(w, http.StatusOK, st)
}

// handleStream holds the device's single consumer session for the life of
// the request and copies records to the client as they arrive. The optional
// "limit" parameter ends the response after that many records.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	sess, err := s.cfg.Device.Open()
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, device.ErrBusy) {
			status = http.StatusConflict
		}
		writeJSON(w, status, StreamError{Error: err.Error()})
		return
	}
	defer sess.Release()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	buf := make([]byte, 512)
	records := 0
	for {
		for {
			n, err := sess.Read(buf)
			if err != nil || n == 0 {
				break
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return
			}
			if buf[n-1] == '\n' {
				records++
				if limit > 0 && records >= limit {
					if flusher != nil {
						flusher.Flush()
					}
					return
				}
			}
		}
		if flusher != nil {
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	infos, err := s.cfg.Rules.ListRules()
	if err != nil {
		s.logger.Warn("failed to list rules", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, StreamError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleRuleToggle flips the rule named by the path suffix between the
// enabled and disabled directories.
func (s *Server) handleRuleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/rules/toggle/")
	if id == "" {
		http.Error(w, "Rule ID required", http.StatusBadRequest)
		return
	}

	info, err := s.cfg.Rules.ToggleRule(id)
	if err != nil {
		writeJSON(w, ruleErrorStatus(err), StreamError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRuleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RuleUpload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRuleSize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Content == "" || req.Filename == "" {
		http.Error(w, "Content and filename are required", http.StatusBadRequest)
		return
	}

	info, err := s.cfg.Rules.AddRule(req.Filename, []byte(req.Content), req.Enabled)
	if err != nil {
		writeJSON(w, ruleErrorStatus(err), StreamError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func ruleErrorStatus(err error) int {
	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrInvalidRule):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrNoRulesDir):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
