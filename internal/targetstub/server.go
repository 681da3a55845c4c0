package targetstub

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Options tunes the stub's behavior under load.
type Options struct {
	// Latency is added before every response
	Latency time.Duration

	// FailureRatio is the share of requests answered with 500 (0..1)
	FailureRatio float64

	// Seed drives reviewer selection and failure injection
	Seed uint64

	Logger *zap.Logger
}

// Server serves the review-assigner API over a Store.
type Server struct {
	store  *Store
	opts   Options
	logger *zap.Logger
	mux    *http.ServeMux

	rngMu sync.Mutex
	rng   *rand.Rand

	requests atomic.Int64

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewServer creates a server with an empty store.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		store:  NewStore(opts.Seed),
		opts:   opts,
		logger: logger,
		mux:    http.NewServeMux(),
		rng:    rand.New(rand.NewPCG(opts.Seed, opts.Seed+1)),
	}
	s.routes()
	return s
}

// Store returns the backing store.
func (s *Server) Store() *Store {
	return s.store
}

// Requests returns the number of requests served so far.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.only(http.MethodGet, s.health))
	s.mux.HandleFunc("/team/add", s.only(http.MethodPost, s.createTeam))
	s.mux.HandleFunc("/team/get", s.only(http.MethodGet, s.getTeam))
	s.mux.HandleFunc("/users/setIsActive", s.only(http.MethodPost, s.setUserActive))
	s.mux.HandleFunc("/users/getReview", s.only(http.MethodGet, s.getUserReviews))
	s.mux.HandleFunc("/pullRequest/create", s.only(http.MethodPost, s.createPR))
	s.mux.HandleFunc("/pullRequest/merge", s.only(http.MethodPost, s.mergePR))
	s.mux.HandleFunc("/pullRequest/reassign", s.only(http.MethodPost, s.reassign))
	s.mux.HandleFunc("/stats", s.only(http.MethodGet, s.stats))
}

// ServeHTTP applies the configured latency and failure injection, then
// dispatches to the API routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	if s.opts.Latency > 0 {
		select {
		case <-time.After(s.opts.Latency):
		case <-r.Context().Done():
			return
		}
	}

	if s.shouldFail() {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "injected failure")
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) shouldFail() bool {
	if s.opts.FailureRatio <= 0 {
		return false
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64() < s.opts.FailureRatio
}

func (s *Server) only(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		h(w, r)
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createTeam(w http.ResponseWriter, r *http.Request) {
	var team Team
	if !bindJSON(w, r, &team) {
		return
	}
	if team.TeamName == "" || len(team.Members) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "team_name and members are required")
		return
	}

	if err := s.store.CreateTeam(team); err != nil {
		if errors.Is(err, ErrTeamExists) {
			writeError(w, http.StatusBadRequest, "TEAM_EXISTS", "team_name already exists")
			return
		}
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, team)
}

func (s *Server) getTeam(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("team_name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "team_name is required")
		return
	}

	team, err := s.store.GetTeam(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "team not found")
			return
		}
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) setUserActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		IsActive bool   `json:"is_active"`
	}
	if !bindJSON(w, r, &req) {
		return
	}

	user, err := s.store.SetUserActive(req.UserID, req.IsActive)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "user not found")
			return
		}
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) getUserReviews(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required")
		return
	}

	writeJSON(w, http.StatusOK, struct {
		UserID       string             `json:"user_id"`
		PullRequests []PullRequestShort `json:"pull_requests"`
	}{userID, s.store.UserReviews(userID)})
}

func (s *Server) createPR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PullRequestID   string `json:"pull_request_id"`
		PullRequestName string `json:"pull_request_name"`
		AuthorID        string `json:"author_id"`
	}
	if !bindJSON(w, r, &req) {
		return
	}

	pr, err := s.store.CreatePR(req.PullRequestID, req.PullRequestName, req.AuthorID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, pr)
	case errors.Is(err, ErrPRExists):
		writeError(w, http.StatusConflict, "PR_EXISTS", "PR id already exists")
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "author/team not found")
	default:
		s.internalError(w, err)
	}
}

func (s *Server) mergePR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PullRequestID string `json:"pull_request_id"`
	}
	if !bindJSON(w, r, &req) {
		return
	}

	pr, err := s.store.MergePR(req.PullRequestID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "PR not found")
			return
		}
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pr)
}

func (s *Server) reassign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PullRequestID string `json:"pull_request_id"`
		OldUserID     string `json:"old_user_id"`
	}
	if !bindJSON(w, r, &req) {
		return
	}

	pr, replacedBy, err := s.store.Reassign(req.PullRequestID, req.OldUserID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, struct {
			PR         *PullRequest `json:"pr"`
			ReplacedBy string       `json:"replaced_by"`
		}{pr, replacedBy})
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "PR or user not found")
	case errors.Is(err, ErrPRMerged):
		writeError(w, http.StatusConflict, "PR_MERGED", "cannot reassign on merged PR")
	case errors.Is(err, ErrNotAssigned):
		writeError(w, http.StatusConflict, "NOT_ASSIGNED", "reviewer is not assigned to this PR")
	case errors.Is(err, ErrNoCandidate):
		writeError(w, http.StatusConflict, "NO_CANDIDATE", "no active replacement candidate in team")
	default:
		s.internalError(w, err)
	}
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Stats())
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
}

// Start serves the API on addr in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.addr = ln.Addr()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("stub server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("stub target listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops a server started with Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func bindJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}
