package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"ranktracker/internal/domain"
	"ranktracker/internal/repository"
	"ranktracker/internal/scheduler"
	"ranktracker/internal/service"
)

// Server is the JSON-over-HTTP surface the companion app's API layer consumes.
type Server struct {
	leaderboard *service.LeaderboardService
	known       *service.KnownPlayerService
	anomalies   *service.AnomalyService
	scheduler   *scheduler.Scheduler
	logger      zerolog.Logger
}

func New(
	leaderboard *service.LeaderboardService,
	known *service.KnownPlayerService,
	anomalies *service.AnomalyService,
	sched *scheduler.Scheduler,
	logger zerolog.Logger,
) *Server {
	return &Server{
		leaderboard: leaderboard,
		known:       known,
		anomalies:   anomalies,
		scheduler:   sched,
		logger:      logger,
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/leaderboard/{region}", s.handleGetLeaderboard)
	mux.HandleFunc("POST /api/leaderboard/{region}/refresh", s.handleForceRefresh)
	mux.HandleFunc("GET /api/players/search", s.handlePlayerSearch)
	mux.HandleFunc("GET /api/known-players/{region}", s.handleListKnownPlayers)
	mux.HandleFunc("POST /api/known-players/{region}", s.handleAddKnownPlayer)
	mux.HandleFunc("PATCH /api/known-players/{region}/{id}", s.handleUpdateKnownPlayer)
	mux.HandleFunc("DELETE /api/known-players/{region}/{id}", s.handleRemoveKnownPlayer)
	mux.HandleFunc("GET /api/known-players/{region}/similar", s.handleSimilarPlayers)
	mux.HandleFunc("POST /api/known-players/{region}/sync", s.handleSyncKnownPlayers)
	mux.HandleFunc("GET /api/anomalies/{region}", s.handleDetectAnomalies)
	mux.HandleFunc("GET /api/changes/{region}", s.handleRecentChanges)
	mux.HandleFunc("GET /api/scheduler/stats", s.handleSchedulerStats)
	mux.HandleFunc("POST /api/scheduler/run", s.handleSchedulerRun)
	return mux
}

func (s *Server) handleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	result, err := s.leaderboard.GetLeaderboard(r.Context(), r.PathValue("region"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleForceRefresh(w http.ResponseWriter, r *http.Request) {
	result, err := s.leaderboard.ForceRefresh(r.Context(), r.PathValue("region"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePlayerSearch(w http.ResponseWriter, r *http.Request) {
	matches, err := s.leaderboard.FindPlayerAcrossRegions(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if matches == nil {
		matches = []service.PlayerMatch{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"matches": matches, "count": len(matches)})
}

func (s *Server) handleListKnownPlayers(w http.ResponseWriter, r *http.Request) {
	players, err := s.known.List(r.Context(), r.PathValue("region"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if players == nil {
		players = []domain.KnownPlayer{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"players": players, "count": len(players)})
}

type addKnownPlayerRequest struct {
	SteamID         string `json:"steamId"`
	CompetitiveName string `json:"competitiveName"`
	Notes           string `json:"notes"`
	Confidence      string `json:"confidence"`
}

func (s *Server) handleAddKnownPlayer(w http.ResponseWriter, r *http.Request) {
	var req addKnownPlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.ErrValidation)
		return
	}

	player, err := s.known.Add(r.Context(), req.SteamID, req.CompetitiveName,
		r.PathValue("region"), req.Notes, domain.ConfidenceLevel(req.Confidence))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, player)
}

type updateKnownPlayerRequest struct {
	CompetitiveName *string `json:"competitiveName"`
	Confidence      *string `json:"confidence"`
	Status          *string `json:"status"`
	Notes           *string `json:"notes"`
}

func (s *Server) handleUpdateKnownPlayer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, domain.ErrValidation)
		return
	}

	var req updateKnownPlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.ErrValidation)
		return
	}

	fields := service.UpdateFields{
		CompetitiveName: req.CompetitiveName,
		Notes:           req.Notes,
	}
	if req.Confidence != nil {
		c := domain.ConfidenceLevel(*req.Confidence)
		fields.Confidence = &c
	}
	if req.Status != nil {
		st := domain.PlayerStatus(*req.Status)
		fields.Status = &st
	}

	player, err := s.known.Update(r.Context(), id, fields)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, player)
}

func (s *Server) handleRemoveKnownPlayer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, domain.ErrValidation)
		return
	}
	if err := s.known.Remove(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"removed": id})
}

func (s *Server) handleSimilarPlayers(w http.ResponseWriter, r *http.Request) {
	similar, err := s.known.FindSimilarPlayers(r.Context(), r.PathValue("region"), r.URL.Query().Get("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if similar == nil {
		similar = []service.SimilarPlayer{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"players": similar, "count": len(similar)})
}

func (s *Server) handleSyncKnownPlayers(w http.ResponseWriter, r *http.Request) {
	result, err := s.known.SyncWithLeaderboard(r.Context(), r.PathValue("region"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDetectAnomalies(w http.ResponseWriter, r *http.Request) {
	report, err := s.anomalies.DetectAnomalies(r.Context(), r.PathValue("region"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRecentChanges(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	changes, err := s.known.RecentChanges(r.Context(), r.PathValue("region"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if changes == nil {
		changes = []domain.ChangeLogEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"changes": changes, "count": len(changes)})
}

func (s *Server) handleSchedulerStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

func (s *Server) handleSchedulerRun(w http.ResponseWriter, r *http.Request) {
	started := s.scheduler.RunManual(r.Context())
	status := http.StatusOK
	if !started {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]any{"ran": started})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	s.writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}
