package app

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"livecode/api/internal/auth"
	"livecode/api/internal/collab"
	"livecode/api/internal/config"
	"livecode/api/internal/protocol"
	"livecode/api/internal/store"
)

type SessionSummary struct {
	SessionID        string                     `json:"sessionId"`
	RepositoryID     string                     `json:"repositoryId"`
	FilePath         string                     `json:"filePath"`
	Version          uint64                     `json:"version"`
	LastSavedVersion uint64                     `json:"lastSavedVersion"`
	LastSavedAt      *time.Time                 `json:"lastSavedAt,omitempty"`
	LastCommit       string                     `json:"lastCommit,omitempty"`
	Dirty            bool                       `json:"dirty"`
	SaveInFlight     bool                       `json:"saveInFlight"`
	Participants     []protocol.ParticipantInfo `json:"participants"`
	CreatedAt        time.Time                  `json:"createdAt"`
	LastActivityAt   time.Time                  `json:"lastActivityAt"`
}

type gitService interface {
	EnsureRepository(string) (bool, error)
	History(string, int) ([]store.CommitInfo, error)
}

type saveLog interface {
	ListSaves(context.Context, store.SaveFilter) ([]store.SaveEntry, error)
}

type pinger interface {
	Ping(context.Context) error
}

type readinessCheck struct {
	name  string
	check pinger
}

type Service struct {
	cfg    config.Config
	hub    *collab.Hub
	git    gitService
	saves  saveLog
	checks []readinessCheck
}

func New(cfg config.Config, hub *collab.Hub, git gitService) *Service {
	return &Service{cfg: cfg, hub: hub, git: git}
}

// UseSaveLog enables the save log listing.
func (s *Service) UseSaveLog(saves saveLog) {
	s.saves = saves
}

// AddReadinessCheck registers a dependency reported by /api/ready.
func (s *Service) AddReadinessCheck(name string, check pinger) {
	s.checks = append(s.checks, readinessCheck{name: name, check: check})
}

func (s *Service) Hub() *collab.Hub {
	return s.hub
}

// Ping runs every readiness check and returns the failures by name.
func (s *Service) Ping(ctx context.Context) map[string]error {
	failures := map[string]error{}
	for _, item := range s.checks {
		if err := item.check.Ping(ctx); err != nil {
			failures[item.name] = err
		}
	}
	return failures
}

func (s *Service) CheckNames() []string {
	names := make([]string, 0, len(s.checks))
	for _, item := range s.checks {
		names = append(names, item.name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) ListSessions() []SessionSummary {
	sessions := s.hub.Registry().Sessions()
	items := make([]SessionSummary, 0, len(sessions))
	for _, session := range sessions {
		state := session.Snapshot()
		summary := SessionSummary{
			SessionID:        state.ID,
			RepositoryID:     state.Key.RepositoryID,
			FilePath:         state.Key.FilePath,
			Version:          state.Version,
			LastSavedVersion: state.LastSavedVersion,
			LastCommit:       state.LastCommit,
			Dirty:            state.Version > state.LastSavedVersion,
			SaveInFlight:     state.SaveInFlight,
			Participants:     state.Participants,
			CreatedAt:        state.CreatedAt,
			LastActivityAt:   state.LastActivityAt,
		}
		if !state.LastSavedAt.IsZero() {
			savedAt := state.LastSavedAt
			summary.LastSavedAt = &savedAt
		}
		items = append(items, summary)
	}
	return items
}

func (s *Service) History(repositoryID string, limit int) ([]store.CommitInfo, error) {
	if strings.TrimSpace(repositoryID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "repositoryId is required", nil)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.git.History(repositoryID, limit)
}

func (s *Service) ListSaves(ctx context.Context, filter store.SaveFilter) ([]store.SaveEntry, error) {
	if s.saves == nil {
		return nil, domainError(http.StatusServiceUnavailable, "UNAVAILABLE", "Save log is not configured", nil)
	}
	return s.saves.ListSaves(ctx, filter)
}

func (s *Service) EnsureRepository(repositoryID string) (bool, error) {
	if strings.TrimSpace(repositoryID) == "" {
		return false, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "repositoryId is required", nil)
	}
	return s.git.EnsureRepository(repositoryID)
}

// CloseRepositorySessions force closes every live session of a repository.
func (s *Service) CloseRepositorySessions(ctx context.Context, repositoryID, reason string) int {
	if strings.TrimSpace(reason) == "" {
		reason = "repository closed"
	}
	return s.hub.ForceTeardownRepository(ctx, repositoryID, reason)
}

// Identify resolves the identity behind a WebSocket upgrade. Without a
// configured secret connections are anonymous and the join names the user.
func (s *Service) Identify(r *http.Request) (*auth.Claims, error) {
	if s.cfg.JWTSecret == "" {
		return nil, nil
	}
	token, err := auth.FromRequest(r)
	if err != nil {
		return nil, err
	}
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return nil, err
	}
	return &claims, nil
}
