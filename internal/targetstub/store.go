// Package targetstub is an in-memory review-assigner service. It answers the
// same endpoints as the real service so the load generator can be exercised
// without a database.
package targetstub

import (
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
)

// PR statuses.
const (
	StatusOpen   = "OPEN"
	StatusMerged = "MERGED"
)

// maxReviewers is the number of reviewers assigned to a new pull request.
const maxReviewers = 2

var (
	ErrTeamExists  = errors.New("team already exists")
	ErrNotFound    = errors.New("not found")
	ErrPRExists    = errors.New("pull request already exists")
	ErrPRMerged    = errors.New("pull request merged")
	ErrNotAssigned = errors.New("reviewer not assigned")
	ErrNoCandidate = errors.New("no candidate")
)

// User is a service user.
type User struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	TeamName string `json:"team_name"`
	IsActive bool   `json:"is_active"`
}

// TeamMember is a user as listed inside a team.
type TeamMember struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsActive bool   `json:"is_active"`
}

// Team groups users.
type Team struct {
	TeamName string       `json:"team_name"`
	Members  []TeamMember `json:"members"`
}

// PullRequest is a review request with its assigned reviewers.
type PullRequest struct {
	PullRequestID     string     `json:"pull_request_id"`
	PullRequestName   string     `json:"pull_request_name"`
	AuthorID          string     `json:"author_id"`
	Status            string     `json:"status"`
	AssignedReviewers []string   `json:"assigned_reviewers"`
	CreatedAt         time.Time  `json:"createdAt"`
	MergedAt          *time.Time `json:"mergedAt"`
}

// PullRequestShort is the listing form of a pull request.
type PullRequestShort struct {
	PullRequestID   string `json:"pull_request_id"`
	PullRequestName string `json:"pull_request_name"`
	AuthorID        string `json:"author_id"`
	Status          string `json:"status"`
}

// Stats summarizes the store contents.
type Stats struct {
	TotalPRs      int            `json:"total_prs"`
	PRsByStatus   map[string]int `json:"prs_by_status"`
	ReviewsByUser map[string]int `json:"reviews_by_user"`
	ActiveUsers   int            `json:"active_users"`
	TotalTeams    int            `json:"total_teams"`
}

// Store holds teams, users and pull requests in memory. It is safe for
// concurrent use.
type Store struct {
	mu sync.Mutex

	users map[string]*User
	// teams maps a team name to its user IDs in insertion order
	teams map[string][]string
	prs   map[string]*PullRequest
	order []string

	rng *rand.Rand
	now func() time.Time
}

// NewStore creates an empty store. The seed drives reviewer selection.
func NewStore(seed uint64) *Store {
	return &Store{
		users: make(map[string]*User),
		teams: make(map[string][]string),
		prs:   make(map[string]*PullRequest),
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:   time.Now,
	}
}

// CreateTeam adds a team. Members that already exist are moved into it.
func (s *Store) CreateTeam(t Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.teams[t.TeamName]) > 0 {
		return ErrTeamExists
	}

	for _, m := range t.Members {
		if u, ok := s.users[m.UserID]; ok {
			s.removeFromTeam(u.TeamName, u.UserID)
		}
		s.users[m.UserID] = &User{
			UserID:   m.UserID,
			Username: m.Username,
			TeamName: t.TeamName,
			IsActive: m.IsActive,
		}
		if !slices.Contains(s.teams[t.TeamName], m.UserID) {
			s.teams[t.TeamName] = append(s.teams[t.TeamName], m.UserID)
		}
	}
	return nil
}

func (s *Store) removeFromTeam(team, userID string) {
	ids := s.teams[team]
	if i := slices.Index(ids, userID); i >= 0 {
		s.teams[team] = slices.Delete(ids, i, i+1)
	}
	if len(s.teams[team]) == 0 {
		delete(s.teams, team)
	}
}

// GetTeam returns a team with its members.
func (s *Store) GetTeam(name string) (*Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.teams[name]
	if !ok || len(ids) == 0 {
		return nil, ErrNotFound
	}

	team := &Team{TeamName: name, Members: make([]TeamMember, 0, len(ids))}
	for _, id := range ids {
		u := s.users[id]
		team.Members = append(team.Members, TeamMember{UserID: u.UserID, Username: u.Username, IsActive: u.IsActive})
	}
	return team, nil
}

// SetUserActive sets the active flag of a user.
func (s *Store) SetUserActive(userID string, active bool) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	u.IsActive = active
	out := *u
	return &out, nil
}

// UserReviews lists the pull requests a user is assigned to, oldest first.
// Unknown users have no reviews.
func (s *Store) UserReviews(userID string) []PullRequestShort {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []PullRequestShort{}
	for _, id := range s.order {
		pr := s.prs[id]
		if slices.Contains(pr.AssignedReviewers, userID) {
			out = append(out, PullRequestShort{
				PullRequestID:   pr.PullRequestID,
				PullRequestName: pr.PullRequestName,
				AuthorID:        pr.AuthorID,
				Status:          pr.Status,
			})
		}
	}
	return out
}

// CreatePR opens a pull request and assigns up to two random active members
// of the author's team, never the author.
func (s *Store) CreatePR(id, name, authorID string) (*PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.prs[id]; ok {
		return nil, ErrPRExists
	}
	author, ok := s.users[authorID]
	if !ok {
		return nil, ErrNotFound
	}

	var candidates []string
	for _, uid := range s.teams[author.TeamName] {
		if uid != authorID && s.users[uid].IsActive {
			candidates = append(candidates, uid)
		}
	}
	if len(candidates) > maxReviewers {
		s.rng.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
		candidates = candidates[:maxReviewers]
	}
	if candidates == nil {
		candidates = []string{}
	}

	pr := &PullRequest{
		PullRequestID:     id,
		PullRequestName:   name,
		AuthorID:          authorID,
		Status:            StatusOpen,
		AssignedReviewers: candidates,
		CreatedAt:         s.now(),
	}
	s.prs[id] = pr
	s.order = append(s.order, id)
	return clonePR(pr), nil
}

// MergePR marks a pull request merged. Merging twice succeeds and keeps the
// first merge time.
func (s *Store) MergePR(id string) (*PullRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pr, ok := s.prs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if pr.MergedAt == nil {
		t := s.now()
		pr.MergedAt = &t
	}
	pr.Status = StatusMerged
	return clonePR(pr), nil
}

// Reassign replaces oldUserID on a pull request with the first active member
// of oldUserID's team who is neither the author nor already assigned.
func (s *Store) Reassign(prID, oldUserID string) (*PullRequest, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pr, ok := s.prs[prID]
	if !ok {
		return nil, "", ErrNotFound
	}
	if pr.Status == StatusMerged {
		return nil, "", ErrPRMerged
	}
	idx := slices.Index(pr.AssignedReviewers, oldUserID)
	if idx < 0 {
		return nil, "", ErrNotAssigned
	}

	old, ok := s.users[oldUserID]
	if !ok {
		return nil, "", ErrNoCandidate
	}
	for _, uid := range s.teams[old.TeamName] {
		if uid == oldUserID || uid == pr.AuthorID || !s.users[uid].IsActive {
			continue
		}
		if slices.Contains(pr.AssignedReviewers, uid) {
			continue
		}
		pr.AssignedReviewers[idx] = uid
		return clonePR(pr), uid, nil
	}
	return nil, "", ErrNoCandidate
}

// Stats counts pull requests by status, assignments by reviewer, active
// users and teams.
func (s *Store) Stats() *Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &Stats{
		PRsByStatus:   make(map[string]int),
		ReviewsByUser: make(map[string]int),
	}
	for _, pr := range s.prs {
		st.TotalPRs++
		st.PRsByStatus[pr.Status]++
		for _, r := range pr.AssignedReviewers {
			st.ReviewsByUser[r]++
		}
	}
	for _, u := range s.users {
		if u.IsActive {
			st.ActiveUsers++
		}
	}
	st.TotalTeams = len(s.teams)
	return st
}

func clonePR(pr *PullRequest) *PullRequest {
	out := *pr
	out.AssignedReviewers = slices.Clone(pr.AssignedReviewers)
	if out.AssignedReviewers == nil {
		out.AssignedReviewers = []string{}
	}
	if pr.MergedAt != nil {
		t := *pr.MergedAt
		out.MergedAt = &t
	}
	return &out
}
