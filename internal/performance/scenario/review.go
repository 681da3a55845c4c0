package scenario

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Variables written and read by the review workflow.
const (
	VarTeamName = "team_name"
	VarMembers  = "members"
	VarAuthor   = "author"
	VarReader   = "reader"
	VarPRID     = "pr_id"
	VarPRName   = "pr_name"
	VarReviewer = "reviewer"
)

// Step names of the review workflow.
const (
	StepGenerateIDs = "generate_ids"
	StepCreateTeam  = "create_team"
	StepCreatePR    = "create_pr"
	StepGetReviews  = "get_reviews"
	StepReassign    = "reassign"
	StepMerge       = "merge"
)

// WorkflowConfig parameterizes the review workflow.
type WorkflowConfig struct {
	// TeamSize is the number of members per generated team (min 2)
	TeamSize int

	// PRName is the pull request title
	PRName string
}

// DefaultWorkflowConfig returns the settings of the reference load script.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{TeamSize: 4, PRName: "Test PR"}
}

// Member is a team member as sent to /team/add.
type Member struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsActive bool   `json:"is_active"`
}

// NewID returns prefix followed by 12 hex characters of a random UUID.
func NewID(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + hex[:12]
}

// ReviewWorkflow builds the six-step review-assigner scenario: generate ids,
// create a team, open a PR, read the reviewer's queue, reassign the first
// reviewer and merge.
func ReviewWorkflow(cfg WorkflowConfig) ([]Step, error) {
	if cfg.TeamSize == 0 {
		cfg.TeamSize = DefaultWorkflowConfig().TeamSize
	}
	if cfg.TeamSize < 2 {
		return nil, fmt.Errorf("%w: team size must be >= 2, got %d", ErrInvalidStep, cfg.TeamSize)
	}
	if cfg.PRName == "" {
		cfg.PRName = DefaultWorkflowConfig().PRName
	}

	return []Step{
		{
			Name:  StepGenerateIDs,
			Local: generateIDs(cfg),
			Check: "ids generated",
		},
		{
			Name: StepCreateTeam,
			Request: &RequestTemplate{
				Method: http.MethodPost,
				Path:   "/team/add",
				Body:   `{"team_name":{{team_name}},"members":{{members}}}`,
			},
			Accept: StatusSet{http.StatusCreated, http.StatusBadRequest},
			Check:  "team created",
		},
		{
			Name: StepCreatePR,
			Request: &RequestTemplate{
				Method: http.MethodPost,
				Path:   "/pullRequest/create",
				Body:   `{"pull_request_id":{{pr_id}},"pull_request_name":{{pr_name}},"author_id":{{author}}}`,
			},
			Accept: StatusSet{http.StatusCreated, http.StatusConflict},
			Extract: &Extraction{
				Var:      VarReviewer,
				Path:     "assigned_reviewers.0",
				OnStatus: StatusSet{http.StatusCreated},
			},
			Check: "pr created or exists",
		},
		{
			Name: StepGetReviews,
			Request: &RequestTemplate{
				Method: http.MethodGet,
				Path:   "/users/getReview?user_id={{reader}}",
			},
			Accept: StatusSet{http.StatusOK, http.StatusNotFound},
			Check:  "get review ok",
		},
		{
			Name: StepReassign,
			Request: &RequestTemplate{
				Method: http.MethodPost,
				Path:   "/pullRequest/reassign",
				Body:   `{"pull_request_id":{{pr_id}},"old_user_id":{{reviewer}}}`,
			},
			Accept: StatusSet{http.StatusOK, http.StatusNotFound, http.StatusConflict},
			Check:  "reassign allowed or domain error",
		},
		{
			Name: StepMerge,
			Request: &RequestTemplate{
				Method: http.MethodPost,
				Path:   "/pullRequest/merge",
				Body:   `{"pull_request_id":{{pr_id}}}`,
			},
			Accept: StatusSet{http.StatusOK, http.StatusNotFound},
			Check:  "merged or not found",
		},
	}, nil
}

func generateIDs(cfg WorkflowConfig) LocalFunc {
	return func(vars Vars) error {
		members := make([]Member, cfg.TeamSize)
		for i := range members {
			members[i] = Member{
				UserID:   NewID("u-"),
				Username: fmt.Sprintf("User%d", i+1),
				IsActive: true,
			}
		}

		vars.SetData(VarTeamName, NewID("team-"))
		vars.SetData(VarMembers, members)
		vars.SetData(VarAuthor, members[0].UserID)
		vars.SetData(VarReader, members[1].UserID)
		vars.SetData(VarPRID, NewID("pr-"))
		vars.SetData(VarPRName, cfg.PRName)
		return nil
	}
}
