package scenario

import (
	"encoding/json"
	"regexp"
	"testing"
)

func mapLookup(m map[string]any) Lookup {
	return func(name string) (any, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func TestRenderBody(t *testing.T) {
	vars := map[string]any{
		"pr_id":   "pr-abc",
		"members": []Member{{UserID: "u-1", Username: "User1", IsActive: true}},
		"count":   3,
	}

	tests := []struct {
		tmpl string
		want string
	}{
		{`{"pull_request_id":{{pr_id}}}`, `{"pull_request_id":"pr-abc"}`},
		{`{"pull_request_id":{{ pr_id }}}`, `{"pull_request_id":"pr-abc"}`},
		{`{"old_user_id":{{reviewer}}}`, `{"old_user_id":null}`},
		{`{"n":{{count}}}`, `{"n":3}`},
		{`{"members":{{members}}}`, `{"members":[{"user_id":"u-1","username":"User1","is_active":true}]}`},
	}

	for _, tt := range tests {
		got, err := RenderBody(tt.tmpl, mapLookup(vars))
		if err != nil {
			t.Fatalf("RenderBody(%q) error = %v", tt.tmpl, err)
		}
		if string(got) != tt.want {
			t.Errorf("RenderBody(%q) = %s, want %s", tt.tmpl, got, tt.want)
		}
	}
}

func TestRenderPath(t *testing.T) {
	vars := map[string]any{"reader": "u-a b&c"}

	if got := RenderPath("/users/getReview?user_id={{reader}}", mapLookup(vars)); got != "/users/getReview?user_id=u-a+b%26c" {
		t.Errorf("RenderPath() = %q", got)
	}
	if got := RenderPath("/users/getReview?user_id={{missing}}", mapLookup(vars)); got != "/users/getReview?user_id=" {
		t.Errorf("RenderPath() missing = %q", got)
	}
}

func TestStepValidate(t *testing.T) {
	local := func(Vars) error { return nil }

	tests := []struct {
		name    string
		step    Step
		wantErr bool
	}{
		{"local", Step{Name: "a", Check: "a", Local: local}, false},
		{"request", Step{Name: "a", Check: "a", Request: &RequestTemplate{Method: "POST", Path: "/x", Body: `{"id":{{id}}}`}, Accept: StatusSet{200}}, false},
		{"no name", Step{Check: "a", Local: local}, true},
		{"no check", Step{Name: "a", Local: local}, true},
		{"both", Step{Name: "a", Check: "a", Local: local, Request: &RequestTemplate{Method: "GET", Path: "/"}}, true},
		{"neither", Step{Name: "a", Check: "a"}, true},
		{"bad method", Step{Name: "a", Check: "a", Request: &RequestTemplate{Method: "BREW", Path: "/"}, Accept: StatusSet{200}}, true},
		{"relative path", Step{Name: "a", Check: "a", Request: &RequestTemplate{Method: "GET", Path: "x"}, Accept: StatusSet{200}}, true},
		{"no accept", Step{Name: "a", Check: "a", Request: &RequestTemplate{Method: "GET", Path: "/"}}, true},
		{"invalid body", Step{Name: "a", Check: "a", Request: &RequestTemplate{Method: "POST", Path: "/", Body: `{"id":{{id}}`}, Accept: StatusSet{200}}, true},
		{"local extract", Step{Name: "a", Check: "a", Local: local, Extract: &Extraction{Var: "v", Path: "p"}}, true},
		{"empty extract", Step{Name: "a", Check: "a", Request: &RequestTemplate{Method: "GET", Path: "/"}, Accept: StatusSet{200}, Extract: &Extraction{}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.step.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReviewWorkflow(t *testing.T) {
	steps, err := ReviewWorkflow(WorkflowConfig{})
	if err != nil {
		t.Fatalf("ReviewWorkflow() error = %v", err)
	}
	if len(steps) != 6 {
		t.Fatalf("len(steps) = %d, want 6", len(steps))
	}
	for _, s := range steps {
		if err := s.Validate(); err != nil {
			t.Errorf("step %s: %v", s.Name, err)
		}
	}

	if _, err := ReviewWorkflow(WorkflowConfig{TeamSize: 1}); err == nil {
		t.Error("ReviewWorkflow(TeamSize: 1) error = nil, want error")
	}
}

type mapVars map[string]any

func (m mapVars) SetData(k string, v any) { m[k] = v }

func (m mapVars) GetData(k string) (any, bool) {
	v, ok := m[k]
	return v, ok
}

func TestGenerateIDs(t *testing.T) {
	vars := mapVars{}
	if err := generateIDs(WorkflowConfig{TeamSize: 3, PRName: "Test PR"})(vars); err != nil {
		t.Fatal(err)
	}

	idPattern := regexp.MustCompile(`^(team|u|pr)-[0-9a-f]{12}$`)
	for _, key := range []string{VarTeamName, VarAuthor, VarReader, VarPRID} {
		if s, _ := vars[key].(string); !idPattern.MatchString(s) {
			t.Errorf("%s = %q, want prefixed 12 hex chars", key, s)
		}
	}

	members := vars[VarMembers].([]Member)
	if len(members) != 3 {
		t.Fatalf("len(members) = %d, want 3", len(members))
	}
	if members[2].Username != "User3" || !members[2].IsActive {
		t.Errorf("members[2] = %+v", members[2])
	}
	if vars[VarAuthor] == vars[VarReader] {
		t.Error("author and reader must differ")
	}

	body, err := RenderBody(`{"team_name":{{team_name}},"members":{{members}}}`, mapLookup(vars))
	if err != nil || !json.Valid(body) {
		t.Errorf("team body = %s, err = %v", body, err)
	}
}
