package jira

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockIssue is the mock server's stored view of an issue.
type MockIssue struct {
	Key         string
	Summary     string
	Description string
	Status      string
	Priority    string
	IssueType   string
	ParentKey   string
	StoryPoints float64
	Comments    []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MockServer provides a fake Jira REST API for testing.
type MockServer struct {
	*httptest.Server
	mu          sync.RWMutex
	issues      map[string]*MockIssue // key -> issue
	transitions map[string][]MockTransition
	nextNumber  int

	// FailAuth makes every request return 401.
	FailAuth bool
	// RateLimitNext returns 429 with Retry-After for the next n requests.
	RateLimitNext int
}

// MockTransition is one allowed transition in the mock workflow.
type MockTransition struct {
	ID   string
	Name string
	To   string
}

// NewMockServer creates a mock Jira API server.
func NewMockServer() *MockServer {
	m := &MockServer{
		issues:      make(map[string]*MockIssue),
		transitions: make(map[string][]MockTransition),
		nextNumber:  100,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/2/search", m.handleSearch)
	mux.HandleFunc("/rest/api/2/issue", m.handleCreate)
	mux.HandleFunc("/rest/api/2/issue/", m.handleIssue)

	m.Server = httptest.NewServer(mux)
	return m
}

// AddIssue adds an issue to the mock server.
func (m *MockServer) AddIssue(issue *MockIssue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = time.Now().UTC()
	}
	m.issues[issue.Key] = issue
}

// SetTransitions sets the allowed transitions for an issue.
func (m *MockServer) SetTransitions(key string, transitions []MockTransition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[key] = transitions
}

// Issue retrieves a stored issue for test assertions.
func (m *MockServer) Issue(key string) *MockIssue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.issues[key]
}

// IssueCount returns the number of stored issues.
func (m *MockServer) IssueCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.issues)
}

func (m *MockServer) gate(w http.ResponseWriter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAuth {
		http.Error(w, `{"errorMessages":["authentication failed"]}`, http.StatusUnauthorized)
		return false
	}
	if m.RateLimitNext > 0 {
		m.RateLimitNext--
		w.Header().Set("Retry-After", "1")
		http.Error(w, `{"errorMessages":["rate limited"]}`, http.StatusTooManyRequests)
		return false
	}
	return true
}

func (m *MockServer) issueJSON(issue *MockIssue) map[string]interface{} {
	fields := map[string]interface{}{
		"summary":     issue.Summary,
		"description": issue.Description,
		"status":      map[string]string{"name": issue.Status},
		"priority":    map[string]string{"name": issue.Priority},
		"issuetype":   map[string]interface{}{"name": issue.IssueType, "subtask": issue.IssueType == "Sub-task"},
		"created":     issue.CreatedAt.Format(jiraTime),
		"updated":     issue.UpdatedAt.Format(jiraTime),
	}
	if issue.StoryPoints != 0 {
		fields[defaultStoryPointsField] = issue.StoryPoints
	}
	if issue.ParentKey != "" {
		fields["parent"] = map[string]string{"key": issue.ParentKey}
	}

	var subtasks []map[string]interface{}
	for _, sub := range m.issues {
		if sub.ParentKey == issue.Key {
			subtasks = append(subtasks, m.issueJSON(sub))
		}
	}
	if subtasks != nil {
		fields["subtasks"] = subtasks
	}

	return map[string]interface{}{"key": issue.Key, "fields": fields}
}

func (m *MockServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !m.gate(w) {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	jql := r.URL.Query().Get("jql")
	var matched []map[string]interface{}
	for _, issue := range m.issues {
		if issue.ParentKey != "" && strings.Contains(jql, `"`+issue.ParentKey+`"`) {
			matched = append(matched, m.issueJSON(issue))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"startAt":    0,
		"maxResults": 50,
		"total":      len(matched),
		"issues":     matched,
	})
}

func (m *MockServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !m.gate(w) {
		return
	}

	var payload struct {
		Fields map[string]json.RawMessage `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	issue := &MockIssue{
		Status:    "To Do",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	stringField := func(name string) string {
		var s string
		if raw, ok := payload.Fields[name]; ok {
			json.Unmarshal(raw, &s)
		}
		return s
	}
	named := func(name string) string {
		var obj struct {
			Name string `json:"name"`
			Key  string `json:"key"`
		}
		if raw, ok := payload.Fields[name]; ok {
			json.Unmarshal(raw, &obj)
		}
		if obj.Name != "" {
			return obj.Name
		}
		return obj.Key
	}

	issue.Summary = stringField("summary")
	issue.Description = stringField("description")
	issue.Priority = named("priority")
	issue.IssueType = named("issuetype")
	issue.ParentKey = named("parent")
	if raw, ok := payload.Fields[defaultStoryPointsField]; ok {
		json.Unmarshal(raw, &issue.StoryPoints)
	}

	project := named("project")
	if project == "" {
		project = "PROJ"
	}
	issue.Key = fmt.Sprintf("%s-%d", project, m.nextNumber)
	m.nextNumber++
	m.issues[issue.Key] = issue

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"key": issue.Key})
}

func (m *MockServer) handleIssue(w http.ResponseWriter, r *http.Request) {
	if !m.gate(w) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/rest/api/2/issue/")
	parts := strings.Split(rest, "/")
	key := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		m.handleGet(w, key)
	case len(parts) == 1 && r.Method == http.MethodPut:
		m.handleUpdate(w, r, key)
	case len(parts) == 2 && parts[1] == "transitions" && r.Method == http.MethodGet:
		m.handleGetTransitions(w, key)
	case len(parts) == 2 && parts[1] == "transitions" && r.Method == http.MethodPost:
		m.handleTransition(w, r, key)
	case len(parts) == 2 && parts[1] == "comment" && r.Method == http.MethodPost:
		m.handleComment(w, r, key)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (m *MockServer) handleGet(w http.ResponseWriter, key string) {
	m.mu.RLock()
	issue, ok := m.issues[key]
	m.mu.RUnlock()
	if !ok {
		http.Error(w, `{"errorMessages":["issue does not exist"]}`, http.StatusNotFound)
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.issueJSON(issue))
}

func (m *MockServer) handleUpdate(w http.ResponseWriter, r *http.Request, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	issue, ok := m.issues[key]
	if !ok {
		http.Error(w, `{"errorMessages":["issue does not exist"]}`, http.StatusNotFound)
		return
	}

	var payload struct {
		Fields map[string]json.RawMessage `json:"fields"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if raw, ok := payload.Fields["summary"]; ok {
		json.Unmarshal(raw, &issue.Summary)
	}
	if raw, ok := payload.Fields["description"]; ok {
		json.Unmarshal(raw, &issue.Description)
	}
	if raw, ok := payload.Fields["priority"]; ok {
		var p struct {
			Name string `json:"name"`
		}
		json.Unmarshal(raw, &p)
		issue.Priority = p.Name
	}
	if raw, ok := payload.Fields[defaultStoryPointsField]; ok {
		json.Unmarshal(raw, &issue.StoryPoints)
	}
	issue.UpdatedAt = time.Now().UTC()

	w.WriteHeader(http.StatusNoContent)
}

func (m *MockServer) handleGetTransitions(w http.ResponseWriter, key string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.issues[key]; !ok {
		http.Error(w, `{"errorMessages":["issue does not exist"]}`, http.StatusNotFound)
		return
	}

	var out []map[string]interface{}
	for _, t := range m.transitions[key] {
		out = append(out, map[string]interface{}{
			"id":   t.ID,
			"name": t.Name,
			"to":   map[string]string{"name": t.To},
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"transitions": out})
}

func (m *MockServer) handleTransition(w http.ResponseWriter, r *http.Request, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	issue, ok := m.issues[key]
	if !ok {
		http.Error(w, `{"errorMessages":["issue does not exist"]}`, http.StatusNotFound)
		return
	}

	var payload struct {
		Transition struct {
			ID string `json:"id"`
		} `json:"transition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	for _, t := range m.transitions[key] {
		if t.ID == payload.Transition.ID {
			issue.Status = t.To
			issue.UpdatedAt = time.Now().UTC()
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	http.Error(w, `{"errorMessages":["transition is not valid"]}`, http.StatusBadRequest)
}

func (m *MockServer) handleComment(w http.ResponseWriter, r *http.Request, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	issue, ok := m.issues[key]
	if !ok {
		http.Error(w, `{"errorMessages":["issue does not exist"]}`, http.StatusNotFound)
		return
	}

	var payload struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	issue.Comments = append(issue.Comments, payload.Body)
	issue.UpdatedAt = time.Now().UTC()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": "1"})
}
