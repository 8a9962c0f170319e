package agentpmsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal agentpm HTTP API client.
type Client struct {
	BaseURL string
	// BasePath is the API prefix; empty means /v1.
	BasePath    string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL: baseURL,
		ActorID: actorID,
		Timeout: 10 * time.Second,
	}
}

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type WorkItem struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	ParentID    string         `json:"parent_id,omitempty"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Phase       string         `json:"phase,omitempty"`
	Priority    int            `json:"priority"`
	EffortHours float64        `json:"effort_hours"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// WorkItemInput is the create payload; zero fields take server defaults.
type WorkItemInput struct {
	Name        string         `json:"name"`
	Type        string         `json:"type,omitempty"`
	Phase       string         `json:"phase,omitempty"`
	ParentID    *string        `json:"parent_id,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	EffortHours float64        `json:"effort_hours,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Task struct {
	ID              string         `json:"id"`
	WorkItemID      string         `json:"work_item_id"`
	ProjectID       string         `json:"project_id"`
	Name            string         `json:"name"`
	Type            string         `json:"type"`
	Status          string         `json:"status"`
	Priority        int            `json:"priority"`
	EffortHours     float64        `json:"effort_hours"`
	AssignedAgent   string         `json:"assigned_agent,omitempty"`
	BlockingReasons []string       `json:"blocking_reasons"`
	DependsOn       []string       `json:"depends_on"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

type TaskInput struct {
	Name          string         `json:"name"`
	Type          string         `json:"type,omitempty"`
	Priority      int            `json:"priority,omitempty"`
	EffortHours   float64        `json:"effort_hours,omitempty"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TransitionResult mirrors a committed (or no-op) transition.
type TransitionResult struct {
	EntityType  string            `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	Committed   bool              `json:"committed"`
	NoOp        bool              `json:"no_op"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	Warnings    []string          `json:"warnings"`
	Guidance    []string          `json:"guidance"`
	Findings    []string          `json:"findings"`
	Enrichments map[string]string `json:"enrichments,omitempty"`
}

type AllowedTransitions struct {
	Current string   `json:"current"`
	Allowed []string `json:"allowed"`
}

// Event represents a journal entry.
type Event struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	Category   string         `json:"category"`
	Severity   string         `json:"severity"`
	SessionID  string         `json:"session_id,omitempty"`
	Timestamp  string         `json:"timestamp"`
	Source     string         `json:"source,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	ProjectID  string         `json:"project_id,omitempty"`
	WorkItemID string         `json:"work_item_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// EventQuery selects journal events. Zero fields are not sent.
type EventQuery struct {
	ProjectID  string
	EntityType string
	EntityID   string
	Category   string
	Type       string
	SessionID  string
	AfterSeq   int64
	Limit      int
	Latest     bool
}

// PaginatedEvents wraps list responses with a resume cursor.
type PaginatedEvents struct {
	Items        []Event `json:"items"`
	NextAfterSeq int64   `json:"next_after_seq"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RuleIDs lists the BLOCK rules that rejected a transition.
func (e *APIError) RuleIDs() []string {
	raw, _ := e.Details["rule_ids"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (c *Client) CreateProject(ctx context.Context, id, name string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", map[string]any{"id": id, "name": name}, &resp)
	return resp, err
}

func (c *Client) CreateWorkItem(ctx context.Context, projectID string, in WorkItemInput) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("projects/%s/work-items", url.PathEscape(projectID)), in, &resp)
	return resp, err
}

func (c *Client) CreateTask(ctx context.Context, workItemID string, in TaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("work-items/%s/tasks", url.PathEscape(workItemID)), in, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Transition asks the server to move a work item or task to target.
// entityType is "work_item" or "task".
func (c *Client) Transition(ctx context.Context, entityType, id, target string, metadata map[string]any) (TransitionResult, error) {
	segment, err := entitySegment(entityType)
	if err != nil {
		return TransitionResult{}, err
	}
	body := map[string]any{"target": target}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	var resp TransitionResult
	err = c.do(ctx, http.MethodPost, fmt.Sprintf("%s/%s/transitions", segment, url.PathEscape(id)), body, &resp)
	return resp, err
}

func (c *Client) AllowedTransitions(ctx context.Context, entityType, id string) (AllowedTransitions, error) {
	segment, err := entitySegment(entityType)
	if err != nil {
		return AllowedTransitions{}, err
	}
	var resp AllowedTransitions
	err = c.do(ctx, http.MethodGet, fmt.Sprintf("%s/%s/allowed-transitions", segment, url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Events returns one page of journal events.
func (c *Client) Events(ctx context.Context, q EventQuery) (PaginatedEvents, error) {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("project_id", q.ProjectID)
	set("entity_type", q.EntityType)
	set("entity_id", q.EntityID)
	set("category", q.Category)
	set("type", q.Type)
	set("session_id", q.SessionID)
	if q.AfterSeq > 0 {
		v.Set("after_seq", strconv.FormatInt(q.AfterSeq, 10))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Latest {
		v.Set("latest", "true")
	}
	endpoint := "events"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func entitySegment(entityType string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(entityType)) {
	case "work_item", "work-item", "workitem":
		return "work-items", nil
	case "task":
		return "tasks", nil
	}
	return "", fmt.Errorf("unknown entity type %q", entityType)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
