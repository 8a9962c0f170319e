package agentpmsdk_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentpm/internal/app"
	"agentpm/internal/server"
	agentpmsdk "agentpm/sdk/go"
)

func newClient(t *testing.T) *agentpmsdk.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir(), Logger: logger, Source: "api"})
	require.NoError(t, err)
	handler, err := server.New(server.Config{Runtime: rt, BasePath: "/v1", Logger: logger})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.Close()
		_ = rt.Close()
	})
	return agentpmsdk.New(ts.URL, "sdk-agent")
}

func TestClientDrivesTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	p, err := c.CreateProject(ctx, "shop", "Shop")
	require.NoError(t, err)
	assert.Equal(t, "shop", p.ID)

	wi, err := c.CreateWorkItem(ctx, p.ID, agentpmsdk.WorkItemInput{Name: "Checkout"})
	require.NoError(t, err)
	task, err := c.CreateTask(ctx, wi.ID, agentpmsdk.TaskInput{Name: "Form", Type: "implementation", EffortHours: 3, AssignedAgent: "sdk-agent"})
	require.NoError(t, err)
	assert.Equal(t, "draft", task.Status)

	res, err := c.Transition(ctx, "task", task.ID, "ready", nil)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, "ready", res.To)

	allowed, err := c.AllowedTransitions(ctx, "task", task.ID)
	require.NoError(t, err)
	assert.Equal(t, "ready", allowed.Current)
	assert.Contains(t, allowed.Allowed, "active")

	_, err = c.Transition(ctx, "task", task.ID, "done", nil)
	var apiErr *agentpmsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "illegal_transition", apiErr.Code)

	var page agentpmsdk.PaginatedEvents
	require.Eventually(t, func() bool {
		page, err = c.Events(ctx, agentpmsdk.EventQuery{ProjectID: p.ID, Type: "workflow.transition"})
		return err == nil && len(page.Items) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "sdk-agent", page.Items[0].ActorID)
	assert.Equal(t, task.ID, page.Items[0].TaskID)
}

func TestClientExposesRuleViolations(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	_, err := c.CreateProject(ctx, "shop", "")
	require.NoError(t, err)
	wi, err := c.CreateWorkItem(ctx, "shop", agentpmsdk.WorkItemInput{Name: "Bare"})
	require.NoError(t, err)

	_, err = c.Transition(ctx, "work_item", wi.ID, "ready", nil)
	var apiErr *agentpmsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, []string{"WI-001"}, apiErr.RuleIDs())

	_, err = c.Transition(ctx, "epic", wi.ID, "ready", nil)
	assert.Error(t, err)
}
