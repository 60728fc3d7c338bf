package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmbatch/llmbatch/pkg/models"
	"github.com/llmbatch/llmbatch/pkg/services"
)

type fakeTaskService struct {
	receipt *services.SubmitReceipt
	event   *models.Event
	stats   *models.BatchStats
	err     error

	submitted *models.TaskSubmission
	deleted   []string
}

func (f *fakeTaskService) Submit(_ context.Context, sub *models.TaskSubmission) (*services.SubmitReceipt, error) {
	f.submitted = sub
	return f.receipt, f.err
}

func (f *fakeTaskService) Get(_ context.Context, _ string) (*models.Event, error) {
	return f.event, f.err
}

func (f *fakeTaskService) Delete(_ context.Context, messageID string) error {
	f.deleted = append(f.deleted, messageID)
	return f.err
}

func (f *fakeTaskService) Stats(_ context.Context) (*models.BatchStats, error) {
	return f.stats, f.err
}

func TestSubmitTaskHandler(t *testing.T) {
	svc := &fakeTaskService{receipt: &services.SubmitReceipt{MessageID: "m1"}}
	s := newTestServer(nil, svc)

	body := `{"custom_id":"t1","method":"POST","url":"https://llm.example","body":{"model":"m"}}`
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, s.submitTaskHandler(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.submitted)
	assert.Equal(t, "t1", svc.submitted.CustomID)

	var receipt services.SubmitReceipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	assert.Equal(t, "m1", receipt.MessageID)
}

func TestSubmitTaskHandlerMalformedBody(t *testing.T) {
	s := newTestServer(nil, &fakeTaskService{})

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("{nope"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := s.submitTaskHandler(c)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestGetTaskHandlerNotFound(t *testing.T) {
	s := newTestServer(nil, &fakeTaskService{err: services.ErrNotFound})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPathValues(echo.PathValues{{Name: "message_id", Value: "missing"}})

	err := s.getTaskHandler(c)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Code)
}

func TestDeleteTaskHandler(t *testing.T) {
	svc := &fakeTaskService{}
	s := newTestServer(nil, svc)

	e := echo.New()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/m1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPathValues(echo.PathValues{{Name: "message_id", Value: "m1"}})

	require.NoError(t, s.deleteTaskHandler(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"m1"}, svc.deleted)
}

func TestGlobalStatsHandler(t *testing.T) {
	svc := &fakeTaskService{stats: &models.BatchStats{TotalTasks: 12}}
	s := newTestServer(nil, svc)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/stats", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, s.globalStatsHandler(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var stats models.BatchStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 12, stats.TotalTasks)
}
