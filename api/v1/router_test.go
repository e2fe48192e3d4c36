package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"lora_pipeline/internal/asset"
	"lora_pipeline/internal/dbtest"
	"lora_pipeline/internal/httpx"
	"lora_pipeline/internal/metrics"
	"lora_pipeline/internal/model"
	"lora_pipeline/internal/scheduler"
	"lora_pipeline/internal/stageconf"
	"lora_pipeline/internal/taskstate"
)

type fakeRunner struct {
	ticks   int
	tickErr error
	report  scheduler.RecoveryReport
}

func (f *fakeRunner) RunOnce(context.Context) error {
	f.ticks++
	return f.tickErr
}

func (f *fakeRunner) Recover(context.Context) (scheduler.RecoveryReport, error) {
	return f.report, nil
}

func (f *fakeRunner) Running() bool { return true }

type fakeMonitors int

func (m fakeMonitors) Active() int { return int(m) }

type apiEnv struct {
	router    *gin.Engine
	db        *gorm.DB
	runner    *fakeRunner
	uploadDir string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := dbtest.Open(t)
	machine := taskstate.NewMachine(db, nil, dbtest.Logger())
	svc := taskstate.NewService(machine, t.TempDir(), stageconf.DefaultTrainingParams(), nil, dbtest.Logger())

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Tick(nil)

	env := &apiEnv{
		router:    gin.New(),
		db:        db,
		runner:    &fakeRunner{report: scheduler.RecoveryReport{Resumed: 2}},
		uploadDir: t.TempDir(),
	}
	SetupRouter(env.router, Deps{
		DB:        db,
		Tasks:     svc,
		Tracker:   asset.NewTracker(db, nil, dbtest.Logger()),
		Scheduler: env.runner,
		Monitors:  fakeMonitors(3),
		Gatherer:  reg,
		UploadDir: env.uploadDir,
		Logger:    dbtest.Logger(),
	})
	return env
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func (e *apiEnv) createTask(t *testing.T, body map[string]any) model.Task {
	t.Helper()
	w, resp := e.do(t, http.MethodPost, "/api/v1/tasks/create", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var task model.Task
	require.NoError(t, json.Unmarshal(resp.Data, &task))
	return task
}

func (e *apiEnv) upload(t *testing.T, taskID int, names ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range names {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte("fake image bytes"))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+itoa(taskID)+"/images", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func itoa(i int) string { return strconv.Itoa(i) }

func TestPing(t *testing.T) {
	env := newAPIEnv(t)
	w, resp := env.do(t, http.MethodGet, "/api/v1/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, httpx.CodeSuccess, resp.Code)
	assert.JSONEq(t, `{"pong":true}`, string(resp.Data))
}

func TestTasks_CreateListGet(t *testing.T) {
	env := newAPIEnv(t)
	task := env.createTask(t, map[string]any{"name": "cat lora", "autoTraining": true, "triggerWords": "rick"})
	assert.Equal(t, model.TaskStatusNew, task.Status)
	assert.True(t, task.AutoTraining)
	assert.True(t, task.UseGlobalMarkConfig)

	w, resp := env.do(t, http.MethodGet, "/api/v1/tasks?status=new", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Items []model.Task `json:"items"`
		Total int64        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	assert.EqualValues(t, 1, list.Total)
	require.Len(t, list.Items, 1)

	w, resp = env.do(t, http.MethodGet, "/api/v1/tasks/"+itoa(task.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got model.Task
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, "cat lora", got.Name)
	require.Len(t, got.StatusHistory, 1)
	require.Len(t, got.StatusHistory[0].Logs, 1)
	assert.Equal(t, "task created", got.StatusHistory[0].Logs[0].Message)
}

func TestTasks_CreateRequiresName(t *testing.T) {
	env := newAPIEnv(t)
	w, resp := env.do(t, http.MethodPost, "/api/v1/tasks/create", map[string]any{"description": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, httpx.CodeParamMissing, resp.Code)
}

func TestTasks_NotFoundAndBadID(t *testing.T) {
	env := newAPIEnv(t)
	w, resp := env.do(t, http.MethodGet, "/api/v1/tasks/9", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, httpx.CodeNotFound, resp.Code)

	w, resp = env.do(t, http.MethodPost, "/api/v1/tasks/abc/start-marking", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, httpx.CodeParamInvalid, resp.Code)
}

func TestTasks_StartMarkingRequiresImages(t *testing.T) {
	env := newAPIEnv(t)
	task := env.createTask(t, map[string]any{"name": "dog"})

	w, resp := env.do(t, http.MethodPost, "/api/v1/tasks/"+itoa(task.ID)+"/start-marking", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, httpx.CodeStateConflict, resp.Code)
}

func TestTasks_UploadThenStartMarking(t *testing.T) {
	env := newAPIEnv(t)
	task := env.createTask(t, map[string]any{"name": "dog"})

	w := env.upload(t, task.ID, "a.png", "b.jpg")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, err := os.Stat(filepath.Join(env.uploadDir, itoa(task.ID), "a.png"))
	require.NoError(t, err)

	var count int64
	require.NoError(t, env.db.Model(&model.TaskImage{}).Where("task_id = ?", task.ID).Count(&count).Error)
	assert.EqualValues(t, 2, count)

	w, resp := env.do(t, http.MethodPost, "/api/v1/tasks/"+itoa(task.ID)+"/start-marking", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got model.Task
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, model.TaskStatusSubmitted, got.Status)
	assert.NotEmpty(t, got.MarkedImagesPath)

	// 已提交的任务不能再上传
	w = env.upload(t, task.ID, "c.png")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTasks_UploadRejectsNonImages(t *testing.T) {
	env := newAPIEnv(t)
	task := env.createTask(t, map[string]any{"name": "dog"})
	w := env.upload(t, task.ID, "notes.txt")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTasks_StateConflicts(t *testing.T) {
	env := newAPIEnv(t)
	task := env.createTask(t, map[string]any{"name": "dog"})

	for _, op := range []string{"start-training", "stop", "restart"} {
		w, resp := env.do(t, http.MethodPost, "/api/v1/tasks/"+itoa(task.ID)+"/"+op, nil)
		assert.Equal(t, http.StatusConflict, w.Code, op)
		assert.Equal(t, httpx.CodeStateConflict, resp.Code, op)
	}
}

func TestTasks_CancelSubmitted(t *testing.T) {
	env := newAPIEnv(t)
	task := env.createTask(t, map[string]any{"name": "dog"})
	require.Equal(t, http.StatusOK, env.upload(t, task.ID, "a.png").Code)
	w, _ := env.do(t, http.MethodPost, "/api/v1/tasks/"+itoa(task.ID)+"/start-marking", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp := env.do(t, http.MethodPost, "/api/v1/tasks/"+itoa(task.ID)+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got model.Task
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, model.TaskStatusNew, got.Status)

	w, resp = env.do(t, http.MethodGet, "/api/v1/tasks/"+itoa(task.ID)+"/executions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var execs struct {
		Items []model.TaskExecutionHistory `json:"items"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &execs))
	assert.Empty(t, execs.Items)
}

func TestAssets_CreateGetAvailable(t *testing.T) {
	env := newAPIEnv(t)
	w, resp := env.do(t, http.MethodPost, "/api/v1/assets/create", map[string]any{
		"name":     "gpu-1",
		"host":     "127.0.0.1",
		"isLocal":  true,
		"aiEngine": map[string]any{"enabled": true, "port": 8188, "verified": true},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var a model.Asset
	require.NoError(t, json.Unmarshal(resp.Data, &a))
	assert.False(t, a.AIEngine.Data().Verified)
	assert.Equal(t, model.PortAccessDirect, a.PortAccessMode)

	w, _ = env.do(t, http.MethodGet, "/api/v1/assets/"+itoa(a.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = env.do(t, http.MethodGet, "/api/v1/assets/available?stage=marking", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var avail struct {
		Capacity int           `json:"capacity"`
		Items    []model.Asset `json:"items"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &avail))
	assert.Equal(t, asset.MarkingCapacity, avail.Capacity)
	assert.Empty(t, avail.Items)

	w, _ = env.do(t, http.MethodGet, "/api/v1/assets/available?stage=upload", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = env.do(t, http.MethodGet, "/api/v1/assets/8", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, httpx.CodeNotFound, resp.Code)
}

func TestScheduler_Routes(t *testing.T) {
	env := newAPIEnv(t)

	w, resp := env.do(t, http.MethodGet, "/api/v1/scheduler/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"running":true,"activeMonitors":3}`, string(resp.Data))

	w, _ = env.do(t, http.MethodPost, "/api/v1/scheduler/run-once", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.runner.ticks)

	env.runner.tickErr = errors.New("database is locked")
	w, resp = env.do(t, http.MethodPost, "/api/v1/scheduler/run-once", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, httpx.CodeInternalError, resp.Code)

	w, resp = env.do(t, http.MethodPost, "/api/v1/scheduler/recover", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report scheduler.RecoveryReport
	require.NoError(t, json.Unmarshal(resp.Data, &report))
	assert.Equal(t, 2, report.Resumed)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lora_pipeline_scheduler_ticks_total")
}
