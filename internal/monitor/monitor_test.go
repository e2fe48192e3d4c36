package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"lora_pipeline/internal/dbtest"
	"lora_pipeline/internal/execution"
	"lora_pipeline/internal/metrics"
	"lora_pipeline/internal/model"
)

// scriptedHandler answers polls from a script; the last entry repeats.
type scriptedHandler struct {
	stage model.Stage

	mu     sync.Mutex
	script []pollResult
	polls  int
	jobs   []string
	failed []error
}

type pollResult struct {
	done bool
	err  error
}

func (h *scriptedHandler) Stage() model.Stage { return h.stage }

func (h *scriptedHandler) Submit(context.Context, *model.Task, *model.Asset) (string, error) {
	return "", errors.New("not used")
}

func (h *scriptedHandler) PollOnce(_ context.Context, _ *model.Task, _ *model.Asset, jobID string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, jobID)
	i := h.polls
	if i >= len(h.script) {
		i = len(h.script) - 1
	}
	h.polls++
	return h.script[i].done, h.script[i].err
}

func (h *scriptedHandler) Fail(_ context.Context, _ int, _ string, cause error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, cause)
	return nil
}

func (h *scriptedHandler) CancelRemote(context.Context, *model.Task) error { return nil }

func (h *scriptedHandler) pollCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.polls
}

// pollsOf counts the polls made for jobID.
func (h *scriptedHandler) pollsOf(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, j := range h.jobs {
		if j == jobID {
			n++
		}
	}
	return n
}

func (h *scriptedHandler) failures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.failed)
}

func seed(t *testing.T, db *gorm.DB, status model.TaskStatus, jobID string) (*model.Task, *model.Asset) {
	t.Helper()
	a := &model.Asset{Name: "gpu", Host: "127.0.0.1", IsLocal: true, Enabled: true}
	require.NoError(t, db.Create(a).Error)
	task := &model.Task{Name: "t", Status: status, PromptID: model.SPtr(jobID), MarkingAssetID: &a.ID}
	require.NoError(t, db.Create(task).Error)
	return task, a
}

func newPool(t *testing.T, db *gorm.DB, h *scriptedHandler, m *metrics.Metrics) *Pool {
	t.Helper()
	return newPoolWith(t, db, h, m, Policy{Interval: 5 * time.Millisecond, ErrorDelay: time.Millisecond, MaxErrors: 3})
}

func newPoolWith(t *testing.T, db *gorm.DB, h *scriptedHandler, m *metrics.Metrics, pol Policy) *Pool {
	t.Helper()
	p := New(&Config{
		DB:       db,
		Handlers: []execution.Handler{h},
		Workers:  2,
		Metrics:  m,
		Logger:   dbtest.Logger(),
		Policies: map[model.Stage]Policy{model.StageMarking: pol},
	})
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func job(task *model.Task, a *model.Asset) Job {
	return Job{Stage: model.StageMarking, TaskID: task.ID, AssetID: a.ID, JobID: model.SVal(task.PromptID)}
}

func TestWatch_PollsUntilDone(t *testing.T) {
	db := dbtest.Open(t)
	m := metrics.New(prometheus.NewRegistry())
	h := &scriptedHandler{stage: model.StageMarking, script: []pollResult{{}, {}, {done: true}}}
	p := newPool(t, db, h, m)
	task, a := seed(t, db, model.TaskStatusMarking, "prompt-1")

	require.True(t, p.Watch(job(task, a)))
	require.Eventually(t, func() bool { return p.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, h.pollCount())
	assert.Zero(t, h.failures())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PollResults.WithLabelValues("marking", "done")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ActiveMonitors.WithLabelValues("marking")) == 0
	}, time.Second, time.Millisecond)
}

func TestWatch_RejectsDuplicate(t *testing.T) {
	db := dbtest.Open(t)
	h := &scriptedHandler{stage: model.StageMarking, script: []pollResult{{}}}
	p := newPool(t, db, h, nil)
	task, a := seed(t, db, model.TaskStatusMarking, "prompt-1")

	require.True(t, p.Watch(job(task, a)))
	assert.False(t, p.Watch(job(task, a)))
	assert.True(t, p.Watching(model.StageMarking, task.ID))
	assert.Equal(t, 1, p.Active())
}

// A task stopped and resubmitted before the next poll gets a new job id while
// the watch for the old one is still registered.
func TestWatch_ReplacesWatchOfEarlierJob(t *testing.T) {
	db := dbtest.Open(t)
	m := metrics.New(prometheus.NewRegistry())
	h := &scriptedHandler{stage: model.StageMarking, script: []pollResult{{}}}
	p := newPoolWith(t, db, h, m, Policy{Interval: 300 * time.Millisecond, ErrorDelay: 10 * time.Millisecond, MaxErrors: 3})
	task, a := seed(t, db, model.TaskStatusMarking, "job-A")

	require.True(t, p.Watch(job(task, a)))
	require.Eventually(t, func() bool { return h.pollsOf("job-A") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, db.Model(task).Update("prompt_id", "job-B").Error)
	task.PromptID = model.SPtr("job-B")
	require.True(t, p.Watch(job(task, a)))
	assert.False(t, p.Watch(job(task, a)))

	require.Eventually(t, func() bool { return h.pollsOf("job-B") >= 1 }, 250*time.Millisecond, time.Millisecond)
	assert.True(t, p.Watching(model.StageMarking, task.ID))
	assert.Equal(t, 1, p.Active())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveMonitors.WithLabelValues("marking")))

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, h.pollsOf("job-A"))
	assert.GreaterOrEqual(t, h.pollsOf("job-B"), 2)
	assert.Equal(t, 1, p.Active())
}

func TestWatch_ExitsWhenTaskLeavesStage(t *testing.T) {
	db := dbtest.Open(t)
	h := &scriptedHandler{stage: model.StageMarking, script: []pollResult{{}}}
	p := newPool(t, db, h, nil)
	task, a := seed(t, db, model.TaskStatusMarking, "prompt-1")

	require.True(t, p.Watch(job(task, a)))
	require.Eventually(t, func() bool { return h.pollCount() >= 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, db.Model(task).Updates(map[string]interface{}{"status": model.TaskStatusNew, "prompt_id": nil}).Error)
	require.Eventually(t, func() bool { return p.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
	polls := h.pollCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, polls, h.pollCount())
	assert.Zero(t, h.failures())
}

func TestWatch_GivesUpAfterMaxErrors(t *testing.T) {
	db := dbtest.Open(t)
	h := &scriptedHandler{stage: model.StageMarking, script: []pollResult{{err: errors.New("timeout")}}}
	p := newPool(t, db, h, nil)
	task, a := seed(t, db, model.TaskStatusMarking, "prompt-1")

	require.True(t, p.Watch(job(task, a)))
	require.Eventually(t, func() bool { return p.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, h.pollCount())
	assert.Equal(t, 1, h.failures())
}

func TestWatch_SuccessResetsErrorCount(t *testing.T) {
	db := dbtest.Open(t)
	boom := pollResult{err: errors.New("timeout")}
	h := &scriptedHandler{stage: model.StageMarking, script: []pollResult{boom, boom, {}, boom, boom, {done: true}}}
	p := newPool(t, db, h, nil)
	task, a := seed(t, db, model.TaskStatusMarking, "prompt-1")

	require.True(t, p.Watch(job(task, a)))
	require.Eventually(t, func() bool { return p.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 6, h.pollCount())
	assert.Zero(t, h.failures())
}

func TestStop_RejectsNewWatches(t *testing.T) {
	db := dbtest.Open(t)
	h := &scriptedHandler{stage: model.StageMarking, script: []pollResult{{}}}
	p := newPool(t, db, h, nil)
	task, a := seed(t, db, model.TaskStatusMarking, "prompt-1")

	p.Stop()
	assert.False(t, p.Watch(job(task, a)))
}
