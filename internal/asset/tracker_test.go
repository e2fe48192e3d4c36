package asset

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"lora_pipeline/internal/dbtest"
	"lora_pipeline/internal/model"
)

func markingAsset(t *testing.T, db *gorm.DB, name string, count int) *model.Asset {
	t.Helper()
	a := &model.Asset{
		Name:              name,
		Host:              "127.0.0.1",
		IsLocal:           true,
		Enabled:           true,
		MarkingTasksCount: count,
		AIEngine: datatypes.NewJSONType(model.MarkCapability{
			Capability: model.Capability{Enabled: true, Port: 8188, Verified: true, UseGlobalConfig: true},
		}),
		LoraTraining: datatypes.NewJSONType(model.TrainingCapability{
			Capability: model.Capability{Enabled: true, Port: 28000, Verified: true, UseGlobalConfig: true},
		}),
	}
	require.NoError(t, db.Create(a).Error)
	return a
}

func submittedTask(t *testing.T, db *gorm.DB, status model.TaskStatus) *model.Task {
	t.Helper()
	task := &model.Task{Name: "t", Status: status}
	require.NoError(t, db.Create(task).Error)
	return task
}

func reload[T any](t *testing.T, db *gorm.DB, id int) *T {
	t.Helper()
	var v T
	require.NoError(t, db.First(&v, id).Error)
	return &v
}

func TestListAvailable_FiltersCapacityAndCapability(t *testing.T) {
	db := dbtest.Open(t)
	tr := NewTracker(db, nil, dbtest.Logger())
	ctx := context.Background()

	full := markingAsset(t, db, "full", MarkingCapacity)
	free := markingAsset(t, db, "free", 3)
	disabled := markingAsset(t, db, "disabled", 0)
	require.NoError(t, db.Model(disabled).UpdateColumn("enabled", false).Error)
	unverified := markingAsset(t, db, "unverified", 0)
	c := unverified.AIEngine.Data()
	c.Verified = false
	require.NoError(t, db.Model(unverified).UpdateColumn("ai_engine", datatypes.NewJSONType(c)).Error)

	got, err := tr.ListAvailable(ctx, model.StageMarking)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, free.ID, got[0].ID)

	// training capacity is one job per asset
	require.NoError(t, db.Model(free).UpdateColumn("training_tasks_count", 1).Error)
	got, err = tr.ListAvailable(ctx, model.StageTraining)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, full.ID, got[0].ID)
	assert.Equal(t, unverified.ID, got[1].ID)
}

func TestReserve_AssignsAndCounts(t *testing.T) {
	db := dbtest.Open(t)
	tr := NewTracker(db, nil, dbtest.Logger())
	a := markingAsset(t, db, "a", 0)
	task := submittedTask(t, db, model.TaskStatusSubmitted)

	require.NoError(t, tr.Reserve(context.Background(), task.ID, a.ID, model.StageMarking))

	assert.Equal(t, 1, reload[model.Asset](t, db, a.ID).MarkingTasksCount)
	assert.Equal(t, a.ID, model.UVal(reload[model.Task](t, db, task.ID).MarkingAssetID))

	// second reservation for the same task is refused and rolled back
	err := tr.Reserve(context.Background(), task.ID, a.ID, model.StageMarking)
	assert.ErrorIs(t, err, ErrAlreadyAssigned)
	assert.Equal(t, 1, reload[model.Asset](t, db, a.ID).MarkingTasksCount)
}

func TestReserve_CapacityExhausted(t *testing.T) {
	db := dbtest.Open(t)
	tr := NewTracker(db, nil, dbtest.Logger())
	a := markingAsset(t, db, "a", 0)
	first := submittedTask(t, db, model.TaskStatusTraining)
	second := submittedTask(t, db, model.TaskStatusTraining)

	require.NoError(t, tr.Reserve(context.Background(), first.ID, a.ID, model.StageTraining))
	err := tr.Reserve(context.Background(), second.ID, a.ID, model.StageTraining)
	assert.ErrorIs(t, err, ErrCapacityExhausted)
	assert.Nil(t, reload[model.Task](t, db, second.ID).TrainingAssetID)
	assert.Equal(t, 1, reload[model.Asset](t, db, a.ID).TrainingTasksCount)

	assert.ErrorIs(t, tr.Reserve(context.Background(), second.ID, 999, model.StageTraining), ErrAssetNotFound)
}

func TestReserve_WrongStatusRollsBackCounter(t *testing.T) {
	db := dbtest.Open(t)
	tr := NewTracker(db, nil, dbtest.Logger())
	a := markingAsset(t, db, "a", 0)
	task := submittedTask(t, db, model.TaskStatusNew)

	err := tr.Reserve(context.Background(), task.ID, a.ID, model.StageMarking)
	assert.ErrorIs(t, err, ErrAlreadyAssigned)
	assert.Equal(t, 0, reload[model.Asset](t, db, a.ID).MarkingTasksCount)
}

func TestReserve_ConcurrentNeverExceedsCapacity(t *testing.T) {
	db := dbtest.Open(t)
	tr := NewTracker(db, nil, dbtest.Logger())
	a := markingAsset(t, db, "a", 0)

	var tasks []*model.Task
	for i := 0; i < MarkingCapacity+5; i++ {
		tasks = append(tasks, submittedTask(t, db, model.TaskStatusSubmitted))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, exhausted := 0, 0
	for _, task := range tasks {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			err := tr.Reserve(context.Background(), id, a.ID, model.StageMarking)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrCapacityExhausted):
				exhausted++
			}
		}(task.ID)
	}
	wg.Wait()

	assert.Equal(t, MarkingCapacity, ok)
	assert.Equal(t, 5, exhausted)
	assert.Equal(t, MarkingCapacity, reload[model.Asset](t, db, a.ID).MarkingTasksCount)
}

func TestRelease_IdempotentAndFloored(t *testing.T) {
	db := dbtest.Open(t)
	tr := NewTracker(db, nil, dbtest.Logger())
	a := markingAsset(t, db, "a", 0)
	task := submittedTask(t, db, model.TaskStatusSubmitted)
	require.NoError(t, tr.Reserve(context.Background(), task.ID, a.ID, model.StageMarking))

	stale := reload[model.Task](t, db, task.ID)
	fresh := reload[model.Task](t, db, task.ID)

	released, err := Release(db, fresh, model.StageMarking)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Nil(t, fresh.MarkingAssetID)

	// a stale copy still pointing at the asset must not decrement again
	released, err = Release(db, stale, model.StageMarking)
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, 0, reload[model.Asset](t, db, a.ID).MarkingTasksCount)

	released, err = Release(db, fresh, model.StageMarking)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestRelease_FlooredAtZero(t *testing.T) {
	db := dbtest.Open(t)
	a := markingAsset(t, db, "a", 0)
	task := &model.Task{Name: "t", Status: model.TaskStatusMarking, MarkingAssetID: model.UPtr(a.ID)}
	require.NoError(t, db.Create(task).Error)

	released, err := Release(db, task, model.StageMarking)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, 0, reload[model.Asset](t, db, a.ID).MarkingTasksCount)
}

func TestEnsureLocal_CreatesOnce(t *testing.T) {
	db := dbtest.Open(t)
	tr := NewTracker(db, nil, dbtest.Logger())
	ctx := context.Background()

	a, err := tr.EnsureLocal(ctx, "本地系统")
	require.NoError(t, err)
	assert.True(t, a.IsLocal)
	assert.True(t, a.Enabled)
	assert.Equal(t, "127.0.0.1", a.Host)
	mark := a.CapabilityFor(model.StageMarking)
	assert.True(t, mark.Enabled)
	assert.Equal(t, LocalMarkPort, mark.Port)
	train := a.CapabilityFor(model.StageTraining)
	assert.True(t, train.Enabled)
	assert.Equal(t, LocalTrainingPort, train.Port)

	// operator edits survive the next startup
	require.NoError(t, db.Model(a).UpdateColumn("enabled", false).Error)
	again, err := tr.EnsureLocal(ctx, "本地系统")
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID)
	assert.False(t, again.Enabled)

	var n int64
	require.NoError(t, db.Model(&model.Asset{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}
