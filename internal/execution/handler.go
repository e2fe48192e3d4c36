// Package execution submits pipeline stages to remote engines and applies
// their outcome to the task.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"lora_pipeline/internal/asset"
	"lora_pipeline/internal/config"
	"lora_pipeline/internal/markclient"
	"lora_pipeline/internal/model"
	"lora_pipeline/internal/sshpool"
	"lora_pipeline/internal/taskstate"
	"lora_pipeline/internal/trainclient"
)

// ErrSuperseded is returned when the task changed underneath an in-flight
// submission or poll, for example because it was stopped.
var ErrSuperseded = errors.New("task no longer matches the running job")

// Handler runs one pipeline stage.
type Handler interface {
	Stage() model.Stage
	// Submit prepares inputs and hands the task to the asset's engine. On
	// error the task has already been moved to ERROR.
	Submit(ctx context.Context, task *model.Task, a *model.Asset) (string, error)
	// PollOnce checks the job once and applies a terminal outcome. A returned
	// error is transient and the poll may be retried.
	PollOnce(ctx context.Context, task *model.Task, a *model.Asset, jobID string) (bool, error)
	// Fail moves the task to ERROR if jobID is still its running job.
	Fail(ctx context.Context, taskID int, jobID string, cause error) error
	CancelRemote(ctx context.Context, task *model.Task) error
}

// RemoteFS is the remote file surface used to stage inputs and fetch results.
type RemoteFS interface {
	Mkdir(ctx context.Context, ep sshpool.Endpoint, dir string) error
	ClearDir(ctx context.Context, ep sshpool.Endpoint, dir string) error
	UploadTree(ctx context.Context, ep sshpool.Endpoint, local, remote string) (sshpool.Summary, error)
	UploadFile(ctx context.Context, ep sshpool.Endpoint, local, remote string) error
	DownloadTree(ctx context.Context, ep sshpool.Endpoint, remote, local string) (sshpool.Summary, error)
}

// MarkEngine is the marking engine surface used by the handler.
type MarkEngine interface {
	Submit(ctx context.Context, workflow map[string]any) (string, error)
	Status(ctx context.Context, promptID string) (markclient.Result, error)
	Interrupt(ctx context.Context) error
}

// TrainEngine is the training engine surface used by the handler.
type TrainEngine interface {
	Submit(ctx context.Context, payload map[string]any) (string, error)
	Status(ctx context.Context, jobID string) (string, error)
	Cancel(ctx context.Context, jobID string) error
}

// Deps are the collaborators shared by both handlers.
type Deps struct {
	Machine *taskstate.Machine
	Assets  *asset.Tracker
	FS      RemoteFS
	Config  *config.Config
	Log     *logrus.Entry

	// Engine factories, replaced in tests.
	MarkEngine  func(a *model.Asset) MarkEngine
	TrainEngine func(a *model.Asset) TrainEngine
}

// NewDeps builds handler dependencies whose engine clients share httpClient.
func NewDeps(machine *taskstate.Machine, assets *asset.Tracker, fs RemoteFS, cfg *config.Config, httpClient *http.Client, log *logrus.Entry) *Deps {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.Engine.HTTPTimeoutSec) * time.Second}
	}
	return &Deps{
		Machine: machine,
		Assets:  assets,
		FS:      fs,
		Config:  cfg,
		Log:     log.WithField("component", "execution"),
		MarkEngine: func(a *model.Asset) MarkEngine {
			port := a.CapabilityFor(model.StageMarking).Port
			return markclient.New(asset.ServiceURL(a, port, cfg.Engine), asset.Headers(a, model.StageMarking, cfg.Engine), httpClient)
		},
		TrainEngine: func(a *model.Asset) TrainEngine {
			port := a.CapabilityFor(model.StageTraining).Port
			return trainclient.New(asset.ServiceURL(a, port, cfg.Engine), asset.Headers(a, model.StageTraining, cfg.Engine), httpClient)
		},
	}
}

// remoteDir places a local folder under the remote work root.
func (d *Deps) remoteDir(kind, local string) string {
	return path.Join(d.Config.Paths.RemoteRoot, kind, filepath.Base(local))
}

func (d *Deps) remoteUploadDir(taskID int) string {
	return path.Join(d.Config.Paths.RemoteRoot, "uploads", strconv.Itoa(taskID))
}

func (d *Deps) localUploadDir(taskID int) string {
	return filepath.Join(d.Config.Paths.UploadDir, strconv.Itoa(taskID))
}

// errorDetail converts err into the structured detail kept in logs and history.
func errorDetail(err error) *model.ErrorDetail {
	var execErr *markclient.ExecutionError
	if errors.As(err, &execErr) {
		return &model.ErrorDetail{
			Message:   execErr.ExceptionMessage,
			Type:      execErr.ExceptionType,
			Origin:    "marking engine",
			Node:      execErr.NodeID + " " + execErr.NodeType,
			Traceback: strings.Join(execErr.Traceback, ""),
			Inputs:    execErr.CurrentInputs,
		}
	}
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	return &model.ErrorDetail{
		Message: err.Error(),
		Type:    fmt.Sprintf("%T", root),
	}
}

// PanicError wraps a recovered panic with its stack.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Recovered converts a recover() value into an error carrying the stack.
func Recovered(v any) error {
	return &PanicError{Value: v, Stack: string(debug.Stack())}
}

// loadAssigned reloads the task and checks it still waits on asset a for stage.
func loadAssigned(tx *taskstate.Tx, taskID int, stage model.Stage, a *model.Asset) (*model.Task, error) {
	task, err := tx.Load(taskID)
	if err != nil {
		return nil, err
	}
	held := task.AssetID(stage)
	if task.Status != stage.ActiveStatus() && !(stage == model.StageMarking && task.Status == model.TaskStatusSubmitted) {
		return nil, fmt.Errorf("%w: status %s", ErrSuperseded, task.Status)
	}
	if held == nil || *held != a.ID {
		return nil, fmt.Errorf("%w: asset released", ErrSuperseded)
	}
	return task, nil
}

// loadRunning reloads the task and checks jobID is still its running job.
func loadRunning(tx *taskstate.Tx, taskID int, stage model.Stage, jobID string) (*model.Task, error) {
	task, err := tx.Load(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != stage.ActiveStatus() || model.SVal(task.PromptID) != jobID {
		return nil, ErrSuperseded
	}
	return task, nil
}

// fail moves the task to ERROR while still reports that the failure applies
// to it. A nil still always applies.
func (d *Deps) fail(ctx context.Context, taskID int, msg string, cause error, still func(*model.Task) bool) error {
	detail := errorDetail(cause)
	var pe *PanicError
	if errors.As(cause, &pe) {
		detail.Type = "panic"
		detail.Traceback = pe.Stack
	}
	err := d.Machine.Do(ctx, func(tx *taskstate.Tx) error {
		task, err := tx.Load(taskID)
		if err != nil {
			return err
		}
		if still != nil && !still(task) {
			return ErrSuperseded
		}
		return tx.Fail(task, msg, detail)
	})
	if errors.Is(err, ErrSuperseded) {
		return nil
	}
	if err != nil {
		d.Log.WithError(err).WithField("task_id", taskID).Error("Failed to record task failure")
	}
	return err
}

// runningJob matches a task whose active stage job is jobID.
func runningJob(stage model.Stage, jobID string) func(*model.Task) bool {
	return func(t *model.Task) bool {
		return t.Status == stage.ActiveStatus() && model.SVal(t.PromptID) == jobID
	}
}

// holdingAsset matches a task that still holds asset a for stage.
func holdingAsset(stage model.Stage, a *model.Asset) func(*model.Task) bool {
	return func(t *model.Task) bool {
		held := t.AssetID(stage)
		return held != nil && *held == a.ID && (t.Status == stage.ActiveStatus() || t.Status == model.TaskStatusSubmitted)
	}
}

// newExecution opens the execution record of a stage attempt and points the task at it.
func newExecution(tx *taskstate.Tx, task *model.Task, h *model.TaskExecutionHistory) error {
	h.TaskID = task.ID
	h.Status = model.ExecutionRunning
	h.StartTime = time.Now()
	if err := tx.DB.Create(h).Error; err != nil {
		return fmt.Errorf("create execution history: %w", err)
	}
	task.ExecutionHistoryID = &h.ID
	return tx.DB.Model(&model.Task{}).Where("id = ?", task.ID).UpdateColumn("execution_history_id", h.ID).Error
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// Dispatcher routes remote cancellation to the handler of the task's active stage.
type Dispatcher struct {
	handlers map[model.Stage]Handler
}

// NewDispatcher creates a dispatcher over handlers.
func NewDispatcher(handlers ...Handler) *Dispatcher {
	d := &Dispatcher{handlers: make(map[model.Stage]Handler, len(handlers))}
	for _, h := range handlers {
		d.handlers[h.Stage()] = h
	}
	return d
}

// Handler returns the handler of stage.
func (d *Dispatcher) Handler(stage model.Stage) Handler {
	return d.handlers[stage]
}

// CancelRemote cancels the remote job of a MARKING or TRAINING task.
func (d *Dispatcher) CancelRemote(ctx context.Context, task *model.Task) error {
	stage := model.StageMarking
	if task.Status == model.TaskStatusTraining {
		stage = model.StageTraining
	}
	h, ok := d.handlers[stage]
	if !ok {
		return fmt.Errorf("no handler for %s", stage)
	}
	return h.CancelRemote(ctx, task)
}
