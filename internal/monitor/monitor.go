// Package monitor polls accepted remote jobs on a fixed set of workers until
// they reach a terminal state.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"lora_pipeline/internal/execution"
	"lora_pipeline/internal/metrics"
	"lora_pipeline/internal/model"
)

// Policy controls the polling of one stage.
type Policy struct {
	// Interval between polls of a running job.
	Interval time.Duration
	// ErrorDelay is the first retry delay after a failed poll. Later retries
	// back off up to Interval.
	ErrorDelay time.Duration
	// MaxErrors consecutive failed polls move the task to ERROR.
	MaxErrors int
}

// Job identifies one remote job to watch.
type Job struct {
	Stage   model.Stage
	TaskID  int
	AssetID int
	JobID   string
}

func (j Job) key() string {
	return fmt.Sprintf("%s:%d", j.Stage, j.TaskID)
}

type watch struct {
	job     Job
	errors  int
	backoff *backoff.ExponentialBackOff
	timer   *time.Timer
}

// Config holds the pool collaborators.
type Config struct {
	DB       *gorm.DB
	Handlers []execution.Handler
	Policies map[model.Stage]Policy
	Workers  int
	Metrics  *metrics.Metrics
	Logger   *logrus.Entry
}

// Pool 远程任务监控池
type Pool struct {
	ctx      context.Context
	cancel   context.CancelFunc
	db       *gorm.DB
	handlers map[model.Stage]execution.Handler
	policies map[model.Stage]Policy
	workers  int
	metrics  *metrics.Metrics
	logger   *logrus.Entry

	queue chan *watch
	mu    sync.Mutex
	// 每个 (阶段, 任务) 同时只有一个监控
	active  map[string]*watch
	started bool
	wg      sync.WaitGroup
}

// New creates a monitor pool. Call Start to begin polling.
func New(cfg *Config) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	workers := cfg.Workers
	if workers <= 0 {
		workers = 5
	}
	p := &Pool{
		ctx:      ctx,
		cancel:   cancel,
		db:       cfg.DB,
		handlers: make(map[model.Stage]execution.Handler, len(cfg.Handlers)),
		policies: cfg.Policies,
		workers:  workers,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.WithField("component", "monitor"),
		queue:    make(chan *watch),
		active:   make(map[string]*watch),
	}
	for _, h := range cfg.Handlers {
		p.handlers[h.Stage()] = h
	}
	return p
}

// Start launches the workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.logger.WithField("workers", p.workers).Info("Starting monitor pool...")
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
}

// Stop stops polling and waits for in-flight polls to return. Watched jobs
// are left as they are; recovery resumes them on the next start.
func (p *Pool) Stop() {
	p.cancel()
	p.mu.Lock()
	for _, w := range p.active {
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("Monitor pool stopped")
}

// Watch starts polling job. It returns false when the same job is already
// watched. A watch left over from an earlier job of the task is replaced.
func (p *Pool) Watch(job Job) bool {
	policy := p.policy(job.Stage)
	b := &backoff.ExponentialBackOff{
		InitialInterval:     policy.ErrorDelay,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         max(policy.Interval, policy.ErrorDelay),
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	w := &watch{job: job, backoff: b}

	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		return false
	}
	old, replaced := p.active[job.key()]
	if replaced && old.job.JobID == job.JobID {
		p.mu.Unlock()
		return false
	}
	if replaced && old.timer != nil {
		old.timer.Stop()
	}
	p.active[job.key()] = w
	p.mu.Unlock()

	log := p.logger.WithFields(logrus.Fields{"task_id": job.TaskID, "stage": job.Stage, "job_id": job.JobID})
	if replaced {
		// 旧监控在 work 中发现自己已被替换后自行退出, 活跃数不变
		log.WithField("stale_job_id", old.job.JobID).Info("Replacing stale watch")
	} else {
		p.metrics.MonitorStarted(string(job.Stage))
		log.Info("Watching remote job")
	}
	go p.enqueue(w)
	return true
}

// Watching reports whether the task is watched for stage.
func (p *Pool) Watching(stage model.Stage, taskID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[Job{Stage: stage, TaskID: taskID}.key()]
	return ok
}

// Active returns the number of watched jobs.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *Pool) policy(stage model.Stage) Policy {
	pol := p.policies[stage]
	if pol.Interval <= 0 {
		pol.Interval = 10 * time.Second
	}
	if pol.ErrorDelay <= 0 {
		pol.ErrorDelay = 5 * time.Second
	}
	if pol.MaxErrors <= 0 {
		pol.MaxErrors = 3
	}
	return pol
}

func (p *Pool) enqueue(w *watch) {
	select {
	case p.queue <- w:
	case <-p.ctx.Done():
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case w := <-p.queue:
			if !p.current(w) {
				continue
			}
			next, done := p.step(w)
			if done {
				p.finish(w)
				continue
			}
			p.mu.Lock()
			if p.ctx.Err() == nil && p.active[w.job.key()] == w {
				w.timer = time.AfterFunc(next, func() { p.enqueue(w) })
			}
			p.mu.Unlock()
		case <-p.ctx.Done():
			return
		}
	}
}

// current reports whether w is still the registered watch for its task.
func (p *Pool) current(w *watch) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[w.job.key()] == w
}

// finish drops w unless a newer watch already took its place.
func (p *Pool) finish(w *watch) {
	p.mu.Lock()
	owned := p.active[w.job.key()] == w
	if owned {
		delete(p.active, w.job.key())
	}
	p.mu.Unlock()
	if owned {
		p.metrics.MonitorStopped(string(w.job.Stage))
	}
}

// step polls once and returns the delay before the next poll, or done when
// the watch ends.
func (p *Pool) step(w *watch) (next time.Duration, done bool) {
	job := w.job
	log := p.logger.WithFields(logrus.Fields{"task_id": job.TaskID, "stage": job.Stage, "job_id": job.JobID})
	policy := p.policy(job.Stage)
	stage := string(job.Stage)

	h, ok := p.handlers[job.Stage]
	if !ok {
		log.Error("No handler for stage")
		return 0, true
	}

	var task model.Task
	if err := p.db.WithContext(p.ctx).First(&task, job.TaskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Info("Task deleted, stop watching")
			return 0, true
		}
		if p.ctx.Err() != nil {
			return 0, true
		}
		log.WithError(err).Warn("Failed to load task")
		return policy.ErrorDelay, false
	}
	if task.Status != job.Stage.ActiveStatus() || model.SVal(task.PromptID) != job.JobID {
		log.WithField("status", task.Status).Info("Task no longer runs this job, stop watching")
		p.metrics.Poll(stage, "cancelled")
		return 0, true
	}

	finished, err := p.poll(h, &task, job)
	if p.ctx.Err() != nil {
		return 0, true
	}
	if err != nil {
		w.errors++
		p.metrics.Poll(stage, "error")
		if w.errors >= policy.MaxErrors {
			log.WithError(err).WithField("errors", w.errors).Error("Giving up on remote job")
			if ferr := h.Fail(p.ctx, job.TaskID, job.JobID, err); ferr != nil {
				log.WithError(ferr).Error("Failed to mark task as failed")
			}
			return 0, true
		}
		delay := w.backoff.NextBackOff()
		log.WithError(err).WithFields(logrus.Fields{"errors": w.errors, "retry_in": delay}).Warn("Poll failed")
		return delay, false
	}

	w.errors = 0
	w.backoff.Reset()
	if finished {
		p.metrics.Poll(stage, "done")
		log.Info("Remote job finished")
		return 0, true
	}
	p.metrics.Poll(stage, "running")
	return policy.Interval, false
}

// poll runs one PollOnce, turning a panic into an error.
func (p *Pool) poll(h execution.Handler, task *model.Task, job Job) (finished bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = execution.Recovered(r)
		}
	}()
	var a model.Asset
	if err := p.db.WithContext(p.ctx).First(&a, job.AssetID).Error; err != nil {
		return false, fmt.Errorf("load asset %d: %w", job.AssetID, err)
	}
	return h.PollOnce(p.ctx, task, &a, job.JobID)
}
