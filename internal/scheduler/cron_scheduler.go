package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/metrics"
)

// JobFunc is the body of a scheduled job
type JobFunc func(ctx context.Context) error

// JobStatus describes a registered job
type JobStatus struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Runs      int64      `json:"runs"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	NextRun   time.Time  `json:"next_run"`
}

// CronScheduler runs named background jobs on cron schedules. Schedules accept
// an optional seconds field and descriptors such as @every 30s or @daily.
type CronScheduler struct {
	logger *zap.Logger
	cron   *cron.Cron
	parser cron.Parser
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
	jobs   map[string]*cronJob
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

// NewCronScheduler creates a new scheduler
func NewCronScheduler(logger *zap.Logger) *CronScheduler {
	logger = logger.Named("scheduler")
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cronOptions := []cron.Option{
		cron.WithParser(parser),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CronScheduler{
		logger: logger,
		cron:   cron.New(cronOptions...),
		parser: parser,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*cronJob),
	}
}

// AddJob registers fn under name. Each run gets a context bounded by timeout
// when timeout is positive.
func (s *CronScheduler) AddJob(name, spec string, timeout time.Duration, fn JobFunc) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSchedule, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	job := &cronJob{
		scheduler: s,
		name:      name,
		spec:      spec,
		timeout:   timeout,
		fn:        fn,
	}
	job.entryID = s.cron.Schedule(schedule, job)
	s.jobs[name] = job

	s.logger.Info("Added job",
		zap.String("name", name),
		zap.String("schedule", spec),
		zap.Time("next_run", schedule.Next(time.Now())))
	return nil
}

// RemoveJob unregisters a job
func (s *CronScheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	s.cron.Remove(job.entryID)
	delete(s.jobs, name)

	s.logger.Info("Removed job", zap.String("name", name))
	return nil
}

// RunNow runs a job synchronously outside its schedule
func (s *CronScheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return job.run(ctx)
}

// Jobs returns the status of every job ordered by name
func (s *CronScheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		status := job.status()
		status.NextRun = s.cron.Entry(job.entryID).Next
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Start starts the scheduler
func (s *CronScheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.Jobs())))
}

// Stop cancels running jobs and waits for them to return
func (s *CronScheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// cronJob implements cron.Job
type cronJob struct {
	scheduler *CronScheduler
	name      string
	spec      string
	timeout   time.Duration
	fn        JobFunc
	entryID   cron.EntryID

	mu        sync.Mutex
	runs      int64
	lastRun   *time.Time
	lastError string
}

// Run implements cron.Job
func (j *cronJob) Run() {
	_ = j.run(j.scheduler.ctx)
}

func (j *cronJob) run(ctx context.Context) error {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	start := time.Now()
	err := j.fn(ctx)
	elapsed := time.Since(start)

	j.mu.Lock()
	j.runs++
	j.lastRun = &start
	j.lastError = ""
	if err != nil {
		j.lastError = err.Error()
	}
	j.mu.Unlock()

	logger := j.scheduler.logger.With(
		zap.String("job", j.name),
		zap.Duration("elapsed", elapsed))
	if err != nil {
		metrics.JobRunsTotal.WithLabelValues(j.name, "error").Inc()
		logger.Error("Job failed", zap.Error(err))
		return err
	}
	metrics.JobRunsTotal.WithLabelValues(j.name, "success").Inc()
	logger.Debug("Job completed")
	return nil
}

func (j *cronJob) status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStatus{
		Name:      j.name,
		Schedule:  j.spec,
		Runs:      j.runs,
		LastRun:   j.lastRun,
		LastError: j.lastError,
	}
}
