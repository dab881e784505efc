package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cdrug/server/internal/jobstore"
)

// ErrJobManagerStopped is returned by Submit after Stop.
var ErrJobManagerStopped = errors.New("job manager stopped")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent analysis jobs (default 1)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
	QueueSize     int // Pending job capacity (default 100)
}

// JobManager manages analysis jobs with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *jobstore.Store
	queue    chan string // job IDs
	running  map[string]*runningJob
	stopped  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run the actual analysis.
	Executor func(ctx context.Context, store *jobstore.Store, jobID string) error
}

type runningJob struct {
	cancel context.CancelFunc
	done   chan struct{} // closed once runJob has recorded the final status
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	store, err := jobstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	jm := &JobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]*runningJob),
		stopCh:  make(chan struct{}),
	}
	return jm, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *jobstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Jobs that were running when the process died cannot be resumed
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[JobManager] failed to mark running jobs as failed: %v", err)
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[JobManager] failed to list queued jobs: %v", err)
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				log.Printf("[JobManager] re-queued job %s", job.ID)
			default:
				log.Printf("[JobManager] queue full, cannot re-queue job %s", job.ID)
				jm.store.UpdateJobStatus(job.ID, jobstore.JobStatusFailed, "job queue is full; resubmit")
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop cancels running jobs and waits for the workers to exit.
// Jobs still queued stay queued and are picked up by the next Start.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		jm.mu.Lock()
		jm.stopped = true
		close(jm.stopCh)
		close(jm.queue)
		for _, r := range jm.running {
			r.cancel()
		}
		jm.mu.Unlock()
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			return
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	if jm.stopped {
		jm.mu.Unlock()
		return
	}
	// Cancelled or deleted while waiting in the queue
	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil || job.Status != jobstore.JobStatusQueued {
		jm.mu.Unlock()
		if err != nil {
			log.Printf("[JobManager] failed to load job %s: %v", jobID, err)
		}
		return
	}
	r := &runningJob{cancel: cancel, done: make(chan struct{})}
	jm.running[jobID] = r
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
		close(r.done)
	}()

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		log.Printf("[JobManager] failed to update job %s as started: %v", jobID, err)
		return
	}

	start := time.Now()
	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	jm.mu.Lock()
	stopping := jm.stopped
	jm.mu.Unlock()

	switch {
	case ctx.Err() == context.Canceled && stopping:
		jm.store.UpdateJobStatus(jobID, jobstore.JobStatusFailed, "server stopped")
		log.Printf("[JobManager] job %s interrupted by shutdown", jobID)
	case ctx.Err() == context.Canceled:
		jm.store.UpdateJobStatus(jobID, jobstore.JobStatusCancelled, "cancelled by user")
		log.Printf("[JobManager] job %s cancelled", jobID)
	case execErr != nil:
		jm.store.UpdateJobStatus(jobID, jobstore.JobStatusFailed, execErr.Error())
		log.Printf("[JobManager] job %s failed: %v", jobID, execErr)
	default:
		jm.store.UpdateJobStatus(jobID, jobstore.JobStatusCompleted, "")
		log.Printf("[JobManager] job %s completed in %v", jobID, time.Since(start).Round(time.Millisecond))
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		log.Printf("[JobManager] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[JobManager] cleaned up %d expired jobs", deleted)
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(params jobstore.JobParams) (*jobstore.Job, error) {
	id := generateJobID()
	job := &jobstore.Job{
		ID:        id,
		DatasetID: params.DatasetID,
		Status:    jobstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	if jm.stopped {
		return nil, ErrJobManagerStopped
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- id:
	default:
		// Queue full; mark as failed immediately
		jm.store.UpdateJobStatus(id, jobstore.JobStatusFailed, "job queue is full; try again later")
		job.Status = jobstore.JobStatusFailed
	}

	return job, nil
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) *jobstore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Printf("[JobManager] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// List returns the jobs of a dataset, newest first.
func (jm *JobManager) List(datasetID string) ([]*jobstore.Job, error) {
	return jm.store.ListJobsByDataset(datasetID)
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if r, ok := jm.running[id]; ok {
		r.cancel()
		return true
	}

	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == jobstore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, jobstore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete cancels a job if needed and deletes it with its results.
// A running job is deleted only after its executor has returned.
func (jm *JobManager) Delete(id string) error {
	jm.mu.Lock()
	r, ok := jm.running[id]
	jm.mu.Unlock()

	jm.Cancel(id)
	if ok {
		<-r.done
	}
	return jm.store.DeleteJob(id)
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
