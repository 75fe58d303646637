// Package audit records privileged actions. Recording is asynchronous and
// never fails the action being audited.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/wilson1442/vpn-platform-sub001/internal/clock"
	"github.com/wilson1442/vpn-platform-sub001/internal/metrics"
	"github.com/wilson1442/vpn-platform-sub001/internal/models"
)

// Record is one audit event as supplied by callers. A nil ActorID is the
// system.
type Record struct {
	ActorID    *uint
	ActorRole  *models.UserRole
	Action     string
	TargetType string
	TargetID   string
	IPAddress  string
	Metadata   map[string]interface{}
}

type Options struct {
	QueueSize    int
	MaxRetries   int
	RetryBackoff time.Duration
}

// queued is either a record to write or a flush marker the writer closes
// once every record ahead of it is done.
type queued struct {
	entry   models.AuditLogEntry
	flushed chan struct{}
}

// Recorder buffers records in a channel drained by one writer goroutine.
// When the buffer is full the record is dropped and counted.
type Recorder struct {
	db       *gorm.DB
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	archiver Archiver

	queue        chan queued
	maxRetries   int
	retryBackoff time.Duration

	stopChan  chan struct{}
	exited    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

func NewRecorder(db *gorm.DB, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics, opts Options) *Recorder {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	return &Recorder{
		db:           db,
		clock:        clk,
		logger:       logger.Named("audit"),
		metrics:      m,
		queue:        make(chan queued, opts.QueueSize),
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
		stopChan:     make(chan struct{}),
		exited:       make(chan struct{}),
	}
}

// WithArchiver exports the log before every ClearAll.
func (r *Recorder) WithArchiver(a Archiver) *Recorder {
	r.archiver = a
	return r
}

// Start begins the writer goroutine
func (r *Recorder) Start() {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return
	}
	r.isRunning = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run()
	r.logger.Info("audit recorder started", zap.Int("queue_size", cap(r.queue)))
}

// Stop drains queued records and stops the writer
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return
	}
	r.isRunning = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
	r.logger.Info("audit recorder stopped")
}

// Record enqueues rec without blocking.
func (r *Recorder) Record(rec Record) {
	if r == nil {
		return
	}
	entry := r.toEntry(rec)

	select {
	case r.queue <- queued{entry: entry}:
	default:
		r.metrics.AuditDropped()
		r.logger.Warn("audit queue full, record dropped", zap.String("action", rec.Action))
	}
}

// Flush blocks until every record enqueued before the call has been written
// or given up on. Records arriving meanwhile do not extend the wait. It
// returns at once when the writer is not running.
func (r *Recorder) Flush() {
	if r == nil {
		return
	}
	r.mu.Lock()
	running := r.isRunning
	r.mu.Unlock()
	if !running {
		return
	}

	marker := make(chan struct{})
	select {
	case r.queue <- queued{flushed: marker}:
	case <-r.exited:
		return
	}
	select {
	case <-marker:
	case <-r.exited:
	}
}

func (r *Recorder) toEntry(rec Record) models.AuditLogEntry {
	entry := models.AuditLogEntry{
		ActorID:    rec.ActorID,
		ActorRole:  rec.ActorRole,
		Action:     rec.Action,
		TargetType: rec.TargetType,
		TargetID:   rec.TargetID,
		IPAddress:  rec.IPAddress,
		CreatedAt:  r.clock.Now(),
	}
	if len(rec.Metadata) > 0 {
		if b, err := json.Marshal(rec.Metadata); err == nil {
			entry.Metadata = datatypes.JSON(b)
		} else {
			r.logger.Warn("audit metadata not serializable", zap.String("action", rec.Action), zap.Error(err))
		}
	}
	return entry
}

func (r *Recorder) run() {
	defer r.wg.Done()
	defer close(r.exited)
	for {
		select {
		case item := <-r.queue:
			r.handle(item)
		case <-r.stopChan:
			for {
				select {
				case item := <-r.queue:
					r.handle(item)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) handle(item queued) {
	if item.flushed != nil {
		close(item.flushed)
		return
	}
	r.write(item.entry)
}

func (r *Recorder) write(entry models.AuditLogEntry) {
	var err error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		e := entry
		if err = r.db.Create(&e).Error; err == nil {
			return
		}
		if attempt < r.maxRetries {
			time.Sleep(r.retryBackoff << attempt)
		}
	}

	r.metrics.AuditFailure()
	r.logger.Error("audit write failed",
		zap.String("action", entry.Action),
		zap.String("target_type", entry.TargetType),
		zap.String("target_id", entry.TargetID),
		zap.Int("attempts", r.maxRetries+1),
		zap.Error(err))
}
