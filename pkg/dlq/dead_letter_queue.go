// Package dlq holds shmem audit sweep candidates that the datapath
// abandoned (a HOLD marker that outlived audit_timeout, §4.7) long
// enough that the agent gave up on a clean re-evaluation and wants a
// durable record plus a bounded number of reprocessing attempts
// before it's dropped for good.
package dlq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Candidate is the raw snapshot of one abandoned table slot, handed
// to shmem.OnAbandoned and then on into the dead-letter queue.
type Candidate struct {
	Index int
	Raw   []byte
}

// ReprocessCallback re-evaluates one abandoned candidate — typically
// by creating the agent-side short-flow the datapath's HOLD marker
// never got resolved into. A non-nil error schedules another attempt
// after exponential backoff, up to ReprocessingConfig.MaxRetries.
type ReprocessCallback func(candidate Candidate) error

// Queue durably records abandoned audit-sweep candidates to a
// directory of append-only JSON-lines files and periodically retries
// ReprocessCallback against each one until it succeeds or exhausts its
// retry budget.
type Queue struct {
	config Config
	logger *logrus.Logger

	queue chan entryRecord
	file  *os.File
	mutex sync.RWMutex
	stats Stats

	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool

	reprocessCallback ReprocessCallback
}

// Config configures the dead-letter queue.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Directory holds the append-only DLQ files.
	Directory string `yaml:"directory"`

	// QueueSize bounds the in-memory channel between Enqueue and the
	// file-writer task.
	QueueSize int `yaml:"queue_size"`

	// MaxFileSize in MB, after which a fresh file is rotated in.
	MaxFileSize int64 `yaml:"max_file_size_mb"`

	// RetentionDays bounds how long a rotated-out file is kept.
	RetentionDays int `yaml:"retention_days"`

	// FlushInterval is how often the current file is fsynced.
	FlushInterval time.Duration `yaml:"flush_interval"`

	Reprocessing ReprocessingConfig `yaml:"reprocessing"`
}

// ReprocessingConfig controls the bounded-retry reprocessing loop.
type ReprocessingConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	MaxRetries      int           `yaml:"max_retries"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	DelayMultiplier float64       `yaml:"delay_multiplier"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	BatchSize       int           `yaml:"batch_size"`
	MinEntryAge     time.Duration `yaml:"min_entry_age"`
}

// entryRecord is one durable record: a Candidate plus the bookkeeping
// needed to pace reprocessing attempts.
type entryRecord struct {
	Candidate            Candidate `json:"candidate"`
	EntryID               string    `json:"entry_id"`
	FirstSeen             time.Time `json:"first_seen"`
	ReprocessAttempts     int       `json:"reprocess_attempts"`
	LastReprocessAttempt  time.Time `json:"last_reprocess_attempt,omitempty"`
	NextReprocessTime     time.Time `json:"next_reprocess_time,omitempty"`
}

// Stats is a diagnostics snapshot of the queue's activity.
type Stats struct {
	TotalEntries          int64     `json:"total_entries"`
	EntriesWritten         int64     `json:"entries_written"`
	WriteErrors            int64     `json:"write_errors"`
	CurrentQueueSize       int       `json:"current_queue_size"`
	FilesCreated           int64     `json:"files_created"`
	LastFlush              time.Time `json:"last_flush"`
	ReprocessingAttempts   int64     `json:"reprocessing_attempts"`
	ReprocessingSuccesses  int64     `json:"reprocessing_successes"`
	ReprocessingFailures   int64     `json:"reprocessing_failures"`
	LastReprocessing       time.Time `json:"last_reprocessing"`
	EntriesReprocessed     int64     `json:"entries_reprocessed"`
}

// NewQueue constructs a Queue with defaults filled in where unset.
func NewQueue(config Config, logger *logrus.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())

	if config.QueueSize == 0 {
		config.QueueSize = 10000
	}
	if config.MaxFileSize == 0 {
		config.MaxFileSize = 100
	}
	if config.RetentionDays == 0 {
		config.RetentionDays = 7
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 30 * time.Second
	}
	if config.Directory == "" {
		config.Directory = "./dlq"
	}
	if config.Reprocessing.Interval == 0 {
		config.Reprocessing.Interval = 5 * time.Minute
	}
	if config.Reprocessing.MaxRetries == 0 {
		config.Reprocessing.MaxRetries = 3
	}
	if config.Reprocessing.InitialDelay == 0 {
		config.Reprocessing.InitialDelay = 1 * time.Minute
	}
	if config.Reprocessing.DelayMultiplier == 0 {
		config.Reprocessing.DelayMultiplier = 2.0
	}
	if config.Reprocessing.MaxDelay == 0 {
		config.Reprocessing.MaxDelay = 30 * time.Minute
	}
	if config.Reprocessing.BatchSize == 0 {
		config.Reprocessing.BatchSize = 50
	}
	if config.Reprocessing.MinEntryAge == 0 {
		config.Reprocessing.MinEntryAge = 2 * time.Minute
	}

	return &Queue{
		config: config,
		logger: logger,
		queue:  make(chan entryRecord, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start opens the current DLQ file and launches the write, cleanup,
// and (if enabled) reprocessing tasks.
func (q *Queue) Start() error {
	if !q.config.Enabled {
		q.logger.Info("ksync dlq: disabled")
		return nil
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.isRunning {
		return fmt.Errorf("dlq: already running")
	}

	q.logger.WithFields(logrus.Fields{
		"directory":      q.config.Directory,
		"queue_size":     q.config.QueueSize,
		"retention_days": q.config.RetentionDays,
	}).Info("ksync dlq: starting")

	if err := os.MkdirAll(q.config.Directory, 0755); err != nil {
		return fmt.Errorf("dlq: create directory: %w", err)
	}
	if err := q.createNewFile(); err != nil {
		return fmt.Errorf("dlq: create initial file: %w", err)
	}

	q.isRunning = true

	go q.processingLoop()
	go q.cleanupLoop()

	if q.config.Reprocessing.Enabled {
		go q.reprocessingLoop()
		q.logger.WithField("interval", q.config.Reprocessing.Interval).Info("ksync dlq: reprocessing enabled")
	}

	return nil
}

// Stop drains the in-memory queue to disk and closes the current file.
func (q *Queue) Stop() error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if !q.isRunning {
		return nil
	}

	q.logger.Info("ksync dlq: stopping")
	q.isRunning = false
	q.cancel()
	q.drainQueue()

	if q.file != nil {
		q.file.Close()
		q.file = nil
	}

	return nil
}

// Enqueue records one abandoned candidate. shmem.DLQOnAbandoned adapts
// it into a shmem.OnAbandoned callback.
func (q *Queue) Enqueue(candidate Candidate) error {
	if !q.config.Enabled {
		return nil
	}

	now := time.Now()
	rec := entryRecord{
		Candidate:         candidate,
		EntryID:           fmt.Sprintf("%d_%d", candidate.Index, now.UnixNano()),
		FirstSeen:         now,
		NextReprocessTime: now.Add(q.config.Reprocessing.MinEntryAge),
	}

	select {
	case q.queue <- rec:
		q.mutex.Lock()
		q.stats.TotalEntries++
		q.mutex.Unlock()
		return nil
	default:
		q.logger.Warn("ksync dlq: queue full, dropping candidate")
		q.mutex.Lock()
		q.stats.WriteErrors++
		q.mutex.Unlock()
		return fmt.Errorf("dlq: queue full (capacity %d), candidate dropped", cap(q.queue))
	}
}

func (q *Queue) processingLoop() {
	flushTicker := time.NewTicker(q.config.FlushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case rec := <-q.queue:
			q.writeEntry(rec)
		case <-flushTicker.C:
			q.flushFile()
		}
	}
}

func (q *Queue) writeEntry(rec entryRecord) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.file == nil {
		q.logger.Error("ksync dlq: file not open")
		q.stats.WriteErrors++
		return
	}

	if q.shouldRotateFile() {
		q.rotateFile()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		q.logger.WithError(err).Error("ksync dlq: marshal entry")
		q.stats.WriteErrors++
		return
	}
	data = append(data, '\n')

	if _, err := q.file.Write(data); err != nil {
		q.logger.WithError(err).Error("ksync dlq: write entry")
		q.stats.WriteErrors++
		return
	}

	q.stats.EntriesWritten++
}

func (q *Queue) shouldRotateFile() bool {
	if q.file == nil {
		return true
	}
	info, err := q.file.Stat()
	if err != nil {
		return true
	}
	return info.Size() >= q.config.MaxFileSize*1024*1024
}

func (q *Queue) rotateFile() {
	if q.file != nil {
		q.file.Close()
	}
	if err := q.createNewFile(); err != nil {
		q.logger.WithError(err).Error("ksync dlq: create rotated file")
	}
}

func (q *Queue) createNewFile() error {
	timestamp := time.Now().Format("20060102_150405")
	name := fmt.Sprintf("dlq_%s.log", timestamp)
	path := filepath.Join(q.config.Directory, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	q.file = file
	q.stats.FilesCreated++
	q.logger.WithField("file", path).Debug("ksync dlq: created file")
	return nil
}

func (q *Queue) flushFile() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.file != nil {
		q.file.Sync()
		q.stats.LastFlush = time.Now()
	}
}

func (q *Queue) drainQueue() {
	for {
		select {
		case rec := <-q.queue:
			q.writeEntry(rec)
		default:
			return
		}
	}
}

func (q *Queue) cleanupLoop() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.cleanupOldFiles()
		}
	}
}

func (q *Queue) cleanupOldFiles() {
	pattern := filepath.Join(q.config.Directory, "dlq_*.log")
	files, err := filepath.Glob(pattern)
	if err != nil {
		q.logger.WithError(err).Error("ksync dlq: list files for cleanup")
		return
	}

	cutoff := time.Now().AddDate(0, 0, -q.config.RetentionDays)
	removed := 0

	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(f); err != nil {
				q.logger.WithError(err).WithField("file", f).Warn("ksync dlq: remove old file")
			} else {
				removed++
			}
		}
	}

	if removed > 0 {
		q.logger.WithField("removed", removed).Info("ksync dlq: cleanup completed")
	}
}

// GetStats returns a diagnostics snapshot.
func (q *Queue) GetStats() Stats {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	stats := q.stats
	stats.CurrentQueueSize = len(q.queue)
	return stats
}

// SetReprocessCallback installs the callback the reprocessing loop
// invokes for each eligible candidate.
func (q *Queue) SetReprocessCallback(callback ReprocessCallback) {
	q.reprocessCallback = callback
}

func (q *Queue) reprocessingLoop() {
	ticker := time.NewTicker(q.config.Reprocessing.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.processReprocessingBatch()
		}
	}
}

func (q *Queue) processReprocessingBatch() {
	if q.reprocessCallback == nil {
		return
	}

	recs, err := q.readEntriesForReprocessing()
	if err != nil {
		q.logger.WithError(err).Error("ksync dlq: read entries for reprocessing")
		return
	}
	if len(recs) == 0 {
		return
	}

	var updated []entryRecord
	successCount, failureCount := 0, 0

	for _, rec := range recs {
		if time.Now().Before(rec.NextReprocessTime) {
			continue
		}
		if rec.ReprocessAttempts >= q.config.Reprocessing.MaxRetries {
			continue
		}

		q.mutex.Lock()
		q.stats.ReprocessingAttempts++
		q.mutex.Unlock()

		rec.ReprocessAttempts++
		rec.LastReprocessAttempt = time.Now()

		if err := q.reprocessCallback(rec.Candidate); err != nil {
			failureCount++

			delay := time.Duration(float64(q.config.Reprocessing.InitialDelay) *
				math.Pow(q.config.Reprocessing.DelayMultiplier, float64(rec.ReprocessAttempts-1)))
			if delay > q.config.Reprocessing.MaxDelay {
				delay = q.config.Reprocessing.MaxDelay
			}
			rec.NextReprocessTime = time.Now().Add(delay)

			q.logger.WithFields(logrus.Fields{
				"entry_id":     rec.EntryID,
				"attempt":      rec.ReprocessAttempts,
				"next_attempt": rec.NextReprocessTime,
				"error":        err.Error(),
			}).Warn("ksync dlq: reprocessing attempt failed")

			q.mutex.Lock()
			q.stats.ReprocessingFailures++
			q.mutex.Unlock()

			updated = append(updated, rec)
		} else {
			successCount++

			q.mutex.Lock()
			q.stats.ReprocessingSuccesses++
			q.stats.EntriesReprocessed++
			q.mutex.Unlock()

			if err := q.removeEntry(rec.EntryID); err != nil {
				q.logger.WithError(err).WithField("entry_id", rec.EntryID).Warn("ksync dlq: remove reprocessed entry")
			}
		}
	}

	if len(updated) > 0 {
		if err := q.updateFiles(updated); err != nil {
			q.logger.WithError(err).Error("ksync dlq: update files after reprocessing")
		}
	}

	q.mutex.Lock()
	q.stats.LastReprocessing = time.Now()
	q.mutex.Unlock()

	if successCount > 0 || failureCount > 0 {
		q.logger.WithFields(logrus.Fields{
			"successful": successCount,
			"failed":     failureCount,
			"total":      len(recs),
		}).Info("ksync dlq: reprocessing batch completed")
	}
}

func (q *Queue) readEntriesForReprocessing() ([]entryRecord, error) {
	pattern := filepath.Join(q.config.Directory, "dlq_*.log")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("dlq: list files: %w", err)
	}

	var all []entryRecord
	count := 0

	for _, path := range files {
		recs, err := q.readEntriesFromFile(path)
		if err != nil {
			q.logger.WithError(err).WithField("file", path).Warn("ksync dlq: read file")
			continue
		}

		for _, rec := range recs {
			if rec.ReprocessAttempts < q.config.Reprocessing.MaxRetries &&
				time.Since(rec.FirstSeen) >= q.config.Reprocessing.MinEntryAge {
				all = append(all, rec)
				count++
				if count >= q.config.Reprocessing.BatchSize {
					return all, nil
				}
			}
		}
	}

	return all, nil
}

func (q *Queue) readEntriesFromFile(path string) ([]entryRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var recs []entryRecord
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec entryRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			q.logger.WithError(err).Warn("ksync dlq: parse entry")
			continue
		}
		recs = append(recs, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("dlq: scan file: %w", err)
	}

	return recs, nil
}

func (q *Queue) updateFiles(updatedRecs []entryRecord) error {
	pattern := filepath.Join(q.config.Directory, "dlq_*.log")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("dlq: list files: %w", err)
	}

	updatedMap := make(map[string]entryRecord, len(updatedRecs))
	for _, rec := range updatedRecs {
		updatedMap[rec.EntryID] = rec
	}

	for _, path := range files {
		original, err := q.readEntriesFromFile(path)
		if err != nil {
			q.logger.WithError(err).WithField("file", path).Warn("ksync dlq: read file for update")
			continue
		}

		final := make([]entryRecord, 0, len(original))
		for _, rec := range original {
			if updated, ok := updatedMap[rec.EntryID]; ok {
				final = append(final, updated)
			} else {
				final = append(final, rec)
			}
		}

		if err := q.rewriteFile(path, final); err != nil {
			return fmt.Errorf("dlq: rewrite file %s: %w", path, err)
		}
	}

	return nil
}

func (q *Queue) rewriteFile(path string, recs []entryRecord) error {
	tmp := path + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			file.Close()
			os.Remove(tmp)
			return err
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			file.Close()
			os.Remove(tmp)
			return err
		}
	}

	file.Close()
	return os.Rename(tmp, path)
}

func (q *Queue) removeEntry(entryID string) error {
	pattern := filepath.Join(q.config.Directory, "dlq_*.log")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("dlq: list files: %w", err)
	}

	for _, path := range files {
		recs, err := q.readEntriesFromFile(path)
		if err != nil {
			continue
		}

		filtered := make([]entryRecord, 0, len(recs))
		found := false
		for _, rec := range recs {
			if rec.EntryID != entryID {
				filtered = append(filtered, rec)
			} else {
				found = true
			}
		}

		if found {
			return q.rewriteFile(path, filtered)
		}
	}

	return fmt.Errorf("dlq: entry %s not found", entryID)
}
