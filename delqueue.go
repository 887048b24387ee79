package gatekeep

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
	"github.com/panjf2000/ants/v2"
)

// Attempt stages reported in events and metrics.
const (
	stageImmediate = "immediate"
	stageRetry     = "retry"
	stageEvict     = "evict"
)

// Attempt outcomes.
const (
	outcomeOK        = "ok"
	outcomeGone      = "gone"
	outcomeForbidden = "forbidden"
	outcomeFail      = "fail"
)

// DeletionQueueConfig configures the deletion retry machinery.
type DeletionQueueConfig struct {
	// OverflowPath is the append-only JSONL file holding tasks evicted from
	// the in-memory ring. Required.
	OverflowPath string `env:"DELETE_OVERFLOW_PATH"`

	// Capacity bounds the in-memory retry ring. Default is 100.
	Capacity int `env:"DELETE_RING_CAPACITY"`

	// EntryTTL is how long a task may sit in the ring before it is moved to
	// the persisted overflow. Default is 1h.
	EntryTTL time.Duration `env:"DELETE_RING_TTL"`

	// Retries is the number of immediate attempts per delete. Default is 3.
	Retries int `env:"DELETE_RETRIES"`

	// RetryDelay is the pause between immediate attempts. Default is 2s.
	RetryDelay time.Duration `env:"DELETE_RETRY_DELAY"`

	// ChatBatch is how many queued tasks of one chat are retried
	// opportunistically when a message from that chat is processed. Default is 3.
	ChatBatch int `env:"DELETE_CHAT_BATCH"`

	// SweepBatch is how many tasks one sweep cycle retries from the ring and
	// from the overflow, each. Default is 15.
	SweepBatch int `env:"DELETE_SWEEP_BATCH"`

	// Workers sizes the background worker pool. Default is 4.
	Workers int `env:"DELETE_WORKERS"`
}

func (cfg DeletionQueueConfig) prepare() DeletionQueueConfig {
	cfg.Capacity = lang.Check(cfg.Capacity, 100)
	cfg.EntryTTL = lang.Check(cfg.EntryTTL, time.Hour)
	cfg.Retries = lang.Check(cfg.Retries, 3)
	cfg.RetryDelay = lang.Check(cfg.RetryDelay, 2*time.Second)
	cfg.ChatBatch = lang.Check(cfg.ChatBatch, 3)
	cfg.SweepBatch = lang.Check(cfg.SweepBatch, 15)
	cfg.Workers = lang.Check(cfg.Workers, 4)
	return cfg
}

// DeletionStats counts attempt outcomes per stage since process start.
type DeletionStats struct {
	ImmediateOK   int `json:"immediate_ok"`
	ImmediateFail int `json:"immediate_fail"`
	RetryOK       int `json:"retry_ok"`
	RetryFail     int `json:"retry_fail"`
	EvictOK       int `json:"evict_ok"`
	EvictFail     int `json:"evict_fail"`
	Abandoned     int `json:"abandoned"`
}

// DeletionQueue deletes messages with bounded retries. A task lives in one of
// three tiers: immediate attempts, a bounded in-memory ring, or an
// append-only persisted overflow file. A task accepted by the queue is never
// silently dropped: it moves between tiers until the delete succeeds, the
// message turns out to be already gone, or the bot provably lacks rights.
type DeletionQueue struct {
	transport Transport
	cfg       DeletionQueueConfig

	log     Logger
	sink    EventSink
	metrics *metrics

	ctx  context.Context
	pool *ants.Pool

	mu       sync.Mutex
	ring     []DeletionTask // oldest first
	index    map[taskKey]struct{}
	delayed  map[taskKey]*delayedDelete
	stats    DeletionStats
	overflow int // cached overflow line count
	closed   bool

	fileMu sync.Mutex // guards the overflow file

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type delayedDelete struct {
	task  DeletionTask
	timer *time.Timer
}

// NewDeletionQueue creates the queue and counts tasks already present in the
// overflow file from a previous run.
func NewDeletionQueue(ctx context.Context, transport Transport, cfg DeletionQueueConfig, log Logger, sink EventSink, m *metrics) (*DeletionQueue, error) {
	cfg = cfg.prepare()
	if cfg.OverflowPath == "" {
		return nil, errm.New("overflow path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OverflowPath), 0o755); err != nil {
		return nil, errm.Wrap(err, "create overflow dir")
	}

	pool, err := ants.NewPool(cfg.Workers, ants.WithPreAlloc(true))
	if err != nil {
		return nil, errm.Wrap(err, "create worker pool")
	}

	q := &DeletionQueue{
		transport: transport,
		cfg:       cfg,
		log:       log,
		sink:      sink,
		metrics:   m,
		ctx:       ctx,
		pool:      pool,
		index:     make(map[taskKey]struct{}),
		delayed:   make(map[taskKey]*delayedDelete),
		now:       time.Now,
		sleep:     sleepContext,
	}

	tasks, err := q.readOverflow()
	if err != nil {
		log.Warn("cannot read deletion overflow", "path", cfg.OverflowPath, "error", err)
	}
	q.overflow = len(tasks)
	q.metrics.setQueueDepth(0, q.overflow)

	return q, nil
}

// Delete tries to delete the message now, up to Retries attempts. It reports
// whether the delete is confirmed done; on exhaustion the task moves to the
// in-memory ring and Delete returns false. A message that no longer exists
// counts as done.
func (q *DeletionQueue) Delete(ctx context.Context, task DeletionTask) bool {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.now()
	}

	for attempt := 1; attempt <= q.cfg.Retries; attempt++ {
		if attempt > 1 {
			if err := q.sleep(ctx, q.cfg.RetryDelay); err != nil {
				break
			}
		}
		task.Attempts++

		switch q.attempt(ctx, task, stageImmediate) {
		case outcomeOK, outcomeGone:
			q.addStat(func(s *DeletionStats) { s.ImmediateOK++ })
			return true
		case outcomeForbidden:
			q.abandon(task)
			return false
		}
	}

	q.addStat(func(s *DeletionStats) { s.ImmediateFail++ })
	q.enqueue(task)
	return false
}

// DeleteAfter schedules a delete to run after delay. Pending delays are
// flushed into the persisted overflow on Close so a restart loses at most
// the delay, not the obligation.
func (q *DeletionQueue) DeleteAfter(task DeletionTask, delay time.Duration) {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.now()
	}
	key := task.key()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.persistEvicted(task)
		return
	}
	if old, ok := q.delayed[key]; ok {
		old.timer.Stop()
	}
	d := &delayedDelete{task: task}
	d.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.delayed, key)
		q.mu.Unlock()

		if err := q.pool.Submit(func() { q.Delete(q.ctx, task) }); err != nil {
			q.enqueue(task)
		}
	})
	q.delayed[key] = d
	q.mu.Unlock()
}

// RetryChat retries up to ChatBatch queued tasks belonging to chatID in the
// background. Called opportunistically whenever a message from that chat is
// processed, so an active chat drains its own backlog faster.
func (q *DeletionQueue) RetryChat(chatID int64) {
	batch := q.takeChatBatch(chatID, q.cfg.ChatBatch)
	if len(batch) == 0 {
		return
	}

	if err := q.pool.Submit(func() { q.retryBatch(q.ctx, batch) }); err != nil {
		for _, task := range batch {
			q.enqueue(task)
		}
	}
}

// Sweep retries one batch from the in-memory ring and one batch from the
// persisted overflow, oldest first. Ring entries older than EntryTTL are
// moved to the overflow instead of retried. Run periodically by the service.
func (q *DeletionQueue) Sweep(ctx context.Context) {
	now := q.now()

	batch := q.takeRingBatch(q.cfg.SweepBatch)
	live := batch[:0]
	for _, task := range batch {
		if now.Sub(task.EnqueuedAt) > q.cfg.EntryTTL {
			q.evict(ctx, task)
			continue
		}
		live = append(live, task)
	}
	q.retryBatch(ctx, live)

	q.sweepOverflow(ctx)
	q.updateDepth()
}

// Stats returns a copy of the attempt counters.
func (q *DeletionQueue) Stats() DeletionStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Len returns the current ring and overflow sizes.
func (q *DeletionQueue) Len() (ring, overflow int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ring), q.overflow
}

// Close stops the delayed timers, flushes their tasks to the persisted
// overflow and releases the worker pool. The ring is flushed too: queued
// tasks survive a restart in the overflow file.
func (q *DeletionQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true

	pending := make([]DeletionTask, 0, len(q.delayed)+len(q.ring))
	for _, d := range q.delayed {
		d.timer.Stop()
		pending = append(pending, d.task)
	}
	q.delayed = make(map[taskKey]*delayedDelete)

	pending = append(pending, q.ring...)
	q.ring = nil
	q.index = make(map[taskKey]struct{})
	q.mu.Unlock()

	for _, task := range pending {
		q.persistEvicted(task)
	}

	q.pool.Release()
	q.updateDepth()
}

// attempt performs one delete call and classifies the result.
func (q *DeletionQueue) attempt(ctx context.Context, task DeletionTask, stage string) string {
	err := q.transport.DeleteMessage(ctx, task.ChatID, task.MessageID)

	outcome := outcomeOK
	switch {
	case err == nil:
	case IsNotFound(err):
		outcome = outcomeGone
	case IsForbidden(err):
		outcome = outcomeForbidden
	default:
		outcome = outcomeFail
		if hint := RetryAfterHint(err); hint > 0 {
			// Respect the server pause before anything else hits the API.
			_ = q.sleep(ctx, hint)
		}
	}

	q.metrics.incDeleteAttempt(stage, outcome)
	q.sink.Emit(Event{
		Kind:      EventAttempt,
		ChatID:    task.ChatID,
		MessageID: task.MessageID,
		UserID:    task.UserID,
		Outcome:   outcome,
		Detail:    stage,
	})
	if outcome == outcomeFail {
		q.log.Debug("delete attempt failed", "chat_id", task.ChatID, "message_id", task.MessageID, "stage", stage, "error", err)
	}
	return outcome
}

// enqueue puts a task into the ring, evicting the oldest entry to the
// persisted overflow when the ring is full. Duplicate (chat, message)
// identities are ignored.
func (q *DeletionQueue) enqueue(task DeletionTask) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.persistEvicted(task)
		return
	}
	if _, ok := q.index[task.key()]; ok {
		q.mu.Unlock()
		return
	}

	var oldest *DeletionTask
	if len(q.ring) >= q.cfg.Capacity {
		t := q.ring[0]
		q.ring = q.ring[1:]
		delete(q.index, t.key())
		oldest = &t
	}

	q.ring = append(q.ring, task)
	q.index[task.key()] = struct{}{}
	q.mu.Unlock()

	q.sink.Emit(Event{Kind: EventEnqueue, ChatID: task.ChatID, MessageID: task.MessageID, UserID: task.UserID})

	if oldest != nil {
		q.evict(q.ctx, *oldest)
	}
	q.updateDepth()
}

// evict gives the task one last attempt and, failing that, appends it to the
// persisted overflow.
func (q *DeletionQueue) evict(ctx context.Context, task DeletionTask) {
	task.Attempts++
	switch q.attempt(ctx, task, stageEvict) {
	case outcomeOK, outcomeGone:
		q.addStat(func(s *DeletionStats) { s.EvictOK++ })
		q.emitDequeue(task, outcomeOK)
	case outcomeForbidden:
		q.abandon(task)
	default:
		q.addStat(func(s *DeletionStats) { s.EvictFail++ })
		q.persistEvicted(task)
	}
}

// persistEvicted appends the task to the overflow file. A write failure here
// is the only way a task can be lost, so it is logged loudly.
func (q *DeletionQueue) persistEvicted(task DeletionTask) {
	if err := q.appendOverflow(task); err != nil {
		q.log.Error("cannot persist evicted deletion task",
			"chat_id", task.ChatID, "message_id", task.MessageID, "error", err)
		return
	}
	q.sink.Emit(Event{Kind: EventEvict, ChatID: task.ChatID, MessageID: task.MessageID, UserID: task.UserID})
}

// abandon drops a task that cannot ever succeed.
func (q *DeletionQueue) abandon(task DeletionTask) {
	q.addStat(func(s *DeletionStats) { s.Abandoned++ })
	q.log.Warn("abandon deletion task, no rights to delete",
		"chat_id", task.ChatID, "message_id", task.MessageID)
	q.sink.Emit(Event{Kind: EventAbandon, ChatID: task.ChatID, MessageID: task.MessageID, UserID: task.UserID})
}

func (q *DeletionQueue) emitDequeue(task DeletionTask, outcome string) {
	q.sink.Emit(Event{Kind: EventDequeue, ChatID: task.ChatID, MessageID: task.MessageID, UserID: task.UserID, Outcome: outcome})
}

// retryBatch attempts each task once; retryable failures go back to the ring.
func (q *DeletionQueue) retryBatch(ctx context.Context, batch []DeletionTask) {
	for _, task := range batch {
		task.Attempts++
		switch q.attempt(ctx, task, stageRetry) {
		case outcomeOK, outcomeGone:
			q.addStat(func(s *DeletionStats) { s.RetryOK++ })
			q.emitDequeue(task, outcomeOK)
		case outcomeForbidden:
			q.abandon(task)
		default:
			q.addStat(func(s *DeletionStats) { s.RetryFail++ })
			q.requeue(task)
		}
	}
	q.updateDepth()
}

// takeRingBatch pops up to n oldest tasks from the ring.
func (q *DeletionQueue) takeRingBatch(n int) []DeletionTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	n = getMin(n, len(q.ring))
	if n == 0 {
		return nil
	}
	batch := make([]DeletionTask, n)
	copy(batch, q.ring[:n])
	q.ring = q.ring[n:]
	for _, task := range batch {
		delete(q.index, task.key())
	}
	return batch
}

// takeChatBatch pops up to n oldest tasks of one chat from the ring.
func (q *DeletionQueue) takeChatBatch(chatID int64, n int) []DeletionTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []DeletionTask
	rest := q.ring[:0]
	for _, task := range q.ring {
		if task.ChatID == chatID && len(batch) < n {
			batch = append(batch, task)
			delete(q.index, task.key())
			continue
		}
		rest = append(rest, task)
	}
	q.ring = rest
	return batch
}

// requeue puts a failed retry back at the tail of the ring.
func (q *DeletionQueue) requeue(task DeletionTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		go q.persistEvicted(task)
		return
	}
	if _, ok := q.index[task.key()]; ok {
		return
	}
	if len(q.ring) >= q.cfg.Capacity {
		// Ring filled up while the batch was out; spill to overflow.
		go q.persistEvicted(task)
		return
	}
	q.ring = append(q.ring, task)
	q.index[task.key()] = struct{}{}
}

// sweepOverflow retries up to SweepBatch tasks from the overflow file and
// rewrites it with the remainder.
func (q *DeletionQueue) sweepOverflow(ctx context.Context) {
	q.fileMu.Lock()
	defer q.fileMu.Unlock()

	tasks, err := q.readOverflowLocked()
	if err != nil {
		q.log.Warn("cannot read deletion overflow", "path", q.cfg.OverflowPath, "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	n := getMin(q.cfg.SweepBatch, len(tasks))
	remaining := make([]DeletionTask, 0, len(tasks))
	for i, task := range tasks {
		if i >= n {
			remaining = append(remaining, task)
			continue
		}
		task.Attempts++
		switch q.attempt(ctx, task, stageRetry) {
		case outcomeOK, outcomeGone:
			q.addStat(func(s *DeletionStats) { s.RetryOK++ })
			q.emitDequeue(task, outcomeOK)
		case outcomeForbidden:
			q.abandon(task)
		default:
			q.addStat(func(s *DeletionStats) { s.RetryFail++ })
			remaining = append(remaining, task)
		}
	}

	if err := q.writeOverflowLocked(remaining); err != nil {
		q.log.Error("cannot rewrite deletion overflow", "path", q.cfg.OverflowPath, "error", err)
		return
	}

	q.mu.Lock()
	q.overflow = len(remaining)
	q.mu.Unlock()
}

// appendOverflow appends one task as a JSON line.
func (q *DeletionQueue) appendOverflow(task DeletionTask) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return errm.Wrap(err, "marshal task")
	}
	raw = append(raw, '\n')

	q.fileMu.Lock()
	defer q.fileMu.Unlock()

	f, err := os.OpenFile(q.cfg.OverflowPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errm.Wrap(err, "open overflow")
	}
	defer f.Close()

	if _, err := f.Write(raw); err != nil {
		return errm.Wrap(err, "write overflow")
	}

	q.mu.Lock()
	q.overflow++
	q.mu.Unlock()
	return nil
}

// readOverflow loads all overflow tasks, deduplicated by identity.
func (q *DeletionQueue) readOverflow() ([]DeletionTask, error) {
	q.fileMu.Lock()
	defer q.fileMu.Unlock()
	return q.readOverflowLocked()
}

func (q *DeletionQueue) readOverflowLocked() ([]DeletionTask, error) {
	f, err := os.Open(q.cfg.OverflowPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errm.Wrap(err, "open overflow")
	}
	defer f.Close()

	var (
		tasks []DeletionTask
		seen  = make(map[taskKey]struct{})
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var task DeletionTask
		if err := json.Unmarshal(line, &task); err != nil {
			q.log.Warn("skip corrupt overflow line", "error", err)
			continue
		}
		if _, ok := seen[task.key()]; ok {
			continue
		}
		seen[task.key()] = struct{}{}
		tasks = append(tasks, task)
	}
	if err := scanner.Err(); err != nil {
		return tasks, errm.Wrap(err, "scan overflow")
	}
	return tasks, nil
}

// writeOverflowLocked atomically replaces the overflow file.
func (q *DeletionQueue) writeOverflowLocked(tasks []DeletionTask) error {
	tmp := q.cfg.OverflowPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errm.Wrap(err, "open temp overflow")
	}

	w := bufio.NewWriter(f)
	for _, task := range tasks {
		raw, err := json.Marshal(task)
		if err != nil {
			f.Close()
			return errm.Wrap(err, "marshal task")
		}
		raw = append(raw, '\n')
		if _, err := w.Write(raw); err != nil {
			f.Close()
			return errm.Wrap(err, "write temp overflow")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errm.Wrap(err, "flush temp overflow")
	}
	if err := f.Close(); err != nil {
		return errm.Wrap(err, "close temp overflow")
	}

	return os.Rename(tmp, q.cfg.OverflowPath)
}

func (q *DeletionQueue) addStat(update func(*DeletionStats)) {
	q.mu.Lock()
	update(&q.stats)
	q.mu.Unlock()
}

func (q *DeletionQueue) updateDepth() {
	q.mu.Lock()
	ring, overflow := len(q.ring), q.overflow
	q.mu.Unlock()
	q.metrics.setQueueDepth(ring, overflow)
}
