package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"wabot/internal/model"
)

// Engine owns the in-memory registry of armed jobs (one-time timers and
// recurring cron triggers) keyed by scheduled message ID, and keeps the
// persisted status in sync with execution outcomes.
//
// Registry invariants:
//   - at most one job per message ID; arming a duplicate ID stops the old job
//   - a job exists only while its record is pending and not canceled
//   - a one-time message whose scheduled time already passed is marked failed
//     without ever being armed
type Engine struct {
	store Store
	exec  Executor
	opts  Options

	cron   *cron.Cron
	parser cron.Parser

	mu   sync.Mutex
	jobs map[string]job
}

// Store is the persistence contract the engine depends on.
type Store interface {
	InsertScheduledMessage(m *model.ScheduledMessage) error
	ListPendingScheduled() ([]model.ScheduledMessage, error)
	MarkScheduledSent(id string, at time.Time) error
	MarkScheduledFailed(id, reason string) error
	TouchScheduledLastSent(id string, at time.Time) error
	NoteScheduledError(id, reason string) error
}

// Executor delivers messages. Implemented by sender.Sender; tests use fakes.
type Executor interface {
	SendText(ctx context.Context, to, body string) error
	SendMedia(ctx context.Context, to, body, mediaPath string) error
}

// Options tunes failure behavior.
type Options struct {
	// RekindleRecurring keeps a recurring trigger armed after a delivery
	// failure (error is recorded, status stays pending). Off by default:
	// a failed fire tears the trigger down and marks the record failed,
	// which silently ends the recurrence.
	RekindleRecurring bool
	// SendTimeout bounds a single delivery attempt. Zero means 90s.
	SendTimeout time.Duration
}

// Validation errors surfaced through the record's status and error note.
var (
	ErrMissingRecipient = errors.New("recipient is required")
	ErrEmptyPayload     = errors.New("body or media path is required")
	ErrMissingTime      = errors.New("scheduled time is required")
	ErrMissingCron      = errors.New("cron expression is required for recurring messages")
)

type jobKind int

const (
	oneTimeJob jobKind = iota
	recurringJob
)

// job is the tagged handle variant: a single-fire timer or a cron entry.
type job struct {
	kind  jobKind
	timer *time.Timer
	entry cron.EntryID
}

// payload is decided once at arm time; execute consumes it uniformly.
type payload struct {
	to        string
	body      string
	mediaPath string // empty for text-only
}

func payloadFor(m model.ScheduledMessage) payload {
	return payload{to: m.To, body: m.Body, mediaPath: m.MediaPath}
}

// New builds an Engine. The cron parser accepts standard five-field
// expressions plus an optional leading seconds field, in local time.
func New(store Store, exec Executor, opts Options) *Engine {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 90 * time.Second
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Engine{
		store:  store,
		exec:   exec,
		opts:   opts,
		cron:   cron.New(cron.WithParser(parser), cron.WithLocation(time.Local)),
		parser: parser,
		jobs:   make(map[string]job),
	}
}

// Init rehydrates the registry from all pending records and starts the cron
// runner. Call once per process lifetime; a second call would double-arm
// recurring jobs.
func (e *Engine) Init() error {
	pending, err := e.store.ListPendingScheduled()
	if err != nil {
		log.Printf("[scheduler] init: loading pending messages failed: %v", err)
		return fmt.Errorf("load pending scheduled messages: %w", err)
	}
	log.Printf("[scheduler] init: loading %d pending scheduled message(s)", len(pending))
	for i := range pending {
		m := &pending[i]
		if m.Repeat && m.CronExpression != "" {
			e.scheduleRecurring(m)
		} else {
			e.scheduleOneTime(m)
		}
	}
	e.cron.Start()
	return nil
}

// Stop halts the cron runner and stops every armed timer. Persisted state is
// untouched; pending records are rearmed by Init on the next start.
func (e *Engine) Stop() {
	e.cron.Stop()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, j := range e.jobs {
		if j.kind == oneTimeJob {
			j.timer.Stop()
		} else {
			e.cron.Remove(j.entry)
		}
		delete(e.jobs, id)
	}
}

// Request carries the caller-supplied fields for a new scheduled message.
type Request struct {
	To             string
	Body           string
	MediaPath      string
	ScheduledTime  time.Time
	Repeat         bool
	CronExpression string
}

// ScheduleNew persists the request as a pending record, then arms it. The
// persisted record is returned even when arming immediately failed; callers
// inspect Status to learn the outcome. A persistence error is returned as-is
// and nothing is armed.
func (e *Engine) ScheduleNew(req Request) (*model.ScheduledMessage, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	m := &model.ScheduledMessage{
		ID:             uuid.NewString(),
		To:             req.To,
		Body:           req.Body,
		MediaPath:      req.MediaPath,
		ScheduledTime:  req.ScheduledTime,
		Repeat:         req.Repeat,
		CronExpression: req.CronExpression,
		Status:         model.StatusPending,
		CreatedAt:      time.Now(),
	}
	if err := e.store.InsertScheduledMessage(m); err != nil {
		return nil, fmt.Errorf("persist scheduled message: %w", err)
	}
	if m.Repeat && m.CronExpression != "" {
		e.scheduleRecurring(m)
	} else {
		e.scheduleOneTime(m)
	}
	return m, nil
}

func validate(req Request) error {
	if req.To == "" {
		return ErrMissingRecipient
	}
	if req.Body == "" && req.MediaPath == "" {
		return ErrEmptyPayload
	}
	if req.ScheduledTime.IsZero() {
		return ErrMissingTime
	}
	if req.Repeat && req.CronExpression == "" {
		return ErrMissingCron
	}
	return nil
}

// scheduleOneTime arms a single-fire timer for the message. A scheduled time
// already in the past marks the record failed without arming anything; the
// check happens strictly at call time, so the armed delay is always >= 0.
func (e *Engine) scheduleOneTime(m *model.ScheduledMessage) {
	now := time.Now()
	if m.ScheduledTime.Before(now) {
		e.markFailed(m, "scheduled time already passed")
		return
	}
	delay := m.ScheduledTime.Sub(now)
	p := payloadFor(*m)
	rec := *m
	timer := time.AfterFunc(delay, func() {
		e.execute(rec, p)
	})
	e.register(m.ID, job{kind: oneTimeJob, timer: timer})
	log.Printf("[scheduler] one-time message %s armed for %s (in %s)", m.ID, m.ScheduledTime.Format(time.RFC3339), delay.Round(time.Second))
}

// scheduleRecurring validates the cron expression and arms a recurring
// trigger. The record is captured at schedule time: edits made afterwards are
// not picked up without a cancel+reschedule cycle.
func (e *Engine) scheduleRecurring(m *model.ScheduledMessage) {
	if m.CronExpression == "" {
		e.markFailed(m, "cron expression missing for recurring message")
		return
	}
	if _, err := e.parser.Parse(m.CronExpression); err != nil {
		e.markFailed(m, fmt.Sprintf("invalid cron expression: %v", err))
		return
	}
	p := payloadFor(*m)
	rec := *m
	entry, err := e.cron.AddFunc(m.CronExpression, func() {
		e.execute(rec, p)
	})
	if err != nil {
		e.markFailed(m, fmt.Sprintf("invalid cron expression: %v", err))
		return
	}
	e.register(m.ID, job{kind: recurringJob, entry: entry})
	log.Printf("[scheduler] recurring message %s armed with expression %q", m.ID, m.CronExpression)
}

// register stores the job handle, stopping any previous job for the same ID
// first so a record never has two armed fires.
func (e *Engine) register(id string, j job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.jobs[id]; ok {
		e.stopJob(old)
	}
	e.jobs[id] = j
}

// execute is the shared firing path. Delivery failures are contained here:
// they reach callers only through the persisted status and the log.
func (e *Engine) execute(m model.ScheduledMessage, p payload) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.SendTimeout)
	defer cancel()

	var err error
	if p.mediaPath != "" {
		err = e.exec.SendMedia(ctx, p.to, p.body, p.mediaPath)
	} else {
		err = e.exec.SendText(ctx, p.to, p.body)
	}

	now := time.Now()
	if err != nil {
		log.Printf("[scheduler] delivery failed for message %s: %v", m.ID, err)
		if m.Repeat && e.opts.RekindleRecurring {
			// Trigger stays armed; record the error but keep the record live.
			if serr := e.store.NoteScheduledError(m.ID, err.Error()); serr != nil {
				log.Printf("[scheduler] recording error note of %s: %v", m.ID, serr)
			}
			return
		}
		e.markFailed(&m, err.Error())
		e.Cancel(m.ID)
		return
	}

	if !m.Repeat {
		if serr := e.store.MarkScheduledSent(m.ID, now); serr != nil {
			log.Printf("[scheduler] persisting sent status of %s: %v", m.ID, serr)
		}
		e.Cancel(m.ID)
		return
	}
	// Recurring success: only the last-sent timestamp moves.
	if serr := e.store.TouchScheduledLastSent(m.ID, now); serr != nil {
		log.Printf("[scheduler] persisting last_sent_at of %s: %v", m.ID, serr)
	}
}

// Cancel stops and removes the in-memory job for the given ID. It is a silent
// no-op when no job is armed (already fired, already canceled, never armed)
// and never touches the persisted record. An execute call already past its
// delivery step is not interrupted; it finishes and writes its outcome.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		return
	}
	e.stopJob(j)
	delete(e.jobs, id)
}

// stopJob releases the underlying handle. Caller holds e.mu.
func (e *Engine) stopJob(j job) {
	if j.kind == oneTimeJob {
		j.timer.Stop()
	} else {
		e.cron.Remove(j.entry)
	}
}

// Armed reports whether a job is currently registered for the ID.
func (e *Engine) Armed(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.jobs[id]
	return ok
}

// JobCount returns the number of armed jobs.
func (e *Engine) JobCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

// markFailed persists a failure and mirrors it on the in-memory record so
// callers holding the record see the outcome. Store errors here are logged
// and swallowed; the engine keeps running.
func (e *Engine) markFailed(m *model.ScheduledMessage, reason string) {
	m.Status = model.StatusFailed
	m.Sent = false
	m.ErrorMessage = reason
	if err := e.store.MarkScheduledFailed(m.ID, reason); err != nil {
		log.Printf("[scheduler] persisting failed status of %s: %v", m.ID, err)
	}
}
