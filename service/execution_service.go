package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowgrid/flowgrid/engine"
	"github.com/flowgrid/flowgrid/flow"
	"github.com/flowgrid/flowgrid/logger"
	"github.com/flowgrid/flowgrid/metadata"
	"github.com/flowgrid/flowgrid/model"
	"github.com/flowgrid/flowgrid/persistence"
	"github.com/flowgrid/flowgrid/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const streamBufferSize = 64

// eventQueue buffers step events without bound so the engine side of a
// stream never blocks on a slow consumer; only delivery is delayed.
type eventQueue struct {
	mu     sync.Mutex
	events []model.StepEvent
	closed bool
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev model.StepEvent) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain hands over everything queued so far and reports whether the
// producer is done.
func (q *eventQueue) drain() ([]model.StepEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	evs := q.events
	q.events = nil
	return evs, q.closed
}

// executionEntry is the controller's own view of a running execution. The
// engine works on a private record; the entry is updated from step events
// and replaced with the final record when the run ends, so reads never race
// with the engine goroutine.
type executionEntry struct {
	mu     sync.Mutex
	rec    *model.ExecutionRecord
	cancel *engine.Cancellation
}

type WorkflowExecutionService struct {
	metadataService metadata.Service
	engine          *engine.Engine
	dao             persistence.ExecutionDao

	mu      sync.RWMutex
	entries map[string]*executionEntry

	dirty   sync.Map
	flusher *util.TickWorker
	wg      sync.WaitGroup
}

func NewWorkflowExecutionService(metadataService metadata.Service, eng *engine.Engine, dao persistence.ExecutionDao, flushInterval time.Duration) *WorkflowExecutionService {
	s := &WorkflowExecutionService{
		metadataService: metadataService,
		engine:          eng,
		dao:             dao,
		entries:         make(map[string]*executionEntry),
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	s.flusher = util.NewTickWorker("execution-flusher", flushInterval, s.flush, &s.wg)
	s.flusher.Start()
	return s
}

// StartSync runs the workflow to completion and returns the final record.
func (s *WorkflowExecutionService) StartSync(ctx context.Context, req model.WorkflowRunRequest) (*model.ExecutionRecord, error) {
	fl, entry, rec, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	s.run(ctx, fl, entry, rec, req, nil)
	return s.GetExecution(rec.ExecutionId)
}

// StartAsync schedules the workflow and returns its execution id
// immediately. Progress is observed through GetExecution.
func (s *WorkflowExecutionService) StartAsync(req model.WorkflowRunRequest) (string, error) {
	fl, entry, rec, err := s.prepare(req)
	if err != nil {
		return "", err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(context.Background(), fl, entry, rec, req, nil)
	}()
	return rec.ExecutionId, nil
}

// StartStream schedules the workflow and returns a channel of step events
// in wave order. The engine publishes into an unbounded queue and a
// publisher goroutine forwards from it, so a slow reader delays delivery,
// never execution. The channel is closed when the run reaches a terminal
// status or ctx is done.
func (s *WorkflowExecutionService) StartStream(ctx context.Context, req model.WorkflowRunRequest) (string, <-chan model.StepEvent, error) {
	fl, entry, rec, err := s.prepare(req)
	if err != nil {
		return "", nil, err
	}
	queue := newEventQueue()
	out := make(chan model.StepEvent, streamBufferSize)
	// the publisher is bound to the consumer's ctx, not the service
	// lifecycle: a consumer that never reads must not block Stop
	go func() {
		defer close(out)
		for {
			evs, closed := queue.drain()
			for _, ev := range evs {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			if closed {
				return
			}
			select {
			case <-queue.notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(context.Background(), fl, entry, rec, req, queue)
	}()
	return rec.ExecutionId, out, nil
}

// GetExecution returns a snapshot of the execution. Live executions are
// served from memory; finished ones fall through to the persistence layer.
func (s *WorkflowExecutionService) GetExecution(executionId string) (*model.ExecutionRecord, error) {
	s.mu.RLock()
	entry, ok := s.entries[executionId]
	s.mu.RUnlock()
	if ok {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		return copyRecord(entry.rec), nil
	}
	return s.dao.GetExecution(executionId)
}

// Cancel flips the execution's cancel token. Steps already in flight run to
// completion but their results are discarded; no further work is scheduled.
// Cancelling a terminal execution is a no-op.
func (s *WorkflowExecutionService) Cancel(executionId string) error {
	s.mu.RLock()
	entry, ok := s.entries[executionId]
	s.mu.RUnlock()
	if !ok {
		if _, err := s.dao.GetExecution(executionId); err == nil {
			return nil
		}
		return fmt.Errorf("execution %s not found", executionId)
	}
	entry.mu.Lock()
	terminal := entry.rec.Terminal()
	entry.mu.Unlock()
	if terminal {
		return nil
	}
	logger.Info("cancelling execution", zap.String("executionId", executionId))
	entry.cancel.Cancel()
	return nil
}

// Stop halts the flusher, waits for in-flight runs and writes out every
// dirty record.
func (s *WorkflowExecutionService) Stop() {
	s.flusher.Stop()
	s.wg.Wait()
	s.flush()
}

func (s *WorkflowExecutionService) prepare(req model.WorkflowRunRequest) (*flow.Flow, *executionEntry, *model.ExecutionRecord, error) {
	fl, err := s.metadataService.GetFlow(req.Name)
	if err != nil {
		return nil, nil, nil, err
	}
	rec := newRecord(fl)
	entry := &executionEntry{
		rec:    copyRecord(rec),
		cancel: engine.NewCancellation(),
	}
	s.mu.Lock()
	s.entries[rec.ExecutionId] = entry
	s.mu.Unlock()
	logger.Info("starting workflow",
		zap.String("workflow", req.Name),
		zap.String("executionId", rec.ExecutionId),
		zap.String("mode", string(req.Mode)))
	return fl, entry, rec, nil
}

func (s *WorkflowExecutionService) run(ctx context.Context, fl *flow.Flow, entry *executionEntry, rec *model.ExecutionRecord, req model.WorkflowRunRequest, sink *eventQueue) {
	opts := engine.RunOptions{
		UserId:    req.UserId,
		SessionId: req.SessionId,
		Cancel:    entry.cancel,
		Publish: func(ev model.StepEvent) {
			s.applyEvent(entry, ev)
			if sink != nil {
				sink.push(ev)
			}
		},
	}
	s.engine.Run(ctx, fl, rec, req.Input, opts)
	entry.mu.Lock()
	entry.rec = copyRecord(rec)
	entry.mu.Unlock()
	s.dirty.Store(rec.ExecutionId, struct{}{})
	if sink != nil {
		sink.close()
	}
}

func (s *WorkflowExecutionService) applyEvent(entry *executionEntry, ev model.StepEvent) {
	entry.mu.Lock()
	entry.rec.Status = model.EXECUTION_RUNNING
	entry.rec.Steps[ev.StepId] = &model.StepResult{
		StepId: ev.StepId,
		Status: ev.Status,
		Result: ev.Result,
		Error:  ev.Error,
	}
	entry.mu.Unlock()
	s.dirty.Store(ev.ExecutionId, struct{}{})
}

// flush writes dirty records behind the live view and evicts entries whose
// execution has reached a terminal status.
func (s *WorkflowExecutionService) flush() {
	s.dirty.Range(func(key, _ any) bool {
		executionId := key.(string)
		s.dirty.Delete(executionId)
		s.mu.RLock()
		entry, ok := s.entries[executionId]
		s.mu.RUnlock()
		if !ok {
			return true
		}
		entry.mu.Lock()
		snapshot := copyRecord(entry.rec)
		entry.mu.Unlock()
		if err := s.dao.SaveExecution(snapshot); err != nil {
			logger.Error("error flushing execution", zap.String("executionId", executionId), zap.Error(err))
			s.dirty.Store(executionId, struct{}{})
			return true
		}
		if snapshot.Terminal() {
			s.mu.Lock()
			delete(s.entries, executionId)
			s.mu.Unlock()
		}
		return true
	})
}

func newRecord(fl *flow.Flow) *model.ExecutionRecord {
	rec := &model.ExecutionRecord{
		ExecutionId:  uuid.New().String(),
		WorkflowName: fl.Def.Name,
		Status:       model.EXECUTION_PENDING,
		Steps:        make(map[string]*model.StepResult, len(fl.Steps)),
	}
	for id := range fl.Steps {
		rec.Steps[id] = &model.StepResult{StepId: id, Status: model.STEP_PENDING}
	}
	return rec
}

func copyRecord(rec *model.ExecutionRecord) *model.ExecutionRecord {
	cp := *rec
	cp.Steps = make(map[string]*model.StepResult, len(rec.Steps))
	for k, v := range rec.Steps {
		sr := *v
		cp.Steps[k] = &sr
	}
	return &cp
}
