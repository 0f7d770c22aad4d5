// Package scheduler owns the per-source-address task runtime of spec.md
// §5: one goroutine per source, each running a single probe engine bound
// to one raw socket, started and stopped together. Grounded on the
// teacher's plugin.Registry (register → InitAll → StartAll → StopAll),
// generalized from "one goroutine per plugin" to "one goroutine per
// source address".
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/hpctprobe/internal/rawsocket"
)

// Runner is anything the scheduler can drive to completion inside a
// single goroutine — Traceroute, Ping and Burstping all satisfy this.
type Runner interface {
	Run(ctx context.Context) error
}

// Task is one scheduled (source address, engine, socket) triple.
type Task struct {
	ID     uuid.UUID
	Source netip.Addr
	Socket rawsocket.Socket
	Runner Runner

	logger *zap.Logger
	cancel context.CancelFunc
}

// Scheduler owns a set of Tasks and their goroutines.
type Scheduler struct {
	mu     sync.Mutex
	tasks  []*Task
	logger *zap.Logger
	wg     sync.WaitGroup
}

// New creates an empty scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger}
}

// AddTask registers a new task. It must be called before StartAll.
func (s *Scheduler) AddTask(source netip.Addr, socket rawsocket.Socket, runner Runner) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	t := &Task{
		ID:     id,
		Source: source,
		Socket: socket,
		Runner: runner,
		logger: s.logger.With(zap.String("task", id.String()), zap.Stringer("source", source)),
	}
	s.tasks = append(s.tasks, t)
	return t
}

// Tasks returns a snapshot of the currently registered tasks.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Task(nil), s.tasks...)
}

// StartAll launches one goroutine per task, each running until ctx is
// cancelled, StopAll is called, or the Runner returns on its own.
func (s *Scheduler) StartAll(ctx context.Context) {
	s.mu.Lock()
	tasks := append([]*Task(nil), s.tasks...)
	s.mu.Unlock()

	for _, t := range tasks {
		taskCtx, cancel := context.WithCancel(ctx)
		t.cancel = cancel

		s.wg.Add(1)
		go func(t *Task, taskCtx context.Context) {
			defer s.wg.Done()
			t.logger.Info("task starting")
			err := t.Runner.Run(taskCtx)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				t.logger.Error("task exited with error", zap.Error(err))
			} else {
				t.logger.Info("task stopped")
			}
			if cerr := t.Socket.Close(); cerr != nil {
				t.logger.Warn("socket close failed", zap.Error(cerr))
			}
		}(t, taskCtx)
	}
}

// StopAll cancels every task's context and waits for all goroutines to
// return (spec.md §5 graceful shutdown).
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	tasks := append([]*Task(nil), s.tasks...)
	s.mu.Unlock()

	for _, t := range tasks {
		if t.cancel != nil {
			t.cancel()
		}
	}
	s.wg.Wait()
}

// Wait blocks until every task has returned, without requesting
// cancellation — used when tasks are expected to stop on their own (e.g.
// a Ping with a bounded iteration count).
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

var errNoSuchTask = errors.New("scheduler: no such task")

// Remove cancels and forgets one task by ID, returning errNoSuchTask if
// unknown.
func (s *Scheduler) Remove(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.tasks {
		if t.ID == id {
			if t.cancel != nil {
				t.cancel()
			}
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", errNoSuchTask, id)
}
