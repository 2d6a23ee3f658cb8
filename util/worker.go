package util

import (
	"sync"

	"github.com/flowgrid/flowgrid/logger"
	"go.uber.org/zap"
)

type Task any

// Worker runs a handler over tasks pushed to a bounded channel. Used for
// work that must not block the caller, such as the write-behind persistence
// sink.
type Worker struct {
	name     string
	stop     chan struct{}
	wg       *sync.WaitGroup
	handler  func(Task) error
	taskChan chan Task
}

func NewWorker(name string, wg *sync.WaitGroup, handler func(Task) error, capacity int) *Worker {
	return &Worker{
		taskChan: make(chan Task, capacity),
		name:     name,
		wg:       wg,
		stop:     make(chan struct{}),
		handler:  handler,
	}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case task := <-w.taskChan:
				err := w.handler(task)
				if err != nil {
					logger.Error("error in executing task in worker", zap.String("worker", w.name), zap.Any("task", task), zap.Error(err))
				}
			case <-w.stop:
				logger.Info("stopping worker", zap.String("worker", w.name))
				return
			}
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.taskChan
}

func (w *Worker) Stop() {
	w.stop <- struct{}{}
}
