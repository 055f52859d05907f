// Package pool runs independent import tasks on a bounded set of goroutines.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Task is one unit of work submitted to a Pool.
type Task[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Result is the outcome of one Task.
type Result[T any] struct {
	Name  string
	Value T
	Err   error
	index int // Internal: used to maintain result order
}

// Pool executes tasks using a worker pool pattern.
type Pool[T any] struct {
	workers int
	logger  *slog.Logger
}

// New creates a pool with the specified number of worker goroutines.
// A pool with one worker runs tasks strictly in submission order.
func New[T any](workers int, logger *slog.Logger) *Pool[T] {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool[T]{
		workers: workers,
		logger:  logger,
	}
}

// Workers returns the number of worker goroutines.
func (p *Pool[T]) Workers() int {
	return p.workers
}

// Execute submits a batch of tasks to the pool and waits for all to complete.
// The returned results maintain the same order as the input tasks. A task
// that panics yields a Result carrying the panic as an error. If the context
// is cancelled, tasks not yet started are reported with ctx.Err().
func (p *Pool[T]) Execute(ctx context.Context, tasks []Task[T]) []Result[T] {
	if len(tasks) == 0 {
		return []Result[T]{}
	}

	workers := p.workers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	tasksChan := make(chan taskWithIndex[T], len(tasks))
	resultsChan := make(chan Result[T], len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go p.worker(ctx, tasksChan, resultsChan, &wg)
	}

	// The channel is buffered for every task, so this never blocks.
	for i, task := range tasks {
		tasksChan <- taskWithIndex[T]{task: task, index: i}
	}
	close(tasksChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]Result[T], 0, len(tasks))
	for result := range resultsChan {
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})

	return results
}

// taskWithIndex pairs a Task with its original index for ordering results.
type taskWithIndex[T any] struct {
	task  Task[T]
	index int
}

// worker processes tasks from the tasks channel and sends results to the results channel.
func (p *Pool[T]) worker(ctx context.Context, tasksChan <-chan taskWithIndex[T], resultsChan chan<- Result[T], wg *sync.WaitGroup) {
	defer wg.Done()

	for t := range tasksChan {
		if err := ctx.Err(); err != nil {
			resultsChan <- Result[T]{Name: t.task.Name, Err: err, index: t.index}
			continue
		}

		value, err := p.run(ctx, t.task)
		if err != nil {
			p.logger.Error("task failed", "task", t.task.Name, "error", err)
		} else {
			p.logger.Debug("task completed", "task", t.task.Name)
		}

		resultsChan <- Result[T]{
			Name:  t.task.Name,
			Value: value,
			Err:   err,
			index: t.index,
		}
	}
}

// run invokes a task, converting a panic into an error so one task cannot
// take the whole batch down.
func (p *Pool[T]) run(ctx context.Context, task Task[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	return task.Run(ctx)
}
