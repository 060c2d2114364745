package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/xqbumu/go-taskfarm"
)

// squareTask asks a worker to square Start.
type squareTask struct {
	taskfarm.TaskBase
	Start float64 `json:"start"`
}

// squareResult carries the squared value back to the server.
type squareResult struct {
	TaskID uint64  `json:"task_id"`
	Value  float64 `json:"value"`
}

func (r *squareResult) Description() string {
	return fmt.Sprintf("square of task %d = %g", r.TaskID, r.Value)
}

func init() {
	taskfarm.RegisterPayloadType("demo.square_task", func() any { return &squareTask{} })
	taskfarm.RegisterPayloadType("demo.square_result", func() any { return &squareResult{} })
}

func newSquareTask(start float64) *squareTask {
	return &squareTask{TaskBase: taskfarm.NewTaskBase(), Start: start}
}

// square is the worker side computation. delay simulates a longer calculation.
func square(delay time.Duration) taskfarm.TaskFunc {
	return func(ctx context.Context, task any) (any, error) {
		t, ok := task.(*squareTask)
		if !ok {
			return nil, fmt.Errorf("%w: got %T", taskfarm.ErrUnexpectedPayload, task)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &squareResult{TaskID: t.TaskID(), Value: math.Pow(t.Start, 2)}, nil
	}
}

// squareProducer adds a batch of tasks on every scheduled run.
type squareProducer struct {
	count int
	next  float64
}

func (p *squareProducer) Produce(ctx context.Context) ([]*squareTask, error) {
	tasks := make([]*squareTask, 0, p.count)
	for range p.count {
		tasks = append(tasks, newSquareTask(p.next))
		p.next++
	}
	return tasks, nil
}
