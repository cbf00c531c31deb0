package plugin

import (
	"context"
	"fmt"
	"time"
)

// DelayPlugin — плагин типа "delay": пауза на заданное время.
//
// Config:
//   - duration_sec (number): длительность паузы в секундах (обязательно, > 0)
//
// Output:
//   - slept_sec (number): фактическая длительность
//
// Отмена контекста прерывает паузу.
type DelayPlugin struct{}

// Execute ждёт заданное время или отмену контекста.
func (p *DelayPlugin) Execute(ctx context.Context, call Call) (*Result, error) {
	sec := getFloat(call.Config, "duration_sec", 0)
	if sec <= 0 {
		return nil, Fatal(fmt.Errorf("%w: delay plugin requires positive \"duration_sec\"", ErrBadConfig))
	}
	duration := time.Duration(sec * float64(time.Second))

	start := time.Now()
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return &Result{
			Output: map[string]any{"slept_sec": time.Since(start).Seconds()},
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
