// Package timing models human response latency so replies never go out instantly.
package timing

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Complexity selects the thinking-time range of a delay.
type Complexity string

const (
	Simple  Complexity = "simple"
	Normal  Complexity = "normal"
	Complex Complexity = "complex"
)

// Delay bounds.
const (
	MinDelay = 3 * time.Second
	MaxDelay = 30 * time.Second
)

const (
	wordsPerMinute   = 250.0
	longMessageChars = 100
)

// Delay computes a randomized human-like delay for a message of the given length.
// The result always lies in [MinDelay, MaxDelay].
func Delay(messageLength int, complexity Complexity) time.Duration {
	return delayWith(rand.Float64, messageLength, complexity)
}

func delayWith(rnd func() float64, messageLength int, complexity Complexity) time.Duration {
	uniform := func(lo, hi float64) float64 { return lo + rnd()*(hi-lo) }

	reading := math.Max(1.0, float64(messageLength)/wordsPerMinute*60)

	var thinking float64
	switch complexity {
	case Simple:
		thinking = uniform(2, 5)
	case Complex:
		thinking = uniform(8, 15)
	default:
		thinking = uniform(4, 10)
	}
	if messageLength > longMessageChars {
		thinking += uniform(2, 6)
	}

	typing := uniform(3, 8)

	total := (reading + thinking + typing) * uniform(0.75, 1.25)
	total = math.Max(MinDelay.Seconds(), math.Min(MaxDelay.Seconds(), total))
	return time.Duration(total * float64(time.Second))
}

// Delayer applies delays. The zero value is disabled and never sleeps, which is what tests use.
type Delayer struct {
	enabled bool
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Delayer.
type Option func(*Delayer)

// WithSleep replaces the sleep function, mainly for tests that observe requested durations.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Delayer) { d.sleep = fn }
}

// NewDelayer returns a Delayer that sleeps when enabled is true.
func NewDelayer(enabled bool, opts ...Option) *Delayer {
	d := &Delayer{enabled: enabled, sleep: sleepContext}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Disabled returns a Delayer that never sleeps.
func Disabled() *Delayer {
	return &Delayer{}
}

// Enabled reports whether Apply will sleep.
func (d *Delayer) Enabled() bool {
	return d != nil && d.enabled
}

// Apply blocks the caller for a computed delay and returns it. When disabled it returns 0
// immediately. A cancelled context cuts the sleep short and its error is returned.
func (d *Delayer) Apply(ctx context.Context, messageLength int, complexity Complexity) (time.Duration, error) {
	if !d.Enabled() {
		return 0, nil
	}
	delay := Delay(messageLength, complexity)
	slog.Debug("Delayer.Apply: waiting before reply", "delay", delay, "complexity", complexity, "message_length", messageLength)
	sleep := d.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	if err := sleep(ctx, delay); err != nil {
		return 0, err
	}
	return delay, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
