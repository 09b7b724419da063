// Copyright 2026 The Fieldlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so that the agent's timing behavior
// (reconnect pacing, the tunnel connect watchdog, change suppression
// windows, telemetry intervals) can be driven deterministically in
// tests. Production code injects Real(); tests inject Fake() and call
// Advance.
package clock

import "time"

// Clock is the time source injected into anything that schedules or
// measures time. Code under this module never calls the time package
// directly for Now, After, AfterFunc, NewTicker, or Sleep.
type Clock interface {
	Now() time.Time

	// After returns a channel that receives once d has elapsed.
	// A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run after d. The returned Timer
	// cancels the pending call via Stop; its C field is nil, matching
	// time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. C has capacity 1; ticks the
// consumer misses are dropped, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stopFunc  func()
	resetFunc func(time.Duration)
}

// Stop ends tick delivery. It does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Reset restarts the tick cycle with a new interval.
func (t *Ticker) Reset(d time.Duration) { t.resetFunc(d) }

// Timer is a scheduled one-shot event. Timers returned by AfterFunc
// have a nil C.
type Timer struct {
	C <-chan time.Time

	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop cancels the timer. It reports false when the timer already
// fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset rearms the timer to fire after d and reports whether it was
// still active.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop, resetFunc: timer.Reset}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stopFunc: ticker.Stop, resetFunc: ticker.Reset}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
