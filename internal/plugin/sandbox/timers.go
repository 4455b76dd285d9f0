// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package sandbox

import (
	"sync"
	"time"

	"github.com/memorynote/pluginrt/pkg/plugin"
)

// timers schedules plugin callbacks that die with the sandbox.
type timers struct {
	s *Sandbox
}

var noopDisposable = plugin.DisposableFunc(func() {})

// AfterFunc runs fn once after d unless the timer is disposed or the
// sandbox is destroyed first.
func (t *timers) AfterFunc(d time.Duration, fn func()) plugin.Disposable {
	s := t.s
	var (
		mu sync.Mutex
		tm *time.Timer
	)
	id, ok := s.trackTimer(func() {
		mu.Lock()
		defer mu.Unlock()
		if tm != nil {
			tm.Stop()
		}
	})
	if !ok {
		return noopDisposable
	}

	mu.Lock()
	tm = time.AfterFunc(d, func() {
		s.forgetTimer(id)
		if s.IsDestroyed() {
			return
		}
		s.runCallback("timeout", fn)
	})
	mu.Unlock()
	return plugin.DisposableFunc(func() { s.cancelTimer(id) })
}

// Every runs fn every d until disposed or the sandbox is destroyed.
func (t *timers) Every(d time.Duration, fn func()) plugin.Disposable {
	s := t.s
	done := make(chan struct{})
	stop := sync.OnceFunc(func() { close(done) })

	id, ok := s.trackTimer(stop)
	if !ok {
		return noopDisposable
	}

	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if s.IsDestroyed() {
					return
				}
				s.runCallback("interval", fn)
			}
		}
	}()
	return plugin.DisposableFunc(func() { s.cancelTimer(id) })
}

// trackTimer records cancel. It reports false when the sandbox is already
// destroyed.
func (s *Sandbox) trackTimer(cancel func()) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return 0, false
	}
	s.timerSeq++
	s.timers[s.timerSeq] = cancel
	return s.timerSeq, true
}

func (s *Sandbox) forgetTimer(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
}

func (s *Sandbox) cancelTimer(id uint64) {
	s.mu.Lock()
	cancel, ok := s.timers[id]
	delete(s.timers, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// ActiveTimers returns the number of pending timers and intervals.
func (s *Sandbox) ActiveTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
