// Package jobmgr runs named background jobs, one-shot timers and fixed
// interval tickers with cancellation and in-memory tracking.
//
// Typical usage:
//
//	jm := jobmgr.NewManager(func(msg string) {
//	    log.Println("JOB:", msg)
//	})
//
//	jm.StartAfter("inactivity:123", 5*time.Minute, func(ctx context.Context) {
//	    // fires once unless stopped or replaced first
//	})
//
//	// later...
//	jm.Stop("inactivity:123")
//
// Names are unique. Starting a timer under a live name replaces the old one,
// which is how timers are reset. Nothing is persisted.
package jobmgr

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Job represents a running unit of work.
// Jobs are added and removed by Manager automatically.
type Job struct {
	Name    string
	Started time.Time
	Cancel  context.CancelFunc

	id uint64
}

// StatusReporter receives lifecycle events for jobs.
// Example messages:
//
//	running:poller
//	error:poller:store unavailable
//	fired:inactivity:123
//	done:poller
type StatusReporter func(string)

// Manager orchestrates starting, stopping and tracking jobs.
// It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	nextID   uint64
	Reporter StatusReporter
}

// NewManager creates a new Manager.
// The reporter callback may be nil.
func NewManager(reporter StatusReporter) *Manager {
	return &Manager{
		jobs:     make(map[string]*Job),
		Reporter: reporter,
	}
}

// register adds a job under name. With replace set, an existing job of the
// same name is cancelled first; otherwise it is an error.
func (m *Manager) register(name string, replace bool) (*Job, context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, exists := m.jobs[name]; exists {
		if !replace {
			return nil, nil, fmt.Errorf("job '%s' is already running", name)
		}
		old.Cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.nextID++
	job := &Job{Name: name, Started: time.Now(), Cancel: cancel, id: m.nextID}
	m.jobs[name] = job
	return job, ctx, nil
}

// release removes job if it is still the one registered under its name.
func (m *Manager) release(job *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.jobs[job.Name]; ok && cur.id == job.id {
		delete(m.jobs, job.Name)
	}
	job.Cancel()
}

// StartAfter runs fn once after d unless the job is stopped or replaced
// first. An existing job with the same name is replaced.
func (m *Manager) StartAfter(name string, d time.Duration, fn func(ctx context.Context)) {
	job, ctx, _ := m.register(name, true)

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// Drop the entry before running so fn may re-arm the same name.
		m.mu.Lock()
		if cur, ok := m.jobs[name]; !ok || cur.id != job.id {
			m.mu.Unlock()
			return
		}
		delete(m.jobs, name)
		m.mu.Unlock()

		m.report("fired:" + name)
		fn(ctx)
		job.Cancel()
	}()
}

// StartEvery runs fn every interval until stopped. Errors are reported and do
// not end the job. If a job with the same name is already running, an error
// is returned.
func (m *Manager) StartEvery(name string, interval time.Duration, fn func(ctx context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("job '%s': interval must be positive", name)
	}
	job, ctx, err := m.register(name, false)
	if err != nil {
		return err
	}

	go func() {
		defer m.release(job)
		m.report("running:" + name)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.report("done:" + name)
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					m.report("error:" + name + ":" + err.Error())
				}
			}
		}
	}()
	return nil
}

// Stop cancels a job by name and reports whether one was running.
func (m *Manager) Stop(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[name]
	if !ok {
		return false
	}
	job.Cancel()
	delete(m.jobs, name)
	return true
}

// StopPrefix cancels every job whose name starts with prefix and returns how
// many were stopped.
func (m *Manager) StopPrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for name, job := range m.jobs {
		if strings.HasPrefix(name, prefix) {
			job.Cancel()
			delete(m.jobs, name)
			n++
		}
	}
	return n
}

// StopAll cancels every job.
func (m *Manager) StopAll() {
	m.StopPrefix("")
}

// Running reports whether a job with the given name is live.
func (m *Manager) Running(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[name]
	return ok
}

// report delivers lifecycle messages to the reporter if present.
func (m *Manager) report(s string) {
	if m.Reporter != nil {
		m.Reporter(s)
	}
}
