// Package session serializes the render calls of a note. Every HTTP request
// may try to render, but only the one that flips the StopAndGo running flag
// walks the waiting cycles; the others return immediately and their chunks
// are picked up by the runner.
package session

import (
	"context"
	"errors"

	"ambient-scribe-be/internal/pkg/logger"
	"ambient-scribe-be/internal/repository/contract"
	"ambient-scribe-be/pkg/store"
)

var ErrSessionEnded = errors.New("session: ended")

// errUnchanged aborts an update that has nothing to write.
var errUnchanged = errors.New("session: unchanged")

// Acquisition is the outcome of trying to become the note's runner.
type Acquisition int

const (
	Acquired Acquisition = iota // the caller owns the running flag
	Busy                        // another worker is rendering
	Stuck                       // the runner was presumed dead and its flag cleared
)

func (a Acquisition) String() string {
	switch a {
	case Acquired:
		return "acquired"
	case Busy:
		return "busy"
	case Stuck:
		return "stuck"
	}
	return "unknown"
}

// Ticket is a consumed waiting cycle handed to the runner.
type Ticket struct {
	Cycle  int
	Delay  int // seconds to wait before rendering
	Paused bool
}

type Manager struct {
	repo       contract.StopAndGoRepository
	maxWaiting int
	logger     logger.ILogger
}

func NewManager(repo contract.StopAndGoRepository, maxWaiting int, log logger.ILogger) *Manager {
	if maxWaiting <= 0 {
		maxWaiting = store.MaxWaitingCycles
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Manager{repo: repo, maxWaiting: maxWaiting, logger: log}
}

func (m *Manager) State(ctx context.Context, noteUUID string) (*store.StopAndGo, error) {
	return m.repo.Get(ctx, noteUUID)
}

// Reset starts a fresh session for the note. A runner still walking the
// previous session keeps its flag; it releases it when it finds nothing left.
func (m *Manager) Reset(ctx context.Context, noteUUID string) (*store.StopAndGo, error) {
	return m.repo.Update(ctx, noteUUID, func(sg *store.StopAndGo) error {
		running := sg.IsRunning
		sg.Reset()
		sg.SetRunning(running)
		return nil
	})
}

// Enqueue queues a chunk index. It reports whether the index was new.
func (m *Manager) Enqueue(ctx context.Context, noteUUID string, index int) (*store.StopAndGo, bool, error) {
	accepted := false
	sg, err := m.repo.Update(ctx, noteUUID, func(sg *store.StopAndGo) error {
		if sg.IsEnded {
			return ErrSessionEnded
		}
		accepted = sg.AddWaitingCycle(index)
		if !accepted {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		sg, err = m.repo.Get(ctx, noteUUID)
	}
	if err != nil {
		return nil, false, err
	}
	return sg, accepted, nil
}

// Acquire is the test-and-set of the running flag.
func (m *Manager) Acquire(ctx context.Context, noteUUID string) (Acquisition, *store.StopAndGo, error) {
	outcome := Acquired
	sg, err := m.repo.Update(ctx, noteUUID, func(sg *store.StopAndGo) error {
		if !sg.IsRunning {
			sg.SetRunning(true)
			outcome = Acquired
			return nil
		}
		if sg.IsStuck(m.maxWaiting) {
			sg.ClearStuck()
			outcome = Stuck
			return nil
		}
		outcome = Busy
		return errUnchanged
	})
	if errors.Is(err, errUnchanged) {
		sg, err = m.repo.Get(ctx, noteUUID)
	}
	if err != nil {
		return Busy, nil, err
	}
	if outcome == Stuck {
		m.logger.Warn("StopAndGo", "Running flag cleared on stuck session", map[string]interface{}{
			"note_uuid":      noteUUID,
			"waiting_cycles": sg.WaitingCycles,
			"cycle":          sg.Cycle,
		})
	}
	return outcome, sg, nil
}

// Next consumes the FIFO head. ok is false when nothing is waiting.
func (m *Manager) Next(ctx context.Context, noteUUID string) (Ticket, bool, error) {
	var ticket Ticket
	found := false
	_, err := m.repo.Update(ctx, noteUUID, func(sg *store.StopAndGo) error {
		cycle, ok := sg.ConsumeNextWaitingCycle()
		if !ok {
			return errUnchanged
		}
		found = true
		ticket = Ticket{Cycle: cycle, Delay: sg.Delay, Paused: sg.IsPaused}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return Ticket{}, false, nil
	}
	if err != nil {
		return Ticket{}, false, err
	}
	return ticket, found, nil
}

// Complete files the effects of a cycle. While paused they are deferred and
// nothing is returned; otherwise they come back for immediate release.
func (m *Manager) Complete(ctx context.Context, noteUUID string, effects []store.Effect) ([]store.Effect, bool, error) {
	var release []store.Effect
	paused := false
	_, err := m.repo.Update(ctx, noteUUID, func(sg *store.StopAndGo) error {
		release = nil
		paused = sg.IsPaused
		if !paused {
			release = effects
			return errUnchanged
		}
		if len(effects) == 0 {
			return errUnchanged
		}
		sg.AddPausedEffects(effects...)
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return nil, false, err
	}
	return release, paused, nil
}

// Release drops the running flag. The returned state tells the caller
// whether the session must be finalised.
func (m *Manager) Release(ctx context.Context, noteUUID string) (*store.StopAndGo, error) {
	return m.repo.Update(ctx, noteUUID, func(sg *store.StopAndGo) error {
		sg.SetRunning(false)
		return nil
	})
}

// ShouldFinalise is true once the session ended and every cycle was rendered.
func ShouldFinalise(sg *store.StopAndGo) bool {
	return sg.IsEnded && !sg.IsRunning && !sg.HasWaitingCycles()
}

func (m *Manager) Pause(ctx context.Context, noteUUID string) (*store.StopAndGo, error) {
	return m.repo.Update(ctx, noteUUID, func(sg *store.StopAndGo) error {
		if sg.IsEnded {
			return ErrSessionEnded
		}
		sg.SetPaused(true)
		return nil
	})
}

// Resume un-pauses the note and hands back the deferred effects.
func (m *Manager) Resume(ctx context.Context, noteUUID string) (*store.StopAndGo, []store.Effect, error) {
	var released []store.Effect
	sg, err := m.repo.Update(ctx, noteUUID, func(sg *store.StopAndGo) error {
		sg.SetPaused(false)
		released = sg.ConsumePausedEffects()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return sg, released, nil
}

// End marks the session ended. Effects still deferred by a pause are
// released, since nobody will resume the note any more.
func (m *Manager) End(ctx context.Context, noteUUID string) (*store.StopAndGo, []store.Effect, error) {
	var released []store.Effect
	sg, err := m.repo.Update(ctx, noteUUID, func(sg *store.StopAndGo) error {
		sg.SetEnded(true)
		sg.SetPaused(false)
		released = sg.ConsumePausedEffects()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return sg, released, nil
}

// Restore hands back effects whose delivery failed after Resume or End, so a
// retry releases them again. repause puts a resumed note back on hold.
func (m *Manager) Restore(ctx context.Context, noteUUID string, effects []store.Effect, repause bool) (*store.StopAndGo, error) {
	return m.repo.Update(ctx, noteUUID, func(sg *store.StopAndGo) error {
		sg.RestorePausedEffects(effects...)
		if repause && !sg.IsEnded {
			sg.SetPaused(true)
		}
		return nil
	})
}

func (m *Manager) SetDelay(ctx context.Context, noteUUID string, seconds int) (*store.StopAndGo, error) {
	return m.repo.Update(ctx, noteUUID, func(sg *store.StopAndGo) error {
		sg.SetDelay(seconds)
		return nil
	})
}
