package store

import "time"

// MaxWaitingCycles is the backlog size above which a running note is
// considered stuck: the worker holding the running flag is presumed dead.
const MaxWaitingCycles = 5

// StopAndGo is the per-note capture state shared by every worker process.
type StopAndGo struct {
	NoteUUID      string    `json:"note_uuid"`
	IsRunning     bool      `json:"is_running"`
	IsPaused      bool      `json:"is_paused"`
	IsEnded       bool      `json:"is_ended"`
	Cycle         int       `json:"cycle"`
	WaitingCycles []int     `json:"waiting_cycles"`
	PausedEffects []Effect  `json:"paused_effects"`
	Delay         int       `json:"delay"` // seconds, applied before the next cycle
	Version       int64     `json:"version"`
	Created       time.Time `json:"created"`
	Updated       time.Time `json:"updated"`
}

func NewStopAndGo(noteUUID string) *StopAndGo {
	now := time.Now().UTC()
	return &StopAndGo{
		NoteUUID:      noteUUID,
		WaitingCycles: []int{},
		PausedEffects: []Effect{},
		Created:       now,
		Updated:       now,
	}
}

func (s *StopAndGo) SetRunning(running bool) *StopAndGo {
	s.IsRunning = running
	return s
}

func (s *StopAndGo) SetPaused(paused bool) *StopAndGo {
	s.IsPaused = paused
	return s
}

func (s *StopAndGo) SetEnded(ended bool) *StopAndGo {
	s.IsEnded = ended
	return s
}

func (s *StopAndGo) SetDelay(seconds int) *StopAndGo {
	if seconds < 0 {
		seconds = 0
	}
	s.Delay = seconds
	return s
}

// AddWaitingCycle queues a chunk index. Indices already consumed or already
// queued are ignored, as is anything arriving after the session ended.
func (s *StopAndGo) AddWaitingCycle(index int) bool {
	if s.IsEnded || index <= s.Cycle {
		return false
	}
	for _, waiting := range s.WaitingCycles {
		if waiting == index {
			return false
		}
	}
	s.WaitingCycles = append(s.WaitingCycles, index)
	return true
}

// ConsumeNextWaitingCycle pops the FIFO head and makes it the current cycle.
func (s *StopAndGo) ConsumeNextWaitingCycle() (int, bool) {
	if len(s.WaitingCycles) == 0 {
		return 0, false
	}
	next := s.WaitingCycles[0]
	s.WaitingCycles = s.WaitingCycles[1:]
	if next > s.Cycle {
		s.Cycle = next
	}
	return next, true
}

func (s *StopAndGo) HasWaitingCycles() bool {
	return len(s.WaitingCycles) > 0
}

func (s *StopAndGo) AddPausedEffects(effects ...Effect) {
	s.PausedEffects = append(s.PausedEffects, effects...)
}

// ConsumePausedEffects returns the deferred effects and empties the list.
func (s *StopAndGo) ConsumePausedEffects() []Effect {
	effects := s.PausedEffects
	s.PausedEffects = []Effect{}
	return effects
}

// RestorePausedEffects puts effects that could not be delivered back in
// front of the deferred list, keeping their original order.
func (s *StopAndGo) RestorePausedEffects(effects ...Effect) {
	s.PausedEffects = append(append([]Effect{}, effects...), s.PausedEffects...)
}

// IsStuck reports whether the running flag is held while the backlog grew
// beyond maxWaiting. A non-positive maxWaiting uses MaxWaitingCycles.
func (s *StopAndGo) IsStuck(maxWaiting int) bool {
	if maxWaiting <= 0 {
		maxWaiting = MaxWaitingCycles
	}
	return s.IsRunning && len(s.WaitingCycles) > maxWaiting
}

// ClearStuck drops the running flag so the next request can take over.
func (s *StopAndGo) ClearStuck() *StopAndGo {
	s.IsRunning = false
	return s
}

// Reset starts a fresh capture session for the same note.
func (s *StopAndGo) Reset() *StopAndGo {
	s.IsRunning = false
	s.IsPaused = false
	s.IsEnded = false
	s.Cycle = 0
	s.Delay = 0
	s.WaitingCycles = []int{}
	s.PausedEffects = []Effect{}
	s.Created = time.Now().UTC()
	return s
}

// Clone returns a deep copy, so stores never hand out shared slices.
func (s *StopAndGo) Clone() *StopAndGo {
	c := *s
	c.WaitingCycles = append([]int{}, s.WaitingCycles...)
	c.PausedEffects = make([]Effect, len(s.PausedEffects))
	for i, e := range s.PausedEffects {
		c.PausedEffects[i] = e.Clone()
	}
	return &c
}
