package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"ambient-scribe-be/internal/dto"
	"ambient-scribe-be/internal/entity"
	"ambient-scribe-be/internal/repository/contract"
	"ambient-scribe-be/internal/repository/memory"
	"ambient-scribe-be/internal/repository/specification"
	"ambient-scribe-be/internal/repository/unitofwork"
	"ambient-scribe-be/pkg/blob"
	blobMemory "ambient-scribe-be/pkg/blob/memory"
	captureEvents "ambient-scribe-be/pkg/capture/events"
	"ambient-scribe-be/pkg/capture/session"
	"ambient-scribe-be/pkg/llm"
	"ambient-scribe-be/pkg/scribe"
	"ambient-scribe-be/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	detectReply = `{"instructions":[{"uuid":"","instruction":"prescription","information":"ibuprofen 400mg twice a day","isNew":true}]}`
	paramsReply = `{"medication":"ibuprofen 400mg","sig":"twice a day"}`
)

type fakeChat struct{}

func (fakeChat) Chat(_ context.Context, history []llm.Message, _ ...llm.Option) (string, error) {
	system := history[0].Content
	switch {
	case strings.Contains(system, "clinical scribe"):
		return detectReply, nil
	case strings.Contains(system, `"prescription" command`):
		return paramsReply, nil
	}
	return "", errors.New("unexpected prompt")
}

type fakeTranscriber struct{}

func (fakeTranscriber) Transcribe(_ context.Context, audio []byte, _ string) (string, error) {
	return "let's start ibuprofen " + string(audio), nil
}

type fakeEvents struct {
	mu           sync.Mutex
	effectsErr   error
	effectsReady [][]store.Effect
	started      int
	paused       int
	resumed      []int
	ended        []string
	stuck        [][]int
	cycles       []int
}

var _ captureEvents.Publisher = &fakeEvents{}

func (f *fakeEvents) PublishSessionStarted(context.Context, string, string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeEvents) PublishCycleCompleted(_ context.Context, _ string, cycle, _, _ int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cycles = append(f.cycles, cycle)
}

func (f *fakeEvents) PublishEffectsReady(_ context.Context, _ string, effects []store.Effect) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.effectsErr != nil {
		return f.effectsErr
	}
	f.effectsReady = append(f.effectsReady, effects)
	return nil
}

func (f *fakeEvents) PublishSessionPaused(context.Context, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused++
}

func (f *fakeEvents) PublishSessionResumed(_ context.Context, _ string, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, released)
}

func (f *fakeEvents) PublishSessionEnded(_ context.Context, _ string, finalLogKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, finalLogKey)
}

func (f *fakeEvents) PublishSessionStuck(_ context.Context, _ string, waiting []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stuck = append(f.stuck, waiting)
}

type fakeEhr struct {
	mu        sync.Mutex
	patient   *store.PatientContext
	submitted [][]store.Effect
	submitErr error
}

func (f *fakeEhr) FetchPatientContext(_ context.Context, patientUUID string) (*store.PatientContext, error) {
	if f.patient == nil {
		return nil, errors.New("no chart")
	}
	p := *f.patient
	p.PatientUUID = patientUUID
	return &p, nil
}

func (f *fakeEhr) SubmitEffects(_ context.Context, _ string, effects []store.Effect) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, effects)
	return nil
}

type fakeProgress struct {
	mu       sync.Mutex
	messages []store.ProgressMessage
}

func (f *fakeProgress) Send(noteUUID, message, section string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, store.ProgressMessage{NoteUUID: noteUUID, Message: message, Section: section})
}

func (f *fakeProgress) last() store.ProgressMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[len(f.messages)-1]
}

type fakeQueue struct {
	mu       sync.Mutex
	requests []dto.RenderNoteMessage
}

func (f *fakeQueue) RequestRender(_ context.Context, msg dto.RenderNoteMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, msg)
	return nil
}

type fakeAlerts struct {
	notes []string
}

func (f *fakeAlerts) SendStuckSession(noteUUID string, _ []int, _ int) error {
	f.notes = append(f.notes, noteUUID)
	return nil
}

type fakeCycleRecords struct {
	mu   sync.Mutex
	rows map[string]*entity.CycleRecord
}

func (f *fakeCycleRecords) Upsert(_ context.Context, record *entity.CycleRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[fmt.Sprintf("%s/%03d", record.NoteUUID, record.Cycle)] = record
	return nil
}

func (f *fakeCycleRecords) FindOne(context.Context, ...specification.Specification) (*entity.CycleRecord, error) {
	return nil, nil
}

func (f *fakeCycleRecords) FindAll(_ context.Context, specs ...specification.Specification) ([]*entity.CycleRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	note := ""
	effectsOnly := false
	page := specification.Pagination{}
	for _, s := range specs {
		switch spec := s.(type) {
		case specification.ByNoteUUID:
			note = spec.NoteUUID
		case specification.WithEffectsOnly:
			effectsOnly = true
		case specification.Pagination:
			page = spec
		}
	}
	keys := make([]string, 0, len(f.rows))
	for k, r := range f.rows {
		if r.NoteUUID == note && (!effectsOnly || len(r.Effects) > 0) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]*entity.CycleRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, f.rows[k])
	}
	if page.Limit > 0 {
		if page.Offset >= len(out) {
			return []*entity.CycleRecord{}, nil
		}
		out = out[page.Offset:]
		if len(out) > page.Limit {
			out = out[:page.Limit]
		}
	}
	return out, nil
}

func (f *fakeCycleRecords) Count(context.Context, ...specification.Specification) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows)), nil
}

func (f *fakeCycleRecords) DeleteByNote(_ context.Context, noteUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, r := range f.rows {
		if r.NoteUUID == noteUUID {
			delete(f.rows, k)
		}
	}
	return nil
}

type fakeUow struct {
	records *fakeCycleRecords
}

func (u *fakeUow) Begin(context.Context) error { return nil }
func (u *fakeUow) Commit() error                { return nil }
func (u *fakeUow) Rollback() error              { return nil }

func (u *fakeUow) CycleRecordRepository() contract.CycleRecordRepository { return u.records }

type fakeFactory struct {
	uow *fakeUow
}

func (f *fakeFactory) NewUnitOfWork(context.Context) unitofwork.UnitOfWork { return f.uow }

// flakyStopAndGo fails the failAt-th Update after it is installed.
type flakyStopAndGo struct {
	*memory.StopAndGoRepository
	mu     sync.Mutex
	calls  int
	failAt int
}

func (f *flakyStopAndGo) Update(ctx context.Context, noteUUID string, fn func(sg *store.StopAndGo) error) (*store.StopAndGo, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls == f.failAt
	f.mu.Unlock()
	if fail {
		return nil, contract.ErrTooManyRetries
	}
	return f.StopAndGoRepository.Update(ctx, noteUUID, fn)
}

type harness struct {
	svc      *captureService
	repo     *memory.StopAndGoRepository
	blobs    *blobMemory.Store
	events   *fakeEvents
	ehr      *fakeEhr
	progress *fakeProgress
	queue    *fakeQueue
	alerts   *fakeAlerts
	records  *fakeCycleRecords
	slept    []time.Duration
	note     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     memory.NewStopAndGoRepository(time.Hour),
		blobs:    blobMemory.New(),
		events:   &fakeEvents{},
		ehr:      &fakeEhr{patient: &store.PatientContext{Allergies: []store.CodedItem{{Display: "penicillin"}}}},
		progress: &fakeProgress{},
		queue:    &fakeQueue{},
		alerts:   &fakeAlerts{},
		records:  &fakeCycleRecords{rows: map[string]*entity.CycleRecord{}},
		note:     fmt.Sprintf("note-%d", time.Now().UnixNano()),
	}
	svc := NewCaptureService(CaptureDependencies{
		Instance:    "test",
		Sessions:    session.NewManager(h.repo, store.MaxWaitingCycles, nil),
		Discussions: memory.NewDiscussionRepository(time.Hour),
		SdkCache:    memory.NewSdkCacheRepository(time.Hour),
		Blobs:       h.blobs,
		Interpreter: scribe.NewInterpreter(fakeChat{}, fakeTranscriber{}, nil),
		Events:      h.events,
		Ehr:         h.ehr,
		Progress:    h.progress,
		Alerts:      h.alerts,
		RenderQueue: h.queue,
		UowFactory:  &fakeFactory{uow: &fakeUow{records: h.records}},
	}).(*captureService)
	svc.sleep = func(_ context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	}
	h.svc = svc
	return h
}

func (h *harness) start(t *testing.T, delay int) {
	t.Helper()
	res, err := h.svc.NewSession(context.Background(), &dto.NewSessionRequest{
		PatientUUID: "patient-1",
		NoteUUID:    h.note,
		StaffId:     "staff-1",
		Delay:       delay,
	})
	require.NoError(t, err)
	assert.True(t, res.PatientContext)
}

func (h *harness) chunk(t *testing.T, index int) *dto.SaveAudioChunkResponse {
	t.Helper()
	res, err := h.svc.SaveAudioChunk(context.Background(), &dto.SaveAudioChunkRequest{
		PatientUUID: "patient-1",
		NoteUUID:    h.note,
		Chunk:       index,
		Audio:       []byte(fmt.Sprintf("chunk %d", index)),
	})
	require.NoError(t, err)
	return res
}

func (h *harness) render(t *testing.T) *dto.RenderResponse {
	t.Helper()
	res, err := h.svc.Render(context.Background(), &dto.RenderRequest{PatientUUID: "patient-1", NoteUUID: h.note, StaffId: "staff-1"})
	require.NoError(t, err)
	return res
}

func (h *harness) idle(t *testing.T, action string) *dto.IdleResponse {
	t.Helper()
	res, err := h.svc.Idle(context.Background(), &dto.IdleRequest{PatientUUID: "patient-1", NoteUUID: h.note, Action: action})
	require.NoError(t, err)
	return res
}

func TestCaptureRenderCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 0)

	saved := h.chunk(t, 1)
	assert.True(t, saved.Accepted)
	assert.Equal(t, "test/audios/"+h.note+"/001.webm", saved.Key)
	assert.Equal(t, []int{1}, saved.WaitingCycles)
	require.Len(t, h.queue.requests, 1)
	assert.Equal(t, 1, h.queue.requests[0].Chunk)

	res := h.render(t)
	assert.Equal(t, RenderResultRendered, res.Result)
	assert.Equal(t, []int{1}, res.Cycles)
	assert.Equal(t, 1, res.Effects)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.WaitingCycles)

	require.Len(t, h.events.effectsReady, 1)
	effect := h.events.effectsReady[0][0]
	assert.Equal(t, "prescription", effect.CommandType)
	assert.Equal(t, h.note, effect.NoteUUID)
	assert.Equal(t, 1, effect.Cycle)
	assert.Equal(t, []int{1}, h.events.cycles)

	turns, err := h.blobs.List(ctx, "test/llm_turns/"+h.note+"/01/")
	require.NoError(t, err)
	assert.Len(t, turns, 3)

	partials, err := h.blobs.List(ctx, "test/partials/")
	require.NoError(t, err)
	require.Len(t, partials, 1)
	assert.True(t, strings.HasSuffix(partials[0].Key, h.note+"/01/render.log"))

	status, err := h.svc.Status(ctx, h.note)
	require.NoError(t, err)
	assert.False(t, status.IsRunning)
	assert.Equal(t, 1, status.Cycle)
	assert.Equal(t, 1, status.DiscussionCycle)
	assert.Equal(t, 1, status.Instructions)

	history, err := h.svc.History(ctx, &dto.HistoryRequest{NoteUUID: h.note})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "let's start ibuprofen chunk 1", history[0].Transcript)
	assert.Len(t, history[0].Effects, 1)
	assert.False(t, history[0].Paused)
}

func TestCaptureDuplicateChunkIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.start(t, 0)

	h.chunk(t, 1)
	again := h.chunk(t, 1)
	assert.False(t, again.Accepted)
	assert.Equal(t, []int{1}, again.WaitingCycles)
	assert.Len(t, h.queue.requests, 1)
}

func TestCaptureDelayIsHonoured(t *testing.T) {
	h := newHarness(t)
	h.start(t, 2)
	h.chunk(t, 1)
	h.chunk(t, 2)

	res := h.render(t)
	assert.Equal(t, []int{1, 2}, res.Cycles)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.slept)
}

func TestCapturePausedEffectsAreReleasedOnResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 0)

	h.idle(t, IdlePause)
	assert.Equal(t, 1, h.events.paused)

	h.chunk(t, 1)
	res := h.render(t)
	assert.Equal(t, 1, res.Effects)
	assert.Empty(t, h.events.effectsReady)

	status, err := h.svc.Status(ctx, h.note)
	require.NoError(t, err)
	assert.True(t, status.IsPaused)
	assert.Equal(t, 1, status.PausedEffects)

	history, err := h.svc.History(ctx, &dto.HistoryRequest{NoteUUID: h.note})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Paused)

	resumed := h.idle(t, IdleResume)
	assert.Equal(t, 1, resumed.ReleasedEffects)
	assert.False(t, resumed.Status.IsPaused)
	assert.Equal(t, 0, resumed.Status.PausedEffects)
	require.Len(t, h.events.effectsReady, 1)
	assert.Equal(t, []int{1}, h.events.resumed)
}

func TestCaptureEffectsFallBackToEhrWithoutBus(t *testing.T) {
	h := newHarness(t)
	h.events.effectsErr = captureEvents.ErrNoBus
	h.start(t, 0)
	h.chunk(t, 1)

	res := h.render(t)
	assert.Empty(t, res.Errors)
	require.Len(t, h.ehr.submitted, 1)
	assert.Equal(t, "prescription", h.ehr.submitted[0][0].CommandType)
}

func TestCaptureFailedDeliveryIsReported(t *testing.T) {
	h := newHarness(t)
	h.events.effectsErr = errors.New("nats down")
	h.ehr.submitErr = errors.New("ehr down")
	h.start(t, 0)
	h.chunk(t, 1)

	res := h.render(t)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "ehr down")

	history, err := h.svc.History(context.Background(), &dto.HistoryRequest{NoteUUID: h.note})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Error, "ehr down")

	status, err := h.svc.Status(context.Background(), h.note)
	require.NoError(t, err)
	assert.Equal(t, 1, status.DiscussionCycle)
	assert.Equal(t, 0, status.Instructions, "undelivered instructions are detected again")
}

func TestCaptureMissingAudioDoesNotStopTheLoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 0)

	// chunk 1 queued without audio
	_, _, err := h.svc.Sessions.Enqueue(ctx, h.note, 1)
	require.NoError(t, err)
	h.chunk(t, 2)

	res := h.render(t)
	assert.Equal(t, []int{1, 2}, res.Cycles)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "cycle 1")
	assert.Equal(t, 1, res.Effects)

	sg, err := h.repo.Get(ctx, h.note)
	require.NoError(t, err)
	assert.False(t, sg.IsRunning)

	history, err := h.svc.History(ctx, &dto.HistoryRequest{NoteUUID: h.note})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.NotEmpty(t, history[0].Error)
	assert.Empty(t, history[1].Error)

	history, err = h.svc.History(ctx, &dto.HistoryRequest{NoteUUID: h.note, EffectsOnly: true})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].Cycle)

	history, err = h.svc.History(ctx, &dto.HistoryRequest{NoteUUID: h.note, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].Cycle)
}

func TestCaptureBusyRenderIsQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 0)
	h.chunk(t, 1)

	_, err := h.repo.Update(ctx, h.note, func(sg *store.StopAndGo) error {
		sg.SetRunning(true)
		return nil
	})
	require.NoError(t, err)

	res := h.render(t)
	assert.Equal(t, RenderResultQueued, res.Result)
	assert.Equal(t, []int{1}, res.WaitingCycles)
	assert.Empty(t, h.alerts.notes)
	assert.Empty(t, h.events.stuck)
}

func TestCaptureStuckSessionIsAlertedAndRequeued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 0)

	_, err := h.repo.Update(ctx, h.note, func(sg *store.StopAndGo) error {
		sg.SetRunning(true)
		for i := 1; i <= store.MaxWaitingCycles+1; i++ {
			sg.AddWaitingCycle(i)
		}
		return nil
	})
	require.NoError(t, err)

	res := h.render(t)
	assert.Equal(t, RenderResultQueued, res.Result)
	assert.Equal(t, []string{h.note}, h.alerts.notes)
	require.Len(t, h.events.stuck, 1)
	assert.Len(t, h.events.stuck[0], store.MaxWaitingCycles+1)

	sg, err := h.repo.Get(ctx, h.note)
	require.NoError(t, err)
	assert.False(t, sg.IsRunning)
	require.Len(t, h.queue.requests, 1)
	assert.Equal(t, h.note, h.queue.requests[0].NoteUUID)
}

func TestCaptureEndWhileIdleFinalises(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 0)
	h.chunk(t, 1)
	h.render(t)

	res := h.idle(t, IdleEnd)
	assert.True(t, res.Finalised)
	assert.True(t, strings.HasPrefix(res.FinalLogKey, "test/finals/"))
	assert.True(t, strings.HasSuffix(res.FinalLogKey, h.note+".log"))
	assert.Equal(t, []string{res.FinalLogKey}, h.events.ended)
	assert.Equal(t, store.ProgressSectionEnd, h.progress.last().Section)

	final, err := blob.ReadAll(ctx, h.blobs, res.FinalLogKey)
	require.NoError(t, err)
	assert.Contains(t, string(final), "--- 01/render.log ---")
	assert.Contains(t, string(final), "cycle 1 started")

	_, err = h.svc.SaveAudioChunk(ctx, &dto.SaveAudioChunkRequest{PatientUUID: "patient-1", NoteUUID: h.note, Chunk: 2, Audio: []byte("late")})
	assert.ErrorIs(t, err, session.ErrSessionEnded)

	again := h.render(t)
	assert.Equal(t, RenderResultEnded, again.Result)
	assert.Len(t, h.events.ended, 1)
}

func TestCaptureEndWithBacklogFinalisesAfterDrain(t *testing.T) {
	h := newHarness(t)
	h.start(t, 0)
	h.chunk(t, 1)

	res := h.idle(t, IdleEnd)
	assert.False(t, res.Finalised)
	assert.Empty(t, h.events.ended)
	// one request from the chunk, one from the end
	assert.Len(t, h.queue.requests, 2)

	rendered := h.render(t)
	assert.Equal(t, RenderResultEnded, rendered.Result)
	assert.Equal(t, []int{1}, rendered.Cycles)
	assert.NotEmpty(t, rendered.FinalLogKey)
	assert.Equal(t, []string{rendered.FinalLogKey}, h.events.ended)
}

func TestCaptureEndReleasesPausedEffects(t *testing.T) {
	h := newHarness(t)
	h.start(t, 0)
	h.idle(t, IdlePause)
	h.chunk(t, 1)
	h.render(t)

	res := h.idle(t, IdleEnd)
	assert.Equal(t, 1, res.ReleasedEffects)
	assert.True(t, res.Finalised)
	require.Len(t, h.events.effectsReady, 1)
}

func TestCaptureNewSessionResetsState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 0)
	h.chunk(t, 1)
	h.render(t)
	h.idle(t, IdleEnd)

	h.start(t, 0)
	status, err := h.svc.Status(ctx, h.note)
	require.NoError(t, err)
	assert.False(t, status.IsEnded)
	assert.Equal(t, 0, status.Cycle)
	assert.Equal(t, 0, status.Instructions)

	history, err := h.svc.History(ctx, &dto.HistoryRequest{NoteUUID: h.note})
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, 2, h.events.started)
}

func TestCaptureFailedResumeKeepsEffectsOnHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 0)
	h.idle(t, IdlePause)
	h.chunk(t, 1)
	h.render(t)

	h.events.effectsErr = errors.New("nats down")
	h.ehr.submitErr = errors.New("ehr down")
	_, err := h.svc.Idle(ctx, &dto.IdleRequest{PatientUUID: "patient-1", NoteUUID: h.note, Action: IdleResume})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ehr down")
	assert.Empty(t, h.events.resumed)

	sg, err := h.repo.Get(ctx, h.note)
	require.NoError(t, err)
	assert.True(t, sg.IsPaused)
	require.Len(t, sg.PausedEffects, 1)
	assert.Equal(t, "prescription", sg.PausedEffects[0].CommandType)

	h.events.effectsErr = nil
	h.ehr.submitErr = nil
	resumed := h.idle(t, IdleResume)
	assert.Equal(t, 1, resumed.ReleasedEffects)
	assert.Equal(t, 0, resumed.Status.PausedEffects)
	require.Len(t, h.events.effectsReady, 1)
	assert.Equal(t, []int{1}, h.events.resumed)
}

func TestCaptureFailedEndKeepsEffectsForTheRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 0)
	h.idle(t, IdlePause)
	h.chunk(t, 1)
	h.render(t)

	h.events.effectsErr = errors.New("nats down")
	h.ehr.submitErr = errors.New("ehr down")
	_, err := h.svc.Idle(ctx, &dto.IdleRequest{PatientUUID: "patient-1", NoteUUID: h.note, Action: IdleEnd})
	require.Error(t, err)
	assert.Empty(t, h.events.ended)

	sg, err := h.repo.Get(ctx, h.note)
	require.NoError(t, err)
	assert.True(t, sg.IsEnded)
	assert.Len(t, sg.PausedEffects, 1)

	h.events.effectsErr = nil
	h.ehr.submitErr = nil
	res := h.idle(t, IdleEnd)
	assert.Equal(t, 1, res.ReleasedEffects)
	assert.True(t, res.Finalised)
	require.Len(t, h.events.effectsReady, 1)
	assert.Len(t, h.events.ended, 1)
}

func TestCaptureSharedDiscussionWinsWhenAhead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 0)
	h.chunk(t, 1)
	h.render(t)

	// a second worker with its own process cache renders the next chunk
	deps := h.svc.CaptureDependencies
	deps.Discussions = memory.NewDiscussionRepository(time.Hour)
	other := NewCaptureService(deps).(*captureService)
	other.sleep = h.svc.sleep
	_, err := other.SaveAudioChunk(ctx, &dto.SaveAudioChunkRequest{PatientUUID: "patient-1", NoteUUID: h.note, Chunk: 2, Audio: []byte("chunk 2")})
	require.NoError(t, err)
	res, err := other.Render(ctx, &dto.RenderRequest{PatientUUID: "patient-1", NoteUUID: h.note, StaffId: "staff-1"})
	require.NoError(t, err)
	require.Equal(t, []int{2}, res.Cycles)

	stale, ok := h.svc.Discussions.Get(h.note)
	require.True(t, ok)
	assert.Equal(t, 1, stale.Cycle)

	d, sdk := h.svc.loadDiscussion(ctx, h.note)
	require.NotNil(t, sdk)
	assert.Equal(t, 2, d.Cycle)
	assert.Len(t, d.PreviousInstructions, len(sdk.PreviousInstructions))

	refreshed, ok := h.svc.Discussions.Get(h.note)
	require.True(t, ok)
	assert.Equal(t, 2, refreshed.Cycle)

	h.chunk(t, 3)
	again := h.render(t)
	assert.Equal(t, []int{3}, again.Cycles)
	shared, err := h.svc.SdkCache.Get(ctx, h.note)
	require.NoError(t, err)
	assert.Equal(t, 3, shared.Cycle)
}

func TestCaptureLocalDiscussionKeptWhenCurrent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 0)
	h.chunk(t, 1)
	h.render(t)

	local, ok := h.svc.Discussions.Get(h.note)
	require.True(t, ok)
	d, sdk := h.svc.loadDiscussion(ctx, h.note)
	require.NotNil(t, sdk)
	assert.Equal(t, local, d)
	assert.Equal(t, 1, d.Cycle)
}

func TestCaptureCancelledDelayLeavesTheChunkQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 2)
	h.chunk(t, 1)

	h.svc.sleep = func(context.Context, time.Duration) error {
		return context.Canceled
	}
	_, err := h.svc.Render(ctx, &dto.RenderRequest{PatientUUID: "patient-1", NoteUUID: h.note, StaffId: "staff-1"})
	require.ErrorIs(t, err, context.Canceled)

	sg, err := h.repo.Get(ctx, h.note)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, sg.WaitingCycles)
	assert.Equal(t, 0, sg.Cycle)
	assert.False(t, sg.IsRunning)
	assert.Empty(t, h.records.rows)

	h.svc.sleep = func(context.Context, time.Duration) error { return nil }
	res := h.render(t)
	assert.Equal(t, []int{1}, res.Cycles)
	assert.Equal(t, 1, res.Effects)
}

func TestCaptureInstructionsKeptOnlyOnceEffectsAreFiled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 0)
	h.chunk(t, 1)

	// acquire, next, then the update filing the effects
	h.svc.Sessions = session.NewManager(&flakyStopAndGo{StopAndGoRepository: h.repo, failAt: 3}, store.MaxWaitingCycles, nil)

	res := h.render(t)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "file effects")
	assert.Empty(t, h.events.effectsReady)

	status, err := h.svc.Status(ctx, h.note)
	require.NoError(t, err)
	assert.False(t, status.IsRunning)
	assert.Equal(t, 1, status.DiscussionCycle)
	assert.Equal(t, 0, status.Instructions)

	h.chunk(t, 2)
	res = h.render(t)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, res.Effects)
	require.Len(t, h.events.effectsReady, 1)
	assert.Equal(t, "prescription", h.events.effectsReady[0][0].CommandType)

	status, err = h.svc.Status(ctx, h.note)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Instructions)
}

func TestCaptureNewSessionKeepsTheActiveRunner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.start(t, 0)

	a, _, err := h.svc.Sessions.Acquire(ctx, h.note)
	require.NoError(t, err)
	require.Equal(t, session.Acquired, a)

	h.start(t, 0)
	status, err := h.svc.Status(ctx, h.note)
	require.NoError(t, err)
	assert.True(t, status.IsRunning)

	h.chunk(t, 1)
	res := h.render(t)
	assert.Equal(t, RenderResultQueued, res.Result)
	assert.Equal(t, []int{1}, res.WaitingCycles)
}
