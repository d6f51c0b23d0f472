package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"ambient-scribe-be/internal/dto"
	"ambient-scribe-be/internal/entity"
	"ambient-scribe-be/internal/pkg/logger"
	"ambient-scribe-be/internal/pkg/mailer"
	"ambient-scribe-be/internal/repository/contract"
	"ambient-scribe-be/internal/repository/specification"
	"ambient-scribe-be/internal/repository/unitofwork"
	"ambient-scribe-be/pkg/audit"
	"ambient-scribe-be/pkg/blob"
	captureEvents "ambient-scribe-be/pkg/capture/events"
	"ambient-scribe-be/pkg/capture/session"
	"ambient-scribe-be/pkg/metrics"
	"ambient-scribe-be/pkg/scribe"
	"ambient-scribe-be/pkg/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	RenderResultRendered = "rendered"
	RenderResultQueued   = "queued"
	RenderResultEnded    = "ended"

	IdlePause  = "pause"
	IdleResume = "resume"
	IdleEnd    = "end"

	renderLogLabel = "render"
)

var tracer = otel.Tracer("ambient-scribe-be/capture")

// ProgressDisplay receives the human readable progress of a note.
type ProgressDisplay interface {
	Send(noteUUID, message, section string)
}

// EhrGateway is the part of the EHR the capture pipeline talks to.
type EhrGateway interface {
	FetchPatientContext(ctx context.Context, patientUUID string) (*store.PatientContext, error)
	SubmitEffects(ctx context.Context, noteUUID string, effects []store.Effect) error
}

// RenderRequester asks a worker to run the render loop of a note.
type RenderRequester interface {
	RequestRender(ctx context.Context, msg dto.RenderNoteMessage) error
}

type ICaptureService interface {
	NewSession(ctx context.Context, req *dto.NewSessionRequest) (*dto.NewSessionResponse, error)
	SaveAudioChunk(ctx context.Context, req *dto.SaveAudioChunkRequest) (*dto.SaveAudioChunkResponse, error)
	Render(ctx context.Context, req *dto.RenderRequest) (*dto.RenderResponse, error)
	Idle(ctx context.Context, req *dto.IdleRequest) (*dto.IdleResponse, error)
	Status(ctx context.Context, noteUUID string) (*dto.SessionStatusResponse, error)
	History(ctx context.Context, req *dto.HistoryRequest) ([]*dto.CycleHistoryResponse, error)
}

// CaptureDependencies groups what the capture service is built from.
// UowFactory, Alerts and RenderQueue are optional.
type CaptureDependencies struct {
	Instance    string
	Sessions    *session.Manager
	Discussions contract.DiscussionRepository
	SdkCache    contract.SdkCacheRepository
	Blobs       blob.Store
	Interpreter *scribe.Interpreter
	Events      captureEvents.Publisher
	Ehr         EhrGateway
	Progress    ProgressDisplay
	Alerts      mailer.IAlertService
	RenderQueue RenderRequester
	UowFactory  unitofwork.RepositoryFactory
	Logger      logger.ILogger
}

type captureService struct {
	CaptureDependencies
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewCaptureService(deps CaptureDependencies) ICaptureService {
	if deps.Logger == nil {
		deps.Logger = logger.NewNopLogger()
	}
	if deps.Alerts == nil {
		deps.Alerts = mailer.NewNoopAlertService()
	}
	return &captureService{
		CaptureDependencies: deps,
		now:                 time.Now,
		sleep:               sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *captureService) NewSession(ctx context.Context, req *dto.NewSessionRequest) (*dto.NewSessionResponse, error) {
	ctx, span := tracer.Start(ctx, "capture.NewSession", trace.WithAttributes(attribute.String("note_uuid", req.NoteUUID)))
	defer span.End()

	if _, err := s.Sessions.Reset(ctx, req.NoteUUID); err != nil {
		return nil, fmt.Errorf("reset session: %w", err)
	}
	if req.Delay > 0 {
		if _, err := s.Sessions.SetDelay(ctx, req.NoteUUID, req.Delay); err != nil {
			return nil, fmt.Errorf("set delay: %w", err)
		}
	}
	audit.ResetTurnIndexes(req.NoteUUID)

	s.Discussions.Clear(req.NoteUUID)
	discussion := s.Discussions.GetOrCreate(req.NoteUUID)

	patient := s.fetchPatient(ctx, req.PatientUUID)
	sdk := store.NewCachedSdk(discussion, req.PatientUUID)
	sdk.Patient = patient
	if err := s.SdkCache.Save(ctx, sdk); err != nil {
		return nil, fmt.Errorf("cache session: %w", err)
	}

	if s.UowFactory != nil {
		uow := s.UowFactory.NewUnitOfWork(ctx)
		if err := uow.CycleRecordRepository().DeleteByNote(ctx, req.NoteUUID); err != nil {
			s.Logger.Warn("CaptureService", "Failed to clear previous cycle records", map[string]interface{}{
				"note_uuid": req.NoteUUID,
				"error":     err.Error(),
			})
		}
	}

	s.Events.PublishSessionStarted(ctx, req.NoteUUID, req.PatientUUID, req.StaffId)
	s.Progress.Send(req.NoteUUID, "session started", store.ProgressSectionEvents)
	s.Logger.Info("CaptureService", "Session started", map[string]interface{}{
		"note_uuid":    req.NoteUUID,
		"patient_uuid": req.PatientUUID,
		"delay":        req.Delay,
	})

	return &dto.NewSessionResponse{
		NoteUUID:       req.NoteUUID,
		PatientUUID:    req.PatientUUID,
		Created:        discussion.Created,
		PatientContext: patient != nil,
	}, nil
}

func (s *captureService) SaveAudioChunk(ctx context.Context, req *dto.SaveAudioChunkRequest) (*dto.SaveAudioChunkResponse, error) {
	sg, err := s.Sessions.State(ctx, req.NoteUUID)
	if err != nil {
		return nil, err
	}
	if sg.IsEnded {
		return nil, session.ErrSessionEnded
	}

	key := audit.AudioKey(s.Instance, req.NoteUUID, req.Chunk)
	if _, err := s.Blobs.Put(ctx, key, bytes.NewReader(req.Audio), blob.PutOptions{
		ContentType: "audio/webm",
		Metadata:    map[string]string{"patient": req.PatientUUID},
	}); err != nil {
		return nil, fmt.Errorf("store audio chunk: %w", err)
	}

	sg, accepted, err := s.Sessions.Enqueue(ctx, req.NoteUUID, req.Chunk)
	if err != nil {
		return nil, err
	}
	metrics.WaitingCycles.Set(float64(len(sg.WaitingCycles)))

	if accepted && s.RenderQueue != nil {
		msg := dto.RenderNoteMessage{PatientUUID: req.PatientUUID, NoteUUID: req.NoteUUID, Chunk: req.Chunk}
		if err := s.RenderQueue.RequestRender(ctx, msg); err != nil {
			// the next render call drains the chunk anyway
			s.Logger.Warn("CaptureService", "Failed to queue render request", map[string]interface{}{
				"note_uuid": req.NoteUUID,
				"chunk":     req.Chunk,
				"error":     err.Error(),
			})
		}
	}

	return &dto.SaveAudioChunkResponse{
		Key:           key,
		Accepted:      accepted,
		WaitingCycles: sg.WaitingCycles,
	}, nil
}

// Render runs the note's render loop if no other worker does. Only the
// caller that acquires the running flag consumes waiting cycles; everyone
// else gets "queued" back.
func (s *captureService) Render(ctx context.Context, req *dto.RenderRequest) (*dto.RenderResponse, error) {
	ctx, span := tracer.Start(ctx, "capture.Render", trace.WithAttributes(attribute.String("note_uuid", req.NoteUUID)))
	defer span.End()

	outcome, sg, err := s.Sessions.Acquire(ctx, req.NoteUUID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("acquisition", outcome.String()))

	if outcome != session.Acquired {
		if outcome == session.Stuck {
			s.alertStuck(ctx, req, sg)
		}
		metrics.RenderRequests.WithLabelValues(RenderResultQueued).Inc()
		return &dto.RenderResponse{
			Result:        RenderResultQueued,
			Cycles:        []int{},
			WaitingCycles: sg.WaitingCycles,
		}, nil
	}

	if sg.IsEnded && !sg.HasWaitingCycles() {
		// finalised by whoever ended or drained it
		if _, err := s.Sessions.Release(context.WithoutCancel(ctx), req.NoteUUID); err != nil {
			return nil, fmt.Errorf("release session: %w", err)
		}
		metrics.RenderRequests.WithLabelValues(RenderResultEnded).Inc()
		return &dto.RenderResponse{Result: RenderResultEnded, Cycles: []int{}, WaitingCycles: []int{}}, nil
	}

	resp := &dto.RenderResponse{Result: RenderResultRendered, Cycles: []int{}}
	for {
		loopErr := s.drain(ctx, req, resp)

		// the flag is dropped even when the request was cancelled
		released, err := s.Sessions.Release(context.WithoutCancel(ctx), req.NoteUUID)
		if err != nil {
			return nil, fmt.Errorf("release session: %w", err)
		}
		resp.WaitingCycles = released.WaitingCycles
		if loopErr != nil {
			span.RecordError(loopErr)
			span.SetStatus(codes.Error, loopErr.Error())
			return nil, loopErr
		}

		if session.ShouldFinalise(released) {
			resp.FinalLogKey = s.finalise(ctx, req.NoteUUID)
			resp.Result = RenderResultEnded
			break
		}

		// a chunk queued between the last Next and Release would wait for
		// the next request otherwise
		if !released.HasWaitingCycles() {
			break
		}
		again, _, err := s.Sessions.Acquire(ctx, req.NoteUUID)
		if err != nil || again != session.Acquired {
			break
		}
	}

	metrics.RenderRequests.WithLabelValues(resp.Result).Inc()
	return resp, nil
}

// drain consumes waiting cycles until none is left. A failed cycle is
// reported in the response and does not stop the loop.
//
// The delay runs before the head is consumed, so a request cancelled while
// waiting leaves the chunk queued for the next runner.
func (s *captureService) drain(ctx context.Context, req *dto.RenderRequest, resp *dto.RenderResponse) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		sg, err := s.Sessions.State(ctx, req.NoteUUID)
		if err != nil {
			return fmt.Errorf("read session: %w", err)
		}
		if !sg.HasWaitingCycles() {
			return nil
		}
		if err := s.sleep(ctx, time.Duration(sg.Delay)*time.Second); err != nil {
			return err
		}

		ticket, ok, err := s.Sessions.Next(ctx, req.NoteUUID)
		if err != nil {
			return fmt.Errorf("next cycle: %w", err)
		}
		if !ok {
			return nil
		}

		effects, err := s.runCycle(ctx, req, ticket)
		resp.Cycles = append(resp.Cycles, ticket.Cycle)
		resp.Effects += effects
		if err != nil {
			resp.Errors = append(resp.Errors, fmt.Sprintf("cycle %d: %s", ticket.Cycle, err.Error()))
		}
	}
}

// runCycle renders one chunk: transcription, instruction detection and
// command mapping. It returns the number of effects produced.
func (s *captureService) runCycle(ctx context.Context, req *dto.RenderRequest, ticket session.Ticket) (int, error) {
	ctx, span := tracer.Start(ctx, "capture.Cycle", trace.WithAttributes(
		attribute.String("note_uuid", req.NoteUUID),
		attribute.Int("cycle", ticket.Cycle),
	))
	defer span.End()

	start := s.now()
	discussion, sdk := s.loadDiscussion(ctx, req.NoteUUID)
	patientUUID := req.PatientUUID
	var patient *store.PatientContext
	if sdk != nil {
		patient = sdk.Patient
		if patientUUID == "" {
			patientUUID = sdk.PatientUUID
		}
	}
	if patient == nil {
		patient = s.fetchPatient(ctx, patientUUID)
	}

	discussion.SetCycle(ticket.Cycle, start)
	scope := audit.ScopeOf(s.Instance, discussion)
	turns := audit.NewLlmTurnsStore(s.Blobs, scope)
	memLog := audit.NewMemoryLog(s.Blobs, s.Logger, scope, renderLogLabel)

	record := &entity.CycleRecord{
		Id:          uuid.New(),
		NoteUUID:    req.NoteUUID,
		PatientUUID: patientUUID,
		Cycle:       ticket.Cycle,
		StaffId:     req.StaffId,
		CreatedAt:   start.UTC(),
	}

	effects, err := s.interpret(ctx, req.NoteUUID, ticket, discussion, patient, turns, memLog, record)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		record.Error = err.Error()
		memLog.Log(fmt.Sprintf("cycle %d failed: %s", ticket.Cycle, err.Error()))
		s.Progress.Send(req.NoteUUID, fmt.Sprintf("cycle %d failed", ticket.Cycle), store.ProgressSectionEvents)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	// the discussion keeps the cycle even when it failed, so the audit
	// trail of the next one does not overwrite this one
	s.saveDiscussion(ctx, discussion, patientUUID, patient)

	record.Duration = s.now().Sub(start)
	s.persist(ctx, record)
	if _, storeErr := memLog.StoreSoFar(ctx); storeErr != nil {
		s.Logger.Error("CaptureService", "Failed to store render log", map[string]interface{}{
			"note_uuid": req.NoteUUID,
			"cycle":     ticket.Cycle,
			"error":     storeErr.Error(),
		})
	}

	metrics.CyclesRendered.WithLabelValues(outcome).Inc()
	metrics.CycleDuration.Observe(record.Duration.Seconds())
	return len(effects), err
}

func (s *captureService) interpret(
	ctx context.Context,
	noteUUID string,
	ticket session.Ticket,
	discussion *store.Discussion,
	patient *store.PatientContext,
	turns *audit.LlmTurnsStore,
	memLog *audit.MemoryLog,
	record *entity.CycleRecord,
) ([]store.Effect, error) {
	memLog.Log(fmt.Sprintf("cycle %d started", ticket.Cycle))
	s.Progress.Send(noteUUID, fmt.Sprintf("cycle %d: transcribing", ticket.Cycle), store.ProgressSectionEvents)

	audio, err := blob.ReadAll(ctx, s.Blobs, audit.AudioKey(s.Instance, noteUUID, ticket.Cycle))
	if err != nil {
		return nil, fmt.Errorf("read audio chunk: %w", err)
	}
	transcript, err := s.Interpreter.Transcribe(ctx, turns, audio, fmt.Sprintf("%03d.webm", ticket.Cycle))
	if err != nil {
		return nil, err
	}
	record.Transcript = transcript
	memLog.Log(fmt.Sprintf("transcript: %d characters", len(transcript)))

	detected, err := s.Interpreter.DetectInstructions(ctx, turns, transcript, discussion.PreviousInstructions, patient)
	if err != nil {
		return nil, err
	}
	merged := store.MergeInstructions(discussion.PreviousInstructions, detected)
	record.Instructions = merged
	memLog.Log(fmt.Sprintf("instructions: %d detected, %d known", len(detected), len(merged)))
	s.Progress.Send(noteUUID, fmt.Sprintf("cycle %d: %d instructions detected", ticket.Cycle, len(detected)), store.ProgressSectionEvents)

	effects, err := s.Interpreter.CommandsFrom(ctx, turns, noteUUID, ticket.Cycle, merged, patient)
	if err != nil {
		return nil, err
	}
	record.Effects = effects

	release, paused, err := s.Sessions.Complete(ctx, noteUUID, effects)
	if err != nil {
		return effects, fmt.Errorf("file effects: %w", err)
	}
	record.Paused = paused
	if paused {
		countEffects(effects, "paused")
		memLog.Log(fmt.Sprintf("%d effects deferred while paused", len(effects)))
		s.Progress.Send(noteUUID, fmt.Sprintf("cycle %d: %d effects on hold", ticket.Cycle, len(effects)), store.ProgressSectionEvents)
	} else if err := s.releaseEffects(ctx, noteUUID, release); err != nil {
		return effects, err
	} else {
		memLog.Log(fmt.Sprintf("%d effects released", len(release)))
		s.Progress.Send(noteUUID, fmt.Sprintf("cycle %d: %d commands sent", ticket.Cycle, len(release)), store.ProgressSectionEvents)
	}

	// only instructions whose effects were filed become known; the others
	// are detected again by the next cycle
	discussion.SetPreviousInstructions(merged, s.now())

	s.Events.PublishCycleCompleted(ctx, noteUUID, ticket.Cycle, len(detected), len(effects))
	return effects, nil
}

// releaseEffects hands the effects to the dispatcher through the bus, or
// straight to the EHR when the bus is unavailable.
func (s *captureService) releaseEffects(ctx context.Context, noteUUID string, effects []store.Effect) error {
	if len(effects) == 0 {
		return nil
	}
	err := s.Events.PublishEffectsReady(ctx, noteUUID, effects)
	if err == nil {
		countEffects(effects, "released")
		return nil
	}
	if !errors.Is(err, captureEvents.ErrNoBus) {
		s.Logger.Warn("CaptureService", "Effects bus failed, submitting directly", map[string]interface{}{
			"note_uuid": noteUUID,
			"error":     err.Error(),
		})
	}
	if err := s.Ehr.SubmitEffects(ctx, noteUUID, effects); err != nil {
		countEffects(effects, "failed")
		return fmt.Errorf("submit effects: %w", err)
	}
	countEffects(effects, "delivered")
	return nil
}

func countEffects(effects []store.Effect, disposition string) {
	for _, e := range effects {
		metrics.EffectsEmitted.WithLabelValues(e.CommandType, disposition).Inc()
	}
}

func (s *captureService) Idle(ctx context.Context, req *dto.IdleRequest) (*dto.IdleResponse, error) {
	ctx, span := tracer.Start(ctx, "capture.Idle", trace.WithAttributes(
		attribute.String("note_uuid", req.NoteUUID),
		attribute.String("action", req.Action),
	))
	defer span.End()

	resp := &dto.IdleResponse{Action: req.Action}
	var (
		sg       *store.StopAndGo
		released []store.Effect
		err      error
	)

	switch req.Action {
	case IdlePause:
		sg, err = s.Sessions.Pause(ctx, req.NoteUUID)
		if err != nil {
			return nil, err
		}
		s.Events.PublishSessionPaused(ctx, req.NoteUUID)
		s.Progress.Send(req.NoteUUID, "session paused", store.ProgressSectionEvents)

	case IdleResume:
		sg, released, err = s.Sessions.Resume(ctx, req.NoteUUID)
		if err != nil {
			return nil, err
		}
		if err := s.releaseEffects(ctx, req.NoteUUID, released); err != nil {
			s.restore(ctx, req.NoteUUID, released, true)
			return nil, err
		}
		s.Events.PublishSessionResumed(ctx, req.NoteUUID, len(released))
		s.Progress.Send(req.NoteUUID, fmt.Sprintf("session resumed, %d commands sent", len(released)), store.ProgressSectionEvents)
		s.kick(ctx, req.PatientUUID, sg)

	case IdleEnd:
		sg, released, err = s.Sessions.End(ctx, req.NoteUUID)
		if err != nil {
			return nil, err
		}
		if err := s.releaseEffects(ctx, req.NoteUUID, released); err != nil {
			s.restore(ctx, req.NoteUUID, released, false)
			return nil, err
		}
		if session.ShouldFinalise(sg) {
			resp.FinalLogKey = s.finalise(ctx, req.NoteUUID)
			resp.Finalised = true
		} else {
			// the runner finalises once the backlog is drained
			s.Progress.Send(req.NoteUUID, "session ending, rendering last cycles", store.ProgressSectionEvents)
			s.kick(ctx, req.PatientUUID, sg)
		}

	default:
		return nil, fmt.Errorf("unknown idle action %q", req.Action)
	}

	resp.ReleasedEffects = len(released)
	resp.Status = s.statusOf(ctx, sg)
	s.Logger.Info("CaptureService", "Idle action applied", map[string]interface{}{
		"note_uuid": req.NoteUUID,
		"action":    req.Action,
		"released":  len(released),
		"finalised": resp.Finalised,
	})
	return resp, nil
}

// restore puts undelivered effects back on hold, so the next resume or end
// releases them again.
func (s *captureService) restore(ctx context.Context, noteUUID string, effects []store.Effect, repause bool) {
	if len(effects) == 0 {
		return
	}
	if _, err := s.Sessions.Restore(context.WithoutCancel(ctx), noteUUID, effects, repause); err != nil {
		s.Logger.Error("CaptureService", "Failed to restore undelivered effects", map[string]interface{}{
			"note_uuid": noteUUID,
			"effects":   len(effects),
			"error":     err.Error(),
		})
		return
	}
	countEffects(effects, "paused")
}

// kick queues a render when cycles wait and nobody runs them.
func (s *captureService) kick(ctx context.Context, patientUUID string, sg *store.StopAndGo) {
	if s.RenderQueue == nil || sg.IsRunning || !sg.HasWaitingCycles() {
		return
	}
	msg := dto.RenderNoteMessage{PatientUUID: patientUUID, NoteUUID: sg.NoteUUID}
	if err := s.RenderQueue.RequestRender(ctx, msg); err != nil {
		s.Logger.Warn("CaptureService", "Failed to queue render request", map[string]interface{}{
			"note_uuid": sg.NoteUUID,
			"error":     err.Error(),
		})
	}
}

func (s *captureService) Status(ctx context.Context, noteUUID string) (*dto.SessionStatusResponse, error) {
	sg, err := s.Sessions.State(ctx, noteUUID)
	if err != nil {
		return nil, err
	}
	return s.statusOf(ctx, sg), nil
}

func (s *captureService) statusOf(ctx context.Context, sg *store.StopAndGo) *dto.SessionStatusResponse {
	res := &dto.SessionStatusResponse{
		NoteUUID:      sg.NoteUUID,
		IsRunning:     sg.IsRunning,
		IsPaused:      sg.IsPaused,
		IsEnded:       sg.IsEnded,
		Cycle:         sg.Cycle,
		WaitingCycles: sg.WaitingCycles,
		PausedEffects: len(sg.PausedEffects),
		Delay:         sg.Delay,
		Updated:       sg.Updated,
	}
	if d, ok := s.Discussions.Get(sg.NoteUUID); ok {
		res.DiscussionCycle = d.Cycle
		res.Instructions = len(d.PreviousInstructions)
	} else if sdk, err := s.SdkCache.Get(ctx, sg.NoteUUID); err == nil && sdk != nil {
		res.DiscussionCycle = sdk.Cycle
		res.Instructions = len(sdk.PreviousInstructions)
	}
	return res
}

func (s *captureService) History(ctx context.Context, req *dto.HistoryRequest) ([]*dto.CycleHistoryResponse, error) {
	result := make([]*dto.CycleHistoryResponse, 0)
	if s.UowFactory == nil {
		return result, nil
	}

	specs := []specification.Specification{
		specification.ByNoteUUID{NoteUUID: req.NoteUUID},
		specification.OrderBy{Field: "cycle"},
	}
	if req.EffectsOnly {
		specs = append(specs, specification.WithEffectsOnly{})
	}
	if req.Limit > 0 {
		specs = append(specs, specification.Pagination{Limit: req.Limit, Offset: req.Offset})
	}

	uow := s.UowFactory.NewUnitOfWork(ctx)
	records, err := uow.CycleRecordRepository().FindAll(ctx, specs...)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		result = append(result, &dto.CycleHistoryResponse{
			Cycle:        r.Cycle,
			Transcript:   r.Transcript,
			Instructions: r.Instructions,
			Effects:      r.Effects,
			Paused:       r.Paused,
			DurationMs:   r.Duration.Milliseconds(),
			Error:        r.Error,
			CreatedAt:    r.CreatedAt,
		})
	}
	return result, nil
}

// loadDiscussion prefers the process cache unless the shared copy moved
// ahead of it, which happens when another worker rendered the note.
func (s *captureService) loadDiscussion(ctx context.Context, noteUUID string) (*store.Discussion, *store.CachedSdk) {
	sdk, err := s.SdkCache.Get(ctx, noteUUID)
	if err != nil {
		s.Logger.Warn("CaptureService", "Failed to read shared session cache", map[string]interface{}{
			"note_uuid": noteUUID,
			"error":     err.Error(),
		})
		sdk = nil
	}

	if d, ok := s.Discussions.Get(noteUUID); ok && (sdk == nil || !sharedIsNewer(d, sdk)) {
		return d, sdk
	}
	if sdk != nil {
		d := sdk.Discussion.Clone()
		s.Discussions.Save(d)
		return d, sdk
	}
	return s.Discussions.GetOrCreate(noteUUID), nil
}

// sharedIsNewer reports whether the shared copy belongs to a later session
// or was advanced past the local one.
func sharedIsNewer(local *store.Discussion, sdk *store.CachedSdk) bool {
	if !sdk.Created.Equal(local.Created) {
		return sdk.Created.After(local.Created)
	}
	return sdk.Cycle > local.Cycle || sdk.Updated.After(local.Updated)
}

func (s *captureService) saveDiscussion(ctx context.Context, d *store.Discussion, patientUUID string, patient *store.PatientContext) {
	s.Discussions.Save(d)
	sdk := store.NewCachedSdk(d, patientUUID)
	sdk.Patient = patient
	if err := s.SdkCache.Save(ctx, sdk); err != nil {
		s.Logger.Warn("CaptureService", "Failed to write shared session cache", map[string]interface{}{
			"note_uuid": d.NoteUUID,
			"error":     err.Error(),
		})
	}
}

// fetchPatient is best effort: the LLM works without the chart.
func (s *captureService) fetchPatient(ctx context.Context, patientUUID string) *store.PatientContext {
	if patientUUID == "" || s.Ehr == nil {
		return nil
	}
	patient, err := s.Ehr.FetchPatientContext(ctx, patientUUID)
	if err != nil {
		s.Logger.Warn("CaptureService", "Patient context unavailable", map[string]interface{}{
			"patient_uuid": patientUUID,
			"error":        err.Error(),
		})
		return nil
	}
	return patient
}

func (s *captureService) persist(ctx context.Context, record *entity.CycleRecord) {
	if s.UowFactory == nil {
		return
	}
	uow := s.UowFactory.NewUnitOfWork(ctx)
	if err := uow.CycleRecordRepository().Upsert(ctx, record); err != nil {
		s.Logger.Error("CaptureService", "Failed to persist cycle record", map[string]interface{}{
			"note_uuid": record.NoteUUID,
			"cycle":     record.Cycle,
			"error":     err.Error(),
		})
	}
}

// finalise concatenates the partial logs and announces the end of the
// session. It returns the key of the final log, empty if none was written.
func (s *captureService) finalise(ctx context.Context, noteUUID string) string {
	ctx = context.WithoutCancel(ctx)
	discussion, _ := s.loadDiscussion(ctx, noteUUID)

	key, err := audit.EndSession(ctx, s.Blobs, audit.ScopeOf(s.Instance, discussion))
	switch {
	case errors.Is(err, audit.ErrNoPartials):
		s.Logger.Info("CaptureService", "Session ended without rendered cycles", map[string]interface{}{"note_uuid": noteUUID})
	case err != nil:
		s.Logger.Error("CaptureService", "Failed to write final log", map[string]interface{}{
			"note_uuid": noteUUID,
			"error":     err.Error(),
		})
	}

	s.Progress.Send(noteUUID, "session ended", store.ProgressSectionEnd)
	s.Events.PublishSessionEnded(ctx, noteUUID, key)

	audit.ResetTurnIndexes(noteUUID)
	s.Discussions.Clear(noteUUID)
	if err := s.SdkCache.Delete(ctx, noteUUID); err != nil {
		s.Logger.Warn("CaptureService", "Failed to drop shared session cache", map[string]interface{}{
			"note_uuid": noteUUID,
			"error":     err.Error(),
		})
	}
	return key
}

// alertStuck reports a session whose runner is presumed dead and queues a
// render so the backlog gets picked up.
func (s *captureService) alertStuck(ctx context.Context, req *dto.RenderRequest, sg *store.StopAndGo) {
	metrics.StuckSessions.Inc()
	s.Logger.Error("CaptureService", "Session stuck, running flag cleared", map[string]interface{}{
		"note_uuid":      req.NoteUUID,
		"cycle":          sg.Cycle,
		"waiting_cycles": sg.WaitingCycles,
	})
	s.Events.PublishSessionStuck(ctx, req.NoteUUID, sg.WaitingCycles)
	if err := s.Alerts.SendStuckSession(req.NoteUUID, sg.WaitingCycles, sg.Cycle); err != nil {
		s.Logger.Error("CaptureService", "Failed to send stuck session alert", map[string]interface{}{
			"note_uuid": req.NoteUUID,
			"error":     err.Error(),
		})
	}
	s.kick(ctx, req.PatientUUID, sg)
}
