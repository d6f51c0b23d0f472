package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http/httptest"
	"testing"
	"time"

	"ambient-scribe-be/internal/dto"
	"ambient-scribe-be/internal/pkg/serverutils"
	"ambient-scribe-be/internal/repository/contract"
	"ambient-scribe-be/internal/service"
	"ambient-scribe-be/pkg/capture/session"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCaptureService struct {
	newSession *dto.NewSessionRequest
	chunk      *dto.SaveAudioChunkRequest
	render     *dto.RenderRequest
	idle       *dto.IdleRequest
	history    *dto.HistoryRequest
	renderRes  *dto.RenderResponse
	renderErr  error
	chunkErr   error
}

func (s *stubCaptureService) NewSession(_ context.Context, req *dto.NewSessionRequest) (*dto.NewSessionResponse, error) {
	s.newSession = req
	return &dto.NewSessionResponse{NoteUUID: req.NoteUUID, PatientUUID: req.PatientUUID}, nil
}

func (s *stubCaptureService) SaveAudioChunk(_ context.Context, req *dto.SaveAudioChunkRequest) (*dto.SaveAudioChunkResponse, error) {
	s.chunk = req
	if s.chunkErr != nil {
		return nil, s.chunkErr
	}
	return &dto.SaveAudioChunkResponse{Accepted: true, WaitingCycles: []int{req.Chunk}}, nil
}

func (s *stubCaptureService) Render(_ context.Context, req *dto.RenderRequest) (*dto.RenderResponse, error) {
	s.render = req
	if s.renderErr != nil {
		return nil, s.renderErr
	}
	return s.renderRes, nil
}

func (s *stubCaptureService) Idle(_ context.Context, req *dto.IdleRequest) (*dto.IdleResponse, error) {
	s.idle = req
	return &dto.IdleResponse{Action: req.Action}, nil
}

func (s *stubCaptureService) Status(_ context.Context, note string) (*dto.SessionStatusResponse, error) {
	return &dto.SessionStatusResponse{NoteUUID: note, WaitingCycles: []int{}}, nil
}

func (s *stubCaptureService) History(_ context.Context, req *dto.HistoryRequest) ([]*dto.CycleHistoryResponse, error) {
	s.history = req
	return []*dto.CycleHistoryResponse{}, nil
}

func newTestApp(t *testing.T, svc service.ICaptureService) (*fiber.App, string) {
	t.Helper()
	t.Setenv("JWT_SECRET", "secret")

	app := fiber.New()
	app.Use(serverutils.ErrorHandlerMiddleware())
	NewCaptureController(svc, nil).RegisterRoutes(app.Group("/api"))

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"staff_id": "staff-7",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)
	return app, "Bearer " + signed
}

func TestCaptureRoutesRequireToken(t *testing.T) {
	app, _ := newTestApp(t, &stubCaptureService{})
	resp, err := app.Test(httptest.NewRequest("GET", "/api/capture/v1/p-1/n-1/status", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestNewSessionRoute(t *testing.T) {
	svc := &stubCaptureService{}
	app, bearer := newTestApp(t, svc)

	req := httptest.NewRequest("POST", "/api/capture/v1/p-1/n-1/session", bytes.NewBufferString(`{"delay":3}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearer)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	require.NotNil(t, svc.newSession)
	assert.Equal(t, "p-1", svc.newSession.PatientUUID)
	assert.Equal(t, "n-1", svc.newSession.NoteUUID)
	assert.Equal(t, "staff-7", svc.newSession.StaffId)
	assert.Equal(t, 3, svc.newSession.Delay)
}

func TestSaveAudioChunkRoute(t *testing.T) {
	svc := &stubCaptureService{}
	app, bearer := newTestApp(t, svc)

	t.Run("raw body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/capture/v1/p-1/n-1/audio/2", bytes.NewBufferString("webm-bytes"))
		req.Header.Set("Content-Type", "audio/webm")
		req.Header.Set("Authorization", bearer)
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
		assert.Equal(t, 2, svc.chunk.Chunk)
		assert.Equal(t, []byte("webm-bytes"), svc.chunk.Audio)
	})

	t.Run("multipart", func(t *testing.T) {
		var body bytes.Buffer
		w := multipart.NewWriter(&body)
		part, err := w.CreateFormFile("audio", "003.webm")
		require.NoError(t, err)
		_, _ = part.Write([]byte("multipart-bytes"))
		require.NoError(t, w.Close())

		req := httptest.NewRequest("POST", "/api/capture/v1/p-1/n-1/audio/3", &body)
		req.Header.Set("Content-Type", w.FormDataContentType())
		req.Header.Set("Authorization", bearer)
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
		assert.Equal(t, []byte("multipart-bytes"), svc.chunk.Audio)
	})

	t.Run("bad chunk", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/capture/v1/p-1/n-1/audio/abc", bytes.NewBufferString("x"))
		req.Header.Set("Authorization", bearer)
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	})

	t.Run("ended session", func(t *testing.T) {
		svc.chunkErr = session.ErrSessionEnded
		defer func() { svc.chunkErr = nil }()

		req := httptest.NewRequest("POST", "/api/capture/v1/p-1/n-1/audio/4", bytes.NewBufferString("x"))
		req.Header.Set("Authorization", bearer)
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	})
}

func TestRenderRouteStatus(t *testing.T) {
	svc := &stubCaptureService{renderRes: &dto.RenderResponse{Result: service.RenderResultQueued, Cycles: []int{}}}
	app, bearer := newTestApp(t, svc)

	req := httptest.NewRequest("POST", "/api/capture/v1/p-1/n-1/render", nil)
	req.Header.Set("Authorization", bearer)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	var body serverutils.BaseResponse[dto.RenderResponse]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, service.RenderResultQueued, body.Data.Result)
	assert.Equal(t, "staff-7", svc.render.StaffId)
}

func TestRenderRouteUnderContention(t *testing.T) {
	svc := &stubCaptureService{renderErr: fmt.Errorf("acquire: %w", contract.ErrTooManyRetries)}
	app, bearer := newTestApp(t, svc)

	req := httptest.NewRequest("POST", "/api/capture/v1/p-1/n-1/render", nil)
	req.Header.Set("Authorization", bearer)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestIdleRouteValidatesAction(t *testing.T) {
	svc := &stubCaptureService{}
	app, bearer := newTestApp(t, svc)

	req := httptest.NewRequest("POST", "/api/capture/v1/p-1/n-1/idle/sleep", nil)
	req.Header.Set("Authorization", bearer)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Nil(t, svc.idle)

	req = httptest.NewRequest("POST", "/api/capture/v1/p-1/n-1/idle/pause", nil)
	req.Header.Set("Authorization", bearer)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "pause", svc.idle.Action)
}

func TestHistoryRouteParsesFilters(t *testing.T) {
	svc := &stubCaptureService{}
	app, bearer := newTestApp(t, svc)

	req := httptest.NewRequest("GET", "/api/capture/v1/p-1/n-1/history?effects_only=true&limit=10&offset=5", nil)
	req.Header.Set("Authorization", bearer)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NotNil(t, svc.history)
	assert.Equal(t, dto.HistoryRequest{NoteUUID: "n-1", EffectsOnly: true, Limit: 10, Offset: 5}, *svc.history)

	req = httptest.NewRequest("GET", "/api/capture/v1/p-1/n-1/history?limit=9000", nil)
	req.Header.Set("Authorization", bearer)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
