package controller

import (
	"errors"
	"io"
	"strconv"

	"ambient-scribe-be/internal/dto"
	"ambient-scribe-be/internal/handler"
	"ambient-scribe-be/internal/pkg/serverutils"
	"ambient-scribe-be/internal/repository/contract"
	"ambient-scribe-be/internal/service"
	"ambient-scribe-be/pkg/capture/session"

	"github.com/gofiber/fiber/v2"
)

type ICaptureController interface {
	RegisterRoutes(r fiber.Router)
	NewSession(ctx *fiber.Ctx) error
	SaveAudioChunk(ctx *fiber.Ctx) error
	Render(ctx *fiber.Ctx) error
	Idle(ctx *fiber.Ctx) error
	Status(ctx *fiber.Ctx) error
	History(ctx *fiber.Ctx) error
}

type captureController struct {
	service  service.ICaptureService
	progress *handler.ProgressHandler
}

func NewCaptureController(service service.ICaptureService, progress *handler.ProgressHandler) ICaptureController {
	return &captureController{service: service, progress: progress}
}

func (c *captureController) RegisterRoutes(r fiber.Router) {
	// the websocket authenticates from the query string, before the group middleware
	if c.progress != nil {
		r.Get("/capture/v1/:patient/:note/progress", c.progress.ServeWs)
	}

	h := r.Group("/capture/v1")
	h.Use(serverutils.JwtMiddleware) // ✅ PROTECTED
	h.Post(":patient/:note/session", c.NewSession)
	h.Post(":patient/:note/audio/:chunk", c.SaveAudioChunk)
	h.Post(":patient/:note/render", c.Render)
	h.Post(":patient/:note/idle/:action", c.Idle)
	h.Get(":patient/:note/status", c.Status)
	h.Get(":patient/:note/history", c.History)
}

func staffOf(ctx *fiber.Ctx) string {
	staffId, _ := ctx.Locals("staff_id").(string)
	return staffId
}

// domainError maps the capture sentinels to HTTP statuses.
func domainError(err error) error {
	switch {
	case errors.Is(err, session.ErrSessionEnded):
		return fiber.NewError(fiber.StatusConflict, "Session already ended")
	case errors.Is(err, contract.ErrTooManyRetries):
		return fiber.NewError(fiber.StatusServiceUnavailable, "Session busy, retry later")
	}
	return err
}

func (c *captureController) NewSession(ctx *fiber.Ctx) error {
	var req dto.NewSessionRequest
	if len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}
	req.PatientUUID = ctx.Params("patient")
	req.NoteUUID = ctx.Params("note")
	req.StaffId = staffOf(ctx)

	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.service.NewSession(ctx.UserContext(), &req)
	if err != nil {
		return domainError(err)
	}

	return ctx.JSON(serverutils.SuccessResponse("Success start session", res))
}

// SaveAudioChunk accepts the chunk as a multipart "audio" file or as the raw body.
func (c *captureController) SaveAudioChunk(ctx *fiber.Ctx) error {
	chunk, err := strconv.Atoi(ctx.Params("chunk"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "chunk must be an integer")
	}

	audio, err := readAudio(ctx)
	if err != nil {
		return err
	}

	req := dto.SaveAudioChunkRequest{
		PatientUUID: ctx.Params("patient"),
		NoteUUID:    ctx.Params("note"),
		Chunk:       chunk,
		Audio:       audio,
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.service.SaveAudioChunk(ctx.UserContext(), &req)
	if err != nil {
		return domainError(err)
	}

	return ctx.Status(fiber.StatusAccepted).JSON(serverutils.SuccessResponse("Success save audio chunk", res))
}

func readAudio(ctx *fiber.Ctx) ([]byte, error) {
	if fh, err := ctx.FormFile("audio"); err == nil {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	return append([]byte(nil), ctx.Body()...), nil
}

func (c *captureController) Render(ctx *fiber.Ctx) error {
	req := dto.RenderRequest{
		PatientUUID: ctx.Params("patient"),
		NoteUUID:    ctx.Params("note"),
		StaffId:     staffOf(ctx),
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.service.Render(ctx.UserContext(), &req)
	if err != nil {
		return domainError(err)
	}

	status := fiber.StatusOK
	if res.Result == service.RenderResultQueued {
		status = fiber.StatusAccepted
	}
	return ctx.Status(status).JSON(serverutils.SuccessResponse("Render "+res.Result, res))
}

func (c *captureController) Idle(ctx *fiber.Ctx) error {
	req := dto.IdleRequest{
		PatientUUID: ctx.Params("patient"),
		NoteUUID:    ctx.Params("note"),
		Action:      ctx.Params("action"),
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.service.Idle(ctx.UserContext(), &req)
	if err != nil {
		return domainError(err)
	}

	return ctx.JSON(serverutils.SuccessResponse("Success "+req.Action+" session", res))
}

func (c *captureController) Status(ctx *fiber.Ctx) error {
	res, err := c.service.Status(ctx.UserContext(), ctx.Params("note"))
	if err != nil {
		return domainError(err)
	}

	return ctx.JSON(serverutils.SuccessResponse("Success get session status", res))
}

func (c *captureController) History(ctx *fiber.Ctx) error {
	var req dto.HistoryRequest
	if err := ctx.QueryParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	req.NoteUUID = ctx.Params("note")
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.service.History(ctx.UserContext(), &req)
	if err != nil {
		return domainError(err)
	}

	return ctx.JSON(serverutils.SuccessResponse("Success get session history", res))
}
