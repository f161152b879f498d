package devserver

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/chatsync/src/auth"
	"github.com/orchestra-mcp/chatsync/src/service"
	"github.com/orchestra-mcp/chatsync/src/types"
)

const identityKey = "identity"

func (s *Server) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "chatsync-devserver",
		ErrorHandler: errorHandler,
	})

	app.Get("/ws/info", s.handleInfo)

	api := app.Group("/api", s.requireAuth)
	api.Get("/messages", s.handleHistory)
	api.Post("/messages", s.handleCreate)
	api.Put("/messages/:id", s.handleEdit)
	api.Delete("/messages/:id", s.handleDelete)
	return app
}

func errorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := err.Error()

	var fe *fiber.Error
	var ve *types.ValidationError
	switch {
	case errors.As(err, &fe):
		code, msg = fe.Code, fe.Message
	case errors.As(err, &ve):
		code = fiber.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		code = fiber.StatusForbidden
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"websocket": true,
		"endpoint":  "/ws",
		"clients":   s.hub.ClientCount(),
		"bridge":    s.bridge != nil && s.bridge.Available(),
	})
}

// requireAuth validates the bearer token and stores the identity in locals.
func (s *Server) requireAuth(c fiber.Ctx) error {
	token := bearer(c.Get(fiber.HeaderAuthorization))
	if token == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing authorization header")
	}
	id, err := auth.Validate(s.secret, token)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid or expired token")
	}
	c.Locals(identityKey, id)
	return c.Next()
}

func bearer(header string) string {
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return ""
	}
	return strings.TrimSpace(token)
}

func author(c fiber.Ctx) service.Author {
	id, _ := c.Locals(identityKey).(auth.Identity)
	return service.Author{ID: id.UserID, Name: id.Name}
}

func (s *Server) handleHistory(c fiber.Ctx) error {
	page, err := strconv.Atoi(c.Query("page", "1"))
	if err != nil || page < 1 {
		return fiber.NewError(fiber.StatusBadRequest, "page must be a positive integer")
	}
	limit, err := strconv.Atoi(c.Query("limit", "50"))
	if err != nil || limit < 1 || limit > 200 {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 200")
	}
	return c.JSON(fiber.Map{"messages": s.service.History(page, limit)})
}

type createBody struct {
	Content string            `json:"content"`
	Kind    types.MessageKind `json:"kind"`
}

func (s *Server) handleCreate(c fiber.Ctx) error {
	var body createBody
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
	}
	m, err := s.service.CreateMessage(author(c), body.Content, body.Kind)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(m)
}

type editBody struct {
	Content string `json:"content"`
}

func (s *Server) handleEdit(c fiber.Ctx) error {
	id, err := messageID(c)
	if err != nil {
		return err
	}
	var body editBody
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
	}
	m, err := s.service.EditMessage(author(c), id, body.Content)
	if err != nil {
		return err
	}
	return c.JSON(m)
}

func (s *Server) handleDelete(c fiber.Ctx) error {
	id, err := messageID(c)
	if err != nil {
		return err
	}
	if err := s.service.DeleteMessage(author(c), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func messageID(c fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid message id")
	}
	return id, nil
}
