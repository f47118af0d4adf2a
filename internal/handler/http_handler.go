package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// ActorHeader carries the authenticated user id, set by the gateway.
const ActorHeader = "X-User-ID"

// HTTPHandler serves the approvals REST API.
type HTTPHandler struct {
	engine    *service.Engine
	templates *service.TemplateService
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(engine *service.Engine, templates *service.TemplateService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine:    engine,
		templates: templates,
		log:       log.Component("http"),
	}
}

// NewRouter builds the echo instance with every route and middleware.
func (h *HTTPHandler) NewRouter(gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = h.errorHandler

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(h.requestLogger)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := e.Group("/api/v1", requireActor)
	api.POST("/workflows/:code/instances", h.Submit)
	api.GET("/instances/:id", h.GetInstance)
	api.POST("/instances/:id/actions", h.Act)
	api.POST("/instances/:id/withdraw", h.Withdraw)
	api.POST("/instances/:id/re-resolve", h.ReResolve)
	api.GET("/approvals/pending", h.ListPending)
	api.GET("/applications", h.ListApplications)
	api.GET("/objects/:content_type/:object_id/status", h.GetStatus)

	api.PUT("/templates", h.UpsertTemplate)
	api.GET("/templates/:code", h.GetTemplate)
	api.PUT("/templates/:code/status", h.SetTemplateStatus)
	return e
}

func actor(c echo.Context) string {
	return c.Request().Header.Get(ActorHeader)
}

func requireActor(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if actor(c) == "" {
			return errors.New(errors.ErrCodeUnauthorized, "missing "+ActorHeader+" header")
		}
		return next(c)
	}
}

func (h *HTTPHandler) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		h.log.Debug().
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Int("status", c.Response().Status).
			Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
			Msg("request")
		return nil
	}
}

// errorHandler renders coded errors with their mapped status.
func (h *HTTPHandler) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := ErrorResponse{Code: string(errors.ErrCodeInternal), Message: "internal error"}

	var coded *errors.Error
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &coded):
		status = errors.HTTPStatus(coded.Code)
		body = ErrorResponse{Code: string(coded.Code), Message: coded.Message, Details: coded.Details}
	case errors.As(err, &httpErr):
		status = httpErr.Code
		body.Code = strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
		if msg, ok := httpErr.Message.(string); ok {
			body.Message = msg
		} else {
			body.Message = http.StatusText(status)
		}
	}

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	if err := c.JSON(status, body); err != nil {
		h.log.Error().Err(err).Msg("failed to write error response")
	}
}

// Submit starts an approval for a business object.
// (POST /api/v1/workflows/:code/instances)
func (h *HTTPHandler) Submit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return errors.InvalidInput("body", err.Error())
	}

	inst, err := h.engine.Submit(c.Request().Context(), service.SubmitRequest{
		WorkflowCode: c.Param("code"),
		Object:       repository.ObjectRef{ContentType: req.ContentType, ObjectID: req.ObjectID},
		Applicant:    actor(c),
		Comment:      req.Comment,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toInstance(inst))
}

// GetInstance returns an instance with its decision history.
// (GET /api/v1/instances/:id)
func (h *HTTPHandler) GetInstance(c echo.Context) error {
	detail, err := h.engine.GetInstance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toDetail(detail))
}

// Act records a decision by the caller.
// (POST /api/v1/instances/:id/actions)
func (h *HTTPHandler) Act(c echo.Context) error {
	var req ActRequest
	if err := c.Bind(&req); err != nil {
		return errors.InvalidInput("body", err.Error())
	}
	decision, err := ParseDecision(req.Decision)
	if err != nil {
		return err
	}

	inst, err := h.engine.Act(c.Request().Context(), service.ActRequest{
		InstanceID: c.Param("id"),
		Actor:      actor(c),
		Decision:   decision,
		Comment:    req.Comment,
		TransferTo: req.TransferTo,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toInstance(inst))
}

// Withdraw lets the applicant pull back a pending instance.
// (POST /api/v1/instances/:id/withdraw)
func (h *HTTPHandler) Withdraw(c echo.Context) error {
	var req CommentRequest
	if err := c.Bind(&req); err != nil {
		return errors.InvalidInput("body", err.Error())
	}
	inst, err := h.engine.Withdraw(c.Request().Context(), c.Param("id"), actor(c), req.Comment)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toInstance(inst))
}

// ReResolve retries approver resolution for a stuck node.
// (POST /api/v1/instances/:id/re-resolve)
func (h *HTTPHandler) ReResolve(c echo.Context) error {
	inst, err := h.engine.ReResolve(c.Request().Context(), c.Param("id"), actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toInstance(inst))
}

// ListPending returns the caller's inbox.
// (GET /api/v1/approvals/pending)
func (h *HTTPHandler) ListPending(c echo.Context) error {
	items, err := h.engine.ListPendingFor(c.Request().Context(), actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toPending(items))
}

// ListApplications returns what the caller submitted.
// (GET /api/v1/applications)
func (h *HTTPHandler) ListApplications(c echo.Context) error {
	list, err := h.engine.ListMyApplications(c.Request().Context(), actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toInstances(list))
}

// GetStatus returns the latest instance for a business object.
// (GET /api/v1/objects/:content_type/:object_id/status?workflow=CODE)
func (h *HTTPHandler) GetStatus(c echo.Context) error {
	objectID, err := strconv.ParseInt(c.Param("object_id"), 10, 64)
	if err != nil {
		return errors.InvalidInput("object_id", "must be an integer")
	}
	ref := repository.ObjectRef{ContentType: c.Param("content_type"), ObjectID: objectID}
	inst, err := h.engine.GetStatus(c.Request().Context(), ref, c.QueryParam("workflow"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toInstance(inst))
}

// UpsertTemplate installs or updates a template by code.
// (PUT /api/v1/templates)
func (h *HTTPHandler) UpsertTemplate(c echo.Context) error {
	var cfg service.TemplateConfig
	if err := c.Bind(&cfg); err != nil {
		return errors.InvalidInput("body", err.Error())
	}
	tmpl, err := h.templates.UpsertTemplate(c.Request().Context(), cfg, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toTemplate(tmpl))
}

// GetTemplate returns a template by code.
// (GET /api/v1/templates/:code)
func (h *HTTPHandler) GetTemplate(c echo.Context) error {
	tmpl, err := h.templates.GetTemplate(c.Request().Context(), c.Param("code"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toTemplate(tmpl))
}

// SetTemplateStatus activates or deactivates a template.
// (PUT /api/v1/templates/:code/status)
func (h *HTTPHandler) SetTemplateStatus(c echo.Context) error {
	var req TemplateStatusRequest
	if err := c.Bind(&req); err != nil {
		return errors.InvalidInput("body", err.Error())
	}
	tmpl, err := h.templates.SetTemplateStatus(c.Request().Context(), c.Param("code"), repository.TemplateStatus(req.Status))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toTemplate(tmpl))
}

// ParseDecision accepts both verb and past-tense spellings.
func ParseDecision(s string) (service.Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return service.DecisionApprove, nil
	case "reject", "rejected":
		return service.DecisionReject, nil
	case "transfer", "transferred":
		return service.DecisionTransfer, nil
	}
	return "", errors.InvalidInput("decision", "must be approve, reject or transfer")
}
