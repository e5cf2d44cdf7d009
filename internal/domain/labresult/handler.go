package labresult

import (
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/labdesk/labdesk/internal/platform/db"
	"github.com/labdesk/labdesk/internal/platform/websocket"
	"github.com/labdesk/labdesk/pkg/pagination"
)

type Handler struct {
	svc  *Service
	live *websocket.Hub
	// sessions with a running change pump
	pumps sync.Map
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// WithLive enables GET /sessions/:id/watch over hub.
func (h *Handler) WithLive(hub *websocket.Hub) *Handler {
	h.live = hub
	return h
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Catalog
	api.GET("/categories", h.ListCategories)
	api.GET("/test-types", h.ListTestTypes)
	api.GET("/test-types/:id/parameters", h.ListParameters)
	api.GET("/doctors", h.ListDoctors)
	api.GET("/patients", h.ListPatients)

	// Results
	api.GET("/results/:id", h.GetResult)
	api.POST("/results/:id/status", h.TransitionStatus)

	// Form sessions
	api.POST("/sessions", h.OpenSession)
	api.GET("/sessions/:id", h.GetSession)
	api.DELETE("/sessions/:id", h.CloseSession)
	api.PUT("/sessions/:id/fields", h.SetFields)
	api.POST("/sessions/:id/selections/:typeId", h.Select)
	api.DELETE("/sessions/:id/selections/:typeId", h.Deselect)
	api.POST("/sessions/:id/selections/:typeId/reload", h.Reload)
	api.PUT("/sessions/:id/selections/:typeId/parameters/:paramId", h.SetValue)
	api.DELETE("/sessions/:id/selections/:typeId/parameters/:paramId", h.RemoveParameter)
	api.POST("/sessions/:id/submit", h.Submit)
	api.POST("/sessions/:id/suspend", h.Suspend)
	api.GET("/sessions/:id/watch", h.Watch)

	// Drafts
	api.GET("/drafts", h.ListDrafts)
	api.POST("/drafts/:id/resume", h.ResumeDraft)
	api.DELETE("/drafts/:id", h.DeleteDraft)
}

// -- Catalog Handlers --

func (h *Handler) ListCategories(c echo.Context) error {
	items, err := h.svc.ListCategories(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListTestTypes(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, err := h.svc.ListTestTypes(c.Request().Context(), pg.Peek(), pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, pg))
}

func (h *Handler) ListParameters(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListParameters(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListDoctors(c echo.Context) error {
	items, err := h.svc.ListDoctors(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListPatients(c echo.Context) error {
	items, err := h.svc.ListPatients(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Result Handlers --

func (h *Handler) GetResult(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	detail, err := h.svc.GetResult(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) TransitionStatus(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "status is required")
	}
	header, err := h.svc.TransitionStatus(c.Request().Context(), id, body.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, header)
}

// -- Session Handlers --

func (h *Handler) OpenSession(c echo.Context) error {
	var body struct {
		ResultID *uuid.UUID `json:"result_id"`
	}
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	sess, err := h.svc.OpenSession(c.Request().Context(), tenantOf(c), body.ResultID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sess.View())
}

func (h *Handler) GetSession(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (h *Handler) CloseSession(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.CloseSession(tenantOf(c), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SetFields(c echo.Context) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	var fields HeaderFields
	if err := c.Bind(&fields); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := sess.SetFields(fields); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (h *Handler) Select(c echo.Context) error {
	return h.selection(c, (*Session).Select, http.StatusAccepted)
}

func (h *Handler) Deselect(c echo.Context) error {
	return h.selection(c, (*Session).Deselect, http.StatusOK)
}

func (h *Handler) Reload(c echo.Context) error {
	return h.selection(c, (*Session).Reload, http.StatusAccepted)
}

func (h *Handler) selection(c echo.Context, op func(*Session, uuid.UUID) error, status int) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	typeID, err := uuidParam(c, "typeId")
	if err != nil {
		return err
	}
	if err := op(sess, typeID); err != nil {
		return httpError(err)
	}
	return c.JSON(status, sess.View())
}

func (h *Handler) SetValue(c echo.Context) error {
	sess, typeID, paramID, err := h.parameter(c)
	if err != nil {
		return err
	}
	var body struct {
		Value string `json:"value"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := sess.SetValue(typeID, paramID, body.Value); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (h *Handler) RemoveParameter(c echo.Context) error {
	sess, typeID, paramID, err := h.parameter(c)
	if err != nil {
		return err
	}
	if err := sess.RemoveParameter(typeID, paramID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (h *Handler) Submit(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	resultID, err := h.svc.SubmitSession(c.Request().Context(), tenantOf(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"result_id": resultID})
}

func (h *Handler) Suspend(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	d, err := h.svc.SuspendSession(tenantOf(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"draft_id": d.SessionID, "saved_at": d.SavedAt})
}

// Watch streams the session view over a WebSocket, once on connect and again
// after every change. The stream ends when the session closes.
func (h *Handler) Watch(c echo.Context) error {
	if h.live == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "live updates are disabled")
	}
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	topic := sess.ID().String()
	if err := h.live.Serve(c, topic, sess.View()); err != nil {
		return err
	}
	if _, running := h.pumps.LoadOrStore(sess, struct{}{}); !running {
		go h.pump(sess, topic)
	}
	return nil
}

// pump publishes the view of sess on each change signal until it closes.
func (h *Handler) pump(sess *Session, topic string) {
	defer h.pumps.Delete(sess)
	defer h.live.CloseTopic(topic)
	if sess.Closed() {
		return
	}
	for range sess.Changes() {
		h.live.Publish(topic, sess.View())
		if sess.Closed() {
			return
		}
	}
}

// -- Draft Handlers --

func (h *Handler) ListDrafts(c echo.Context) error {
	items, err := h.svc.ListDrafts(tenantOf(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ResumeDraft(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	sess, err := h.svc.ResumeDraft(tenantOf(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sess.View())
}

func (h *Handler) DeleteDraft(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteDraft(tenantOf(c), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Helpers --

func (h *Handler) session(c echo.Context) (*Session, error) {
	id, err := uuidParam(c, "id")
	if err != nil {
		return nil, err
	}
	sess, err := h.svc.Session(tenantOf(c), id)
	if err != nil {
		return nil, httpError(err)
	}
	return sess, nil
}

func (h *Handler) parameter(c echo.Context) (*Session, uuid.UUID, uuid.UUID, error) {
	sess, err := h.session(c)
	if err != nil {
		return nil, uuid.Nil, uuid.Nil, err
	}
	typeID, err := uuidParam(c, "typeId")
	if err != nil {
		return nil, uuid.Nil, uuid.Nil, err
	}
	paramID, err := uuidParam(c, "paramId")
	if err != nil {
		return nil, uuid.Nil, uuid.Nil, err
	}
	return sess, typeID, paramID, nil
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func tenantOf(c echo.Context) string {
	if tid, ok := c.Get("tenant_id").(string); ok && tid != "" {
		return tid
	}
	return db.TenantFromContext(c.Request().Context())
}

// httpError maps engine errors to responses.
func httpError(err error) error {
	var (
		verr *ValidationError
		perr *PersistenceError
	)
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message": "validation failed",
			"fields":  verr.Fields,
		})
	case errors.As(err, &perr):
		return echo.NewHTTPError(http.StatusInternalServerError, map[string]interface{}{
			"message":   "result could not be saved",
			"step":      perr.Step,
			"completed": perr.Completed,
			"code":      perr.Code,
			"result_id": perr.ResultID,
		})
	case errors.Is(err, ErrCatalogUnavailable):
		return echo.NewHTTPError(http.StatusBadGateway, "catalog unavailable")
	case errors.Is(err, ErrResultNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "result not found")
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrDraftNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrSubmitInProgress), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrDraftsDisabled):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
