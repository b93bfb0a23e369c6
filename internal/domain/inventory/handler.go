package inventory

import (
	"bytes"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/bloodbank/bloodbank/internal/domain/blood"
	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/internal/platform/auth"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/inventory", auth.RequireRole(auth.RoleNurse, auth.RolePhysician, auth.RoleLab, auth.RoleAdmin))
	g.GET("", h.List)
	g.GET("/export", h.Export)
	g.POST("/reservations", h.Reserve)
	g.POST("/units/:id/consume", h.Consume)
	g.POST("/reconcile", h.Reconcile, auth.RequireRole(auth.RoleAdmin))
}

func (h *Handler) filter(c echo.Context) (Filter, error) {
	f := Filter{
		Group:     blood.Group(c.QueryParam("blood_group")),
		Component: blood.Component(c.QueryParam("component")),
	}
	if v := c.QueryParam("facility_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, echo.NewHTTPError(http.StatusBadRequest, "invalid facility_id")
		}
		f.FacilityID = &id
	}
	return f, nil
}

func (h *Handler) List(c echo.Context) error {
	f, err := h.filter(c)
	if err != nil {
		return err
	}
	records, err := h.svc.Availability(c.Request().Context(), f)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if records == nil {
		records = []*Record{}
	}
	return c.JSON(http.StatusOK, records)
}

func (h *Handler) Export(c echo.Context) error {
	f, err := h.filter(c)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := h.svc.Export(c.Request().Context(), f, &buf); err != nil {
		return apperr.ToHTTP(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="inventory.xlsx"`)
	return c.Blob(http.StatusOK, xlsxContentType, buf.Bytes())
}

// Reserve answers 409 with the partial reservation when supply falls short.
func (h *Handler) Reserve(c echo.Context) error {
	var in ReserveInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Reserve(c.Request().Context(), in)
	if err != nil {
		if res != nil && apperr.Is(err, apperr.KindCapacity) {
			return c.JSON(http.StatusConflict, map[string]any{
				"kind":        string(apperr.KindCapacity),
				"message":     err.Error(),
				"reservation": res,
			})
		}
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Consume(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	staffID, err := auth.ActorFromContext(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	u, err := h.svc.Consume(c.Request().Context(), id, staffID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"id": u.ID, "code": u.Code, "status": u.Status})
}

func (h *Handler) Reconcile(c echo.Context) error {
	drift, err := h.svc.Reconcile(c.Request().Context())
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if drift == nil {
		drift = []Drift{}
	}
	return c.JSON(http.StatusOK, map[string]any{"drift": drift})
}
