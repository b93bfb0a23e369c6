package bloodunit

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/bloodbank/bloodbank/internal/domain/blood"
	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/blood-units", auth.RequireRole(auth.RoleNurse, auth.RolePhysician, auth.RoleLab))
	read.GET("", h.List)
	read.GET("/:id", h.Get)

	lab := auth.RequireRole(auth.RoleLab, auth.RolePhysician)
	api.PATCH("/blood-units/:id", h.Update, lab)
	api.POST("/donations/:id/fractionate", h.Fractionate, lab)
}

type fractionateRequest struct {
	Units []UnitRequest `json:"units"`
}

func (h *Handler) Fractionate(c echo.Context) error {
	donationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	staffID, err := auth.ActorFromContext(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	var req fractionateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	units, err := h.svc.Fractionate(c.Request().Context(), donationID, staffID, req.Units)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, units)
}

func (h *Handler) Update(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	staffID, err := auth.ActorFromContext(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	var p UnitPatch
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u, err := h.svc.UpdateUnit(c.Request().Context(), id, staffID, p)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	u, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, u)
}

// List accepts expiring_within as a Go duration ("72h"); "true" uses the
// configured window.
func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		Group:     blood.Group(c.QueryParam("blood_group")),
		Component: blood.Component(c.QueryParam("component")),
		Status:    lifecycle.State(strings.ToLower(c.QueryParam("status"))),
	}
	for param, dst := range map[string]**uuid.UUID{
		"donation_id": &f.DonationID,
		"facility_id": &f.FacilityID,
	} {
		if v := c.QueryParam(param); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+param)
			}
			*dst = &id
		}
	}
	if v := c.QueryParam("expiring_within"); v != "" {
		var d time.Duration
		if v != "true" {
			var err error
			if d, err = time.ParseDuration(v); err != nil || d <= 0 {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid expiring_within")
			}
		}
		by := h.svc.ExpiringWithin(d)
		f.ExpiringBy = &by
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if items == nil {
		items = []*BloodUnit{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}
