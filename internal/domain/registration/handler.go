package registration

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

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
	staff := auth.RequireRole(auth.RoleNurse, auth.RolePhysician)

	api.POST("/registrations", h.Create, auth.RequireRole(auth.RoleDonor, auth.RoleNurse))
	api.GET("/registrations/:id", h.Get, auth.RequireRole(auth.RoleDonor, auth.RoleNurse, auth.RolePhysician))

	read := api.Group("", staff)
	read.GET("/registrations", h.List)
	read.GET("/registrations/code/:code", h.GetByCode)
	read.GET("/registrations/:id/successors", h.Successors)
	read.GET("/registrations/:id/donor-status", h.DonorStatusHistory)

	write := api.Group("", staff)
	write.POST("/registrations/check-in", h.CheckIn)
	write.POST("/registrations/:id/transition", h.Transition)
	write.POST("/registrations/:id/donor-status", h.RecordDonorStatus)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func actor(c echo.Context) (uuid.UUID, error) {
	id, err := auth.ActorFromContext(c.Request().Context())
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return id, nil
}

// donorOnly reports whether the caller acts as a donor and nothing more.
func donorOnly(c echo.Context) bool {
	ctx := c.Request().Context()
	return auth.HasRole(ctx, auth.RoleDonor) && !auth.HasRole(ctx, auth.RoleNurse, auth.RolePhysician)
}

// setETag exposes the row version for the optional version field of a
// transition request.
func setETag(c echo.Context, r *Registration) {
	c.Response().Header().Set("ETag", `"`+strconv.Itoa(r.Version)+`"`)
}

func (h *Handler) Create(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if donorOnly(c) {
		self, err := actor(c)
		if err != nil {
			return err
		}
		in.DonorID = self
	}
	reg, err := h.svc.Create(c.Request().Context(), in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	setETag(c, reg)
	return c.JSON(http.StatusCreated, reg)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	reg, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if donorOnly(c) {
		if self, _ := actor(c); self != reg.DonorID {
			return echo.NewHTTPError(http.StatusNotFound, "registration not found")
		}
	}
	setETag(c, reg)
	return c.JSON(http.StatusOK, reg)
}

func (h *Handler) GetByCode(c echo.Context) error {
	reg, err := h.svc.GetByCode(c.Request().Context(), strings.ToUpper(c.Param("code")))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	setETag(c, reg)
	return c.JSON(http.StatusOK, reg)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f Filter
	for param, dst := range map[string]**uuid.UUID{"donor_id": &f.DonorID, "facility_id": &f.FacilityID} {
		if v := c.QueryParam(param); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+param)
			}
			*dst = &id
		}
	}
	if v := c.QueryParam("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			st := lifecycle.State(strings.ToUpper(strings.TrimSpace(s)))
			if !lifecycle.Registration.Valid(st) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid status "+s)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	for param, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		if v := c.QueryParam(param); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+param)
			}
			*dst = &ts
		}
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if items == nil {
		items = []*Registration{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

type transitionRequest struct {
	Status  lifecycle.State `json:"status"`
	Note    string          `json:"note"`
	Version *int            `json:"version"`
}

func (h *Handler) Transition(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	staffID, err := actor(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	reg, err := h.svc.Transition(c.Request().Context(), TransitionInput{
		ID:      id,
		To:      lifecycle.State(strings.ToUpper(string(req.Status))),
		ActorID: staffID,
		Note:    req.Note,
		Version: req.Version,
	})
	if err != nil {
		return apperr.ToHTTP(err)
	}
	setETag(c, reg)
	return c.JSON(http.StatusOK, reg)
}

func (h *Handler) CheckIn(c echo.Context) error {
	staffID, err := actor(c)
	if err != nil {
		return err
	}
	var in CheckInInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.ActorID = staffID
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	reg, err := h.svc.CheckIn(c.Request().Context(), in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, reg)
}

func (h *Handler) RecordDonorStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	staffID, err := actor(c)
	if err != nil {
		return err
	}
	var in DonorStatusInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.Status = lifecycle.State(strings.ToUpper(string(in.Status)))
	reg, entry, err := h.svc.RecordDonorStatus(c.Request().Context(), id, staffID, in)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"registration": reg,
		"entry":        entry,
	})
}

func (h *Handler) DonorStatusHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.DonorStatusHistory(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if items == nil {
		items = []*DonorStatusLog{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Successors(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	next, err := h.svc.Successors(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"successors": lifecycle.StatesAsStrings(next)})
}
