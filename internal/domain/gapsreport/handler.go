package gapsreport

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/caregaps/internal/gaps"
	"github.com/ehr/caregaps/internal/platform/fhir"
	"github.com/ehr/caregaps/internal/queryfilter"
	"github.com/ehr/caregaps/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	api.GET("/gaps-reports", h.ListReports)
	api.GET("/gaps-reports/:id", h.GetReport)

	fhirGroup.POST("/Measure/$care-gaps", h.CareGaps)
	fhirGroup.GET("/Bundle/:id", h.GetBundle)
}

// parametersResource is the FHIR Parameters envelope returned by $care-gaps.
type parametersResource struct {
	ResourceType string      `json:"resourceType"`
	Parameter    []parameter `json:"parameter"`
}

type parameter struct {
	Name     string      `json:"name"`
	Resource interface{} `json:"resource"`
}

// -- FHIR Endpoints --

// CareGaps calculates a gaps-in-care document. The response is a Parameters
// resource whose "return" is the document Bundle; soft diagnostics follow as
// an OperationOutcome under "diagnostics".
func (h *Handler) CareGaps(c echo.Context) error {
	var req CalculateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid request body: "+err.Error()))
	}

	out, err := h.svc.Calculate(c.Request().Context(), &req)
	if err != nil {
		return c.JSON(statusFor(err), fhir.ErrorOutcome(err.Error()))
	}

	params := parametersResource{
		ResourceType: "Parameters",
		Parameter:    []parameter{{Name: "return", Resource: out.Result.Bundle}},
	}
	if outcome := Diagnostics(out.Result.Errors); outcome != nil {
		params.Parameter = append(params.Parameter, parameter{Name: "diagnostics", Resource: outcome})
	}
	if out.Report != nil {
		c.Response().Header().Set("Location", "/fhir/Bundle/"+out.Report.BundleID)
	}
	return c.JSON(http.StatusOK, params)
}

func (h *Handler) GetBundle(c echo.Context) error {
	raw, err := h.svc.GetBundle(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Bundle", c.Param("id")))
		}
		return c.JSON(statusFor(err), fhir.ErrorOutcome(err.Error()))
	}
	return c.Blob(http.StatusOK, "application/fhir+json", raw)
}

// -- REST Endpoints --

func (h *Handler) GetReport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.svc.GetReport(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "gaps report not found")
		}
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListReports(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := ListFilter{Patient: c.QueryParam("patient"), Measure: c.QueryParam("measure")}
	items, total, err := h.svc.ListReports(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, gaps.ErrLibraryNotFound),
		errors.Is(err, gaps.ErrStatementNotFound):
		return http.StatusBadRequest
	case errors.Is(err, queryfilter.ErrQueryNotFound),
		errors.Is(err, queryfilter.ErrNotAQuery),
		errors.Is(err, gaps.ErrUnsupportedComparator):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPersistenceDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
