// Package record serves the gated patient-record resources: the history
// view behind the relationship guard and the summary and write endpoints
// behind single-use medical-scope tokens.
package record

import (
	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/internal/platform/api"
	"github.com/careportal/careportal/internal/platform/auth"
	"github.com/careportal/careportal/internal/platform/token"
	"github.com/careportal/careportal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group, pipeline *auth.Pipeline, guard *auth.Guard) {
	authed := g.Group("", pipeline.Authenticate())
	authed.GET("/patients/:patientId/medical-history", h.MedicalHistory, guard.RequirePatientAccess("patientId"))
	authed.GET("/medical-records/:patientId/summary", h.RecordSummary, guard.RequireMedicalScope(token.PermissionRead, "patientId"))
	authed.POST("/medical-records/:patientId/entries", h.AddEntry, guard.RequireMedicalScope(token.PermissionWrite, "patientId"))
}

func (h *Handler) MedicalHistory(c echo.Context) error {
	pg := pagination.FromContext(c)
	entries, total, err := h.svc.History(c.Request().Context(), c.Param("patientId"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return api.OK(c, "medical history", pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}

func (h *Handler) RecordSummary(c echo.Context) error {
	sum, err := h.svc.Summarize(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return err
	}
	return api.OK(c, "record summary", sum)
}

type entryRequest struct {
	RecordType string `json:"recordType"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}

func (h *Handler) AddEntry(c echo.Context) error {
	pr, ok := auth.PrincipalFrom(c)
	if !ok {
		return api.Unauthorized("authentication required")
	}
	var req entryRequest
	if err := c.Bind(&req); err != nil {
		return api.Malformed("malformed request body")
	}

	e, err := h.svc.AddEntry(c.Request().Context(), EntryParams{
		PatientID:  c.Param("patientId"),
		RecordType: req.RecordType,
		Title:      req.Title,
		Body:       req.Body,
		RecordedBy: pr.SubjectID,
	})
	if err != nil {
		return err
	}
	return api.Created(c, "entry recorded", e)
}
