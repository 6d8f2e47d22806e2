package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"StratSplit/internal/domain/models"
	domrepo "StratSplit/internal/domain/repository"
	"StratSplit/internal/repository"
	"StratSplit/internal/services/abtest"
	"StratSplit/internal/usecase"
	xhttp "StratSplit/pkg/http"
	xlogger "StratSplit/pkg/logger"
)

// ExperimentsEchoHandler exposes experiments over HTTP.
type ExperimentsEchoHandler struct {
	logger   *xlogger.Logger
	registry *usecase.Registry
	reports  domrepo.ReportCache
}

// NewExperimentsEchoHandler creates the handler. reports may be nil.
func NewExperimentsEchoHandler(logger *xlogger.Logger, registry *usecase.Registry, reports domrepo.ReportCache) *ExperimentsEchoHandler {
	return &ExperimentsEchoHandler{logger: logger, registry: registry, reports: reports}
}

func (h *ExperimentsEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)

	g := e.Group("/api")
	g.GET("/plan", h.Plan)
	g.GET("/experiments", h.List)
	g.GET("/experiments/:name/report", h.Report)
	g.POST("/experiments/:name/route", h.Route)
	g.POST("/experiments/:name/settle", h.Settle)
	g.POST("/experiments/:name/stop", h.Stop)
}

func (h *ExperimentsEchoHandler) Health(c echo.Context) error {
	return xhttp.SuccessResponse(c, map[string]interface{}{
		"status":      "ok",
		"experiments": len(h.registry.All()),
	})
}

func (h *ExperimentsEchoHandler) List(c echo.Context) error {
	ms := h.registry.All()
	rows := make([]models.ExperimentSummary, 0, len(ms))
	for _, m := range ms {
		rows = append(rows, models.ExperimentSummary{
			Name:     m.Name(),
			RunID:    m.RunID(),
			Control:  m.Control(),
			Variants: m.Variants(),
			Status:   m.Status(),
		})
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *ExperimentsEchoHandler) Report(c echo.Context) error {
	req := &models.ReportRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	var report *models.Report
	if req.Cached && h.reports != nil {
		r, err := h.reports.GetReport(c.Request().Context(), req.Name)
		if err != nil {
			return h.fail(c, "report cache", err)
		}
		report = r
	} else {
		m, err := h.registry.Get(req.Name)
		if err != nil {
			return h.fail(c, "report", err)
		}
		report = m.Report()
	}

	if req.Format == "text" {
		return xhttp.TextResponse(c, usecase.RenderText(report))
	}
	return xhttp.SuccessResponse(c, report)
}

func (h *ExperimentsEchoHandler) Route(c echo.Context) error {
	req := &models.RouteRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	m, err := h.registry.Get(req.Name)
	if err != nil {
		return h.fail(c, "route", err)
	}
	d, ok, err := m.RouteAndDecide(c.Request().Context(), req.TradeID, req.Context(), req.Price, req.Indicators)
	if err != nil {
		return h.fail(c, "route", err)
	}
	return xhttp.SuccessResponse(c, models.RouteResponse{Decision: d, Included: ok})
}

func (h *ExperimentsEchoHandler) Settle(c echo.Context) error {
	req := &models.SettleRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	m, err := h.registry.Get(req.Name)
	if err != nil {
		return h.fail(c, "settle", err)
	}
	if err := m.SettleObservation(req.Event().Observation()); err != nil {
		return h.fail(c, "settle", err)
	}
	return xhttp.SuccessResponse(c, m.Status())
}

// Stop latches a manual stop. Stopping an already stopped experiment is a conflict.
func (h *ExperimentsEchoHandler) Stop(c echo.Context) error {
	req := &models.StopRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	m, err := h.registry.Get(req.Name)
	if err != nil {
		return h.fail(c, "stop", err)
	}
	if prev := m.Status(); prev.Terminal() {
		return xhttp.AppErrorResponse(c,
			xhttp.ConflictErrorf("experiment %s already stopped: %s", req.Name, prev.String()).
				WithParam("kind", prev.Kind.String()))
	}
	reason := m.Stop(req.Note)
	h.logger.Info("experiment stopped by operator", xlogger.String("experiment", req.Name), xlogger.String("note", req.Note))
	return xhttp.SuccessResponse(c, reason)
}

func (h *ExperimentsEchoHandler) Plan(c echo.Context) error {
	req := &models.PlanRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	n, err := abtest.RequiredSampleSize(req.Baseline, req.Effect, req.Alpha, req.Power)
	if err != nil {
		return h.fail(c, "plan", err)
	}
	return xhttp.SuccessResponse(c, models.PlanResponse{PlanRequest: *req, PerVariant: n})
}

// fail maps domain errors onto HTTP errors.
func (h *ExperimentsEchoHandler) fail(c echo.Context, op string, err error) error {
	var appErr *xhttp.AppError
	switch {
	case errors.Is(err, usecase.ErrExperimentNotFound), errors.Is(err, repository.ErrReportNotCached):
		appErr = xhttp.NotFoundError(err.Error())
	case errors.Is(err, abtest.ErrUnknownVariant),
		errors.Is(err, abtest.ErrInvalidObservation),
		errors.Is(err, abtest.ErrInvalidPlan):
		appErr = xhttp.BadRequestError(err.Error())
	case errors.Is(err, abtest.ErrZeroWeight):
		appErr = xhttp.ConflictError(err.Error())
	default:
		h.logger.Error(op+" failed", xlogger.Error(err))
		appErr = xhttp.InternalError(http.StatusText(http.StatusInternalServerError))
	}
	return xhttp.AppErrorResponse(c, appErr.WithError(err))
}
