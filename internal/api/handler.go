// Package api exposes screening, conversations, alerts, cases, account networks and rules over HTTP.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/banking/aml-agents/internal/agents"
	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/pkg/logger"
	"github.com/banking/aml-agents/internal/rules"
)

type Screener interface {
	Screen(ctx context.Context, tx *domain.Transaction, customer *domain.Customer) (*domain.ScreeningOutcome, error)
}

type ConversationStore interface {
	Conversation(id string) (*agents.Conversation, error)
}

type AlertService interface {
	Get(ctx context.Context, id string) (*domain.Alert, error)
	List(ctx context.Context, f domain.AlertFilter) ([]*domain.Alert, error)
	Transition(ctx context.Context, id string, to domain.AlertStatus, actor, reason string) (*domain.Alert, error)
}

type CaseService interface {
	Create(ctx context.Context, narrative string, alertIDs ...string) (*domain.Case, error)
	Get(ctx context.Context, id string) (*domain.Case, error)
	List(ctx context.Context, f domain.CaseFilter) ([]*domain.Case, error)
	Attach(ctx context.Context, caseID, alertID string) (*domain.Case, error)
	Detach(ctx context.Context, caseID, alertID string) (*domain.Case, error)
	Close(ctx context.Context, caseID string) (*domain.Case, error)
	UpdateNarrative(ctx context.Context, caseID, narrative string) (*domain.Case, error)
}

type RuleService interface {
	Info() domain.RuleSetInfo
	LoadDocument(source string, data []byte) (*rules.RuleSet, []domain.Diagnostic, error)
}

// NetworkService answers account neighbourhood queries over recent transfers
type NetworkService interface {
	Network(account string, depth int) domain.AccountNetwork
}

// RuleVersionRecorder is told about every published rule set
type RuleVersionRecorder interface {
	SetRuleSetVersion(v int64)
}

type Handler struct {
	screener      Screener
	conversations ConversationStore
	alerts        AlertService
	cases         CaseService
	rules         RuleService
	ruleVersions  RuleVersionRecorder
	networks      NetworkService
	log           *logger.Logger
}

func NewHandler(
	screener Screener,
	conversations ConversationStore,
	alertService AlertService,
	caseService CaseService,
	ruleService RuleService,
	ruleVersions RuleVersionRecorder,
	networks NetworkService,
	log *logger.Logger,
) *Handler {
	return &Handler{
		screener:      screener,
		conversations: conversations,
		alerts:        alertService,
		cases:         caseService,
		rules:         ruleService,
		ruleVersions:  ruleVersions,
		networks:      networks,
		log:           log.Named("api"),
	}
}

// RegisterRoutes registers the API routes
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/screenings", h.Screen)
	g.GET("/conversations/:id", h.GetConversation)

	g.GET("/alerts", h.ListAlerts)
	g.GET("/alerts/:id", h.GetAlert)
	g.PATCH("/alerts/:id/status", h.TransitionAlert)

	g.POST("/cases", h.CreateCase)
	g.GET("/cases", h.ListCases)
	g.GET("/cases/:id", h.GetCase)
	g.PATCH("/cases/:id", h.UpdateCase)
	g.POST("/cases/:id/alerts", h.AttachAlert)
	g.DELETE("/cases/:id/alerts/:alert_id", h.DetachAlert)
	g.POST("/cases/:id/close", h.CloseCase)

	g.GET("/accounts/:id/network", h.GetNetwork)

	g.GET("/rules", h.GetRules)
	g.POST("/rules/reload", h.ReloadRules)
}

type ScreeningRequest struct {
	Transaction *domain.Transaction `json:"transaction"`
	Customer    *domain.Customer    `json:"customer,omitempty"`
}

// Screen handles POST /v1/screenings
func (h *Handler) Screen(c echo.Context) error {
	var req ScreeningRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	outcome, err := h.screener.Screen(c.Request().Context(), req.Transaction, req.Customer)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, outcome)
}

// GetConversation handles GET /v1/conversations/:id
func (h *Handler) GetConversation(c echo.Context) error {
	conv, err := h.conversations.Conversation(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, conv)
}

// ListAlerts handles GET /v1/alerts
func (h *Handler) ListAlerts(c echo.Context) error {
	var (
		f      domain.AlertFilter
		status string
	)
	err := echo.QueryParamsBinder(c).
		String("status", &status).
		String("customer_id", &f.CustomerID).
		String("case_id", &f.CaseID).
		Time("from", &f.From, time.RFC3339).
		Time("to", &f.To, time.RFC3339).
		Int("limit", &f.Limit).
		Int("offset", &f.Offset).
		BindError()
	if err != nil {
		return badRequest(c, "invalid query parameters")
	}
	if status != "" {
		f.Status = domain.AlertStatus(status)
		if !f.Status.Valid() {
			return badRequest(c, "unknown alert status "+status)
		}
	}

	list, err := h.alerts.List(c.Request().Context(), f)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"alerts": list, "count": len(list)})
}

// GetAlert handles GET /v1/alerts/:id
func (h *Handler) GetAlert(c echo.Context) error {
	a, err := h.alerts.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

type TransitionRequest struct {
	Status domain.AlertStatus `json:"status"`
	Actor  string             `json:"actor"`
	Reason string             `json:"reason,omitempty"`
}

// TransitionAlert handles PATCH /v1/alerts/:id/status
func (h *Handler) TransitionAlert(c echo.Context) error {
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Actor == "" {
		req.Actor = subject(c)
	}
	a, err := h.alerts.Transition(c.Request().Context(), c.Param("id"), req.Status, req.Actor, req.Reason)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

type CaseRequest struct {
	Narrative string   `json:"narrative"`
	AlertIDs  []string `json:"alert_ids,omitempty"`
}

// CreateCase handles POST /v1/cases
func (h *Handler) CreateCase(c echo.Context) error {
	var req CaseRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	created, err := h.cases.Create(c.Request().Context(), req.Narrative, req.AlertIDs...)
	if err != nil {
		if created != nil {
			// the case exists but holds only some of the requested alerts
			c.Response().Header().Set("X-Case-ID", created.ID)
		}
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

// ListCases handles GET /v1/cases
func (h *Handler) ListCases(c echo.Context) error {
	var (
		f      domain.CaseFilter
		status string
	)
	err := echo.QueryParamsBinder(c).
		String("status", &status).
		Int("limit", &f.Limit).
		Int("offset", &f.Offset).
		BindError()
	if err != nil {
		return badRequest(c, "invalid query parameters")
	}
	switch domain.CaseStatus(status) {
	case "", domain.CaseStatusOpen, domain.CaseStatusClosed:
		f.Status = domain.CaseStatus(status)
	default:
		return badRequest(c, "unknown case status "+status)
	}

	list, err := h.cases.List(c.Request().Context(), f)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"cases": list, "count": len(list)})
}

// GetCase handles GET /v1/cases/:id
func (h *Handler) GetCase(c echo.Context) error {
	found, err := h.cases.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, found)
}

// UpdateCase handles PATCH /v1/cases/:id
func (h *Handler) UpdateCase(c echo.Context) error {
	var req CaseRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	updated, err := h.cases.UpdateNarrative(c.Request().Context(), c.Param("id"), req.Narrative)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

type AttachRequest struct {
	AlertID string `json:"alert_id"`
}

// AttachAlert handles POST /v1/cases/:id/alerts
func (h *Handler) AttachAlert(c echo.Context) error {
	var req AttachRequest
	if err := c.Bind(&req); err != nil || req.AlertID == "" {
		return badRequest(c, "alert_id is required")
	}
	updated, err := h.cases.Attach(c.Request().Context(), c.Param("id"), req.AlertID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

// DetachAlert handles DELETE /v1/cases/:id/alerts/:alert_id
func (h *Handler) DetachAlert(c echo.Context) error {
	updated, err := h.cases.Detach(c.Request().Context(), c.Param("id"), c.Param("alert_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

// CloseCase handles POST /v1/cases/:id/close
func (h *Handler) CloseCase(c echo.Context) error {
	closed, err := h.cases.Close(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, closed)
}

// GetRules handles GET /v1/rules
func (h *Handler) GetRules(c echo.Context) error {
	return c.JSON(http.StatusOK, h.rules.Info())
}

type ReloadResponse struct {
	Version     int64               `json:"version"`
	Rules       int                 `json:"rules"`
	Diagnostics []domain.Diagnostic `json:"diagnostics"`
}

// ReloadRules handles POST /v1/rules/reload. The body is the rule document.
func (h *Handler) ReloadRules(c echo.Context) error {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return badRequest(c, "failed to read rule document")
	}
	rs, diags, err := h.rules.LoadDocument("api", data)
	if err != nil {
		return writeError(c, err)
	}
	if h.ruleVersions != nil {
		h.ruleVersions.SetRuleSetVersion(rs.Version)
	}
	if diags == nil {
		diags = []domain.Diagnostic{}
	}
	h.log.Info("rules reloaded via api",
		logger.StringField("actor", subject(c)),
		logger.IntField("rejected", len(diags)),
	)
	return c.JSON(http.StatusOK, ReloadResponse{Version: rs.Version, Rules: len(rs.Rules()), Diagnostics: diags})
}

// GetNetwork handles GET /v1/accounts/:id/network
func (h *Handler) GetNetwork(c echo.Context) error {
	depth := 2
	if err := echo.QueryParamsBinder(c).Int("depth", &depth).BindError(); err != nil {
		return badRequest(c, "invalid depth")
	}
	account := c.Param("id")
	network := h.networks.Network(account, depth)
	if len(network.Edges) == 0 {
		return writeError(c, fmt.Errorf("account %s: %w", account, domain.ErrNotFound))
	}
	return c.JSON(http.StatusOK, network)
}
