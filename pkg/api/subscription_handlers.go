package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/platinummonkey/caseguard/pkg/billing"
	"github.com/platinummonkey/caseguard/pkg/contextkeys"
	"github.com/platinummonkey/caseguard/pkg/httputil"
	"github.com/platinummonkey/caseguard/pkg/middleware"
)

// CreatePlanRequest defines a new plan
type CreatePlanRequest struct {
	Slug            string         `json:"slug"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	PriceCents      int64          `json:"priceCents"`
	BillingInterval string         `json:"billingInterval,omitempty"`
	TrialDays       int            `json:"trialDays,omitempty"`
	Public          *bool          `json:"isPublic,omitempty"`
	Modules         []string       `json:"modules"`
	Limits          map[string]int `json:"limits,omitempty"`
}

// SubscribeRequest puts the caller's organization on a plan
type SubscribeRequest struct {
	PlanID string `json:"planId"`
}

// CancelRequest cancels the caller's subscription
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.cfg.Billing.Plans(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, plans)
}

func (s *Server) createPlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.PriceCents < 0 || req.TrialDays < 0 {
		httputil.WriteBadRequest(w, "price and trial days must not be negative")
		return
	}

	plan := &billing.Plan{
		Slug:            req.Slug,
		Name:            req.Name,
		Description:     req.Description,
		PriceCents:      req.PriceCents,
		BillingInterval: billing.BillingInterval(req.BillingInterval),
		TrialDays:       req.TrialDays,
		Active:          true,
		Public:          req.Public == nil || *req.Public,
		Modules:         req.Modules,
		Limits:          req.Limits,
	}
	created, err := s.cfg.Billing.CreatePlan(r.Context(), middleware.IdentityFrom(r), plan)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteData(w, http.StatusCreated, created, "Plan created")
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.cfg.Billing.Current(r.Context(), contextkeys.GetTenant(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.PlanID, "planId") {
		return
	}

	ctx := r.Context()
	sub, err := s.cfg.Billing.Subscribe(ctx, middleware.IdentityFrom(r), contextkeys.GetTenant(ctx), req.PlanID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, sub, "Subscription activated")
}

func (s *Server) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := httputil.ParseJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	ctx := r.Context()
	if err := s.cfg.Billing.Cancel(ctx, middleware.IdentityFrom(r), contextkeys.GetTenant(ctx), req.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteMessage(w, "Subscription canceled")
}
