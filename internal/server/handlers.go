package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openvlab/accounting/internal/apierror"
	"github.com/openvlab/accounting/internal/constants"
	"github.com/openvlab/accounting/internal/domain"
	"github.com/openvlab/accounting/internal/queue"
	"github.com/openvlab/accounting/internal/repository"
	"github.com/openvlab/accounting/internal/service"
)

// accountOut is the wire shape of an account.
type accountOut struct {
	ID          uuid.UUID             `json:"id"`
	AccountType constants.AccountType `json:"account_type"`
	ParentID    *uuid.UUID            `json:"parent_id,omitempty"`
	Name        string                `json:"name"`
	Balance     decimal.Decimal       `json:"balance"`
	Enabled     bool                  `json:"enabled"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func toAccountOut(a domain.Account) accountOut {
	out := accountOut{
		ID:          a.ID,
		AccountType: a.AccountType,
		Name:        a.Name,
		Balance:     a.Balance,
		Enabled:     a.Enabled,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
	if a.ParentID.Valid {
		out.ParentID = &a.ParentID.UUID
	}
	return out
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apierror.InvalidRequest("invalid " + name)
	}
	return id, nil
}

// requestID returns the id from the body when provided, or a fresh one.
// Platform services create accounts with their own ids so the two systems
// agree on the identifiers.
func requestID(id *uuid.UUID) uuid.UUID {
	if id != nil {
		return *id
	}
	return uuid.New()
}

func (s *Server) handleCreateSystem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   *uuid.UUID `json:"id"`
		Name string     `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	account, err := s.svc.CreateSystemAccount(r.Context(), requestID(req.ID), req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toAccountOut(account))
}

func (s *Server) handleCreateVlab(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      *uuid.UUID      `json:"id"`
		Name    string          `json:"name"`
		Balance decimal.Decimal `json:"balance"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	account, err := s.svc.CreateVlabAccount(r.Context(), requestID(req.ID), req.Name, req.Balance)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toAccountOut(account))
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     *uuid.UUID `json:"id"`
		Name   string     `json:"name"`
		VlabID uuid.UUID  `json:"vlab_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	account, err := s.svc.CreateProjAccount(r.Context(), requestID(req.ID), req.Name, req.VlabID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toAccountOut(account))
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VlabID uuid.UUID       `json:"vlab_id"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.svc.TopUp(r.Context(), req.VlabID, req.Amount); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (s *Server) handleAssignBudget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VlabID uuid.UUID       `json:"vlab_id"`
		ProjID uuid.UUID       `json:"proj_id"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.svc.AssignBudget(r.Context(), req.VlabID, req.ProjID, req.Amount); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (s *Server) handleReverseBudget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VlabID uuid.UUID       `json:"vlab_id"`
		ProjID uuid.UUID       `json:"proj_id"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.svc.ReverseBudget(r.Context(), req.VlabID, req.ProjID, req.Amount); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (s *Server) handleMoveBudget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VlabID      uuid.UUID       `json:"vlab_id"`
		DebitedFrom uuid.UUID       `json:"debited_from"`
		CreditedTo  uuid.UUID       `json:"credited_to"`
		Amount      decimal.Decimal `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	err := s.svc.MoveBudget(r.Context(), req.VlabID, req.DebitedFrom, req.CreditedTo, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

// priceOut is the wire shape of a price row.
type priceOut struct {
	ID             int64                    `json:"id"`
	ServiceType    constants.ServiceType    `json:"service_type"`
	ServiceSubtype constants.ServiceSubtype `json:"service_subtype"`
	ValidFrom      time.Time                `json:"valid_from"`
	ValidTo        *time.Time               `json:"valid_to"`
	FixedCost      decimal.Decimal          `json:"fixed_cost"`
	Multiplier     decimal.Decimal          `json:"multiplier"`
	VlabID         *uuid.UUID               `json:"vlab_id,omitempty"`
}

func toPriceOut(p domain.Price) priceOut {
	out := priceOut{
		ID:             p.ID,
		ServiceType:    p.ServiceType,
		ServiceSubtype: p.ServiceSubtype,
		ValidFrom:      p.ValidFrom,
		ValidTo:        p.ValidTo,
		FixedCost:      p.FixedCost,
		Multiplier:     p.Multiplier,
	}
	if p.VlabID.Valid {
		out.VlabID = &p.VlabID.UUID
	}
	return out
}

func (s *Server) handleAddPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServiceType    constants.ServiceType    `json:"service_type"`
		ServiceSubtype constants.ServiceSubtype `json:"service_subtype"`
		ValidFrom      time.Time                `json:"valid_from"`
		ValidTo        *time.Time               `json:"valid_to"`
		FixedCost      decimal.Decimal          `json:"fixed_cost"`
		Multiplier     decimal.Decimal          `json:"multiplier"`
		VlabID         *uuid.UUID               `json:"vlab_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if !req.ServiceType.Valid() || !req.ServiceSubtype.Valid() {
		s.writeError(w, apierror.InvalidRequest("unknown service type or subtype"))
		return
	}
	params := repository.AddPriceParams{
		ServiceType:    req.ServiceType,
		ServiceSubtype: req.ServiceSubtype,
		ValidFrom:      req.ValidFrom,
		ValidTo:        req.ValidTo,
		FixedCost:      req.FixedCost,
		Multiplier:     req.Multiplier,
	}
	if req.VlabID != nil {
		params.VlabID = uuid.NullUUID{UUID: *req.VlabID, Valid: true}
	}
	price, err := s.svc.AddPrice(r.Context(), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toPriceOut(price))
}

func (s *Server) handleListPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := s.svc.ListPrices(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]priceOut, len(prices))
	for i, p := range prices {
		out[i] = toPriceOut(p)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// discountOut is the wire shape of a discount row.
type discountOut struct {
	ID        int64           `json:"id"`
	VlabID    uuid.UUID       `json:"vlab_id"`
	ValidFrom time.Time       `json:"valid_from"`
	ValidTo   *time.Time      `json:"valid_to"`
	Discount  decimal.Decimal `json:"discount"`
}

func toDiscountOut(d domain.Discount) discountOut {
	return discountOut{
		ID:        d.ID,
		VlabID:    d.VlabID,
		ValidFrom: d.ValidFrom,
		ValidTo:   d.ValidTo,
		Discount:  d.Discount,
	}
}

func validDiscount(d decimal.Decimal) bool {
	return d.Sign() >= 0 && d.LessThan(decimal.NewFromInt(1))
}

func (s *Server) handleCreateDiscount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VlabID    uuid.UUID       `json:"vlab_id"`
		ValidFrom time.Time       `json:"valid_from"`
		ValidTo   *time.Time      `json:"valid_to"`
		Discount  decimal.Decimal `json:"discount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if !validDiscount(req.Discount) {
		s.writeError(w, apierror.InvalidRequest("discount must be in [0, 1)"))
		return
	}
	discount, err := s.svc.CreateDiscount(r.Context(), repository.CreateDiscountParams{
		VlabID:    req.VlabID,
		ValidFrom: req.ValidFrom,
		ValidTo:   req.ValidTo,
		Discount:  req.Discount,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toDiscountOut(discount))
}

func (s *Server) handleUpdateDiscount(w http.ResponseWriter, r *http.Request) {
	discountID, err := strconv.ParseInt(chi.URLParam(r, "discount_id"), 10, 64)
	if err != nil {
		s.writeError(w, apierror.InvalidRequest("invalid discount_id"))
		return
	}
	var req struct {
		ValidFrom *time.Time       `json:"valid_from"`
		ValidTo   *time.Time       `json:"valid_to"`
		Discount  *decimal.Decimal `json:"discount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Discount != nil && !validDiscount(*req.Discount) {
		s.writeError(w, apierror.InvalidRequest("discount must be in [0, 1)"))
		return
	}
	discount, err := s.svc.UpdateDiscount(r.Context(), discountID, repository.UpdateDiscountParams{
		ValidFrom: req.ValidFrom,
		ValidTo:   req.ValidTo,
		Discount:  req.Discount,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDiscountOut(discount))
}

func (s *Server) handleListDiscounts(w http.ResponseWriter, r *http.Request) {
	vlabID, err := pathUUID(r, "vlab_id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	discounts, err := s.svc.ListDiscounts(r.Context(), vlabID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]discountOut, len(discounts))
	for i, d := range discounts {
		out[i] = toDiscountOut(d)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCurrentDiscount(w http.ResponseWriter, r *http.Request) {
	vlabID, err := pathUUID(r, "vlab_id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	discount, err := s.svc.GetCurrentDiscount(r.Context(), vlabID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if discount == nil {
		s.writeJSON(w, http.StatusOK, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, toDiscountOut(*discount))
}

// reservationOut is the wire shape of a successful reservation.
type reservationOut struct {
	JobID           uuid.UUID       `json:"job_id"`
	Amount          decimal.Decimal `json:"amount"`
	AvailableAmount decimal.Decimal `json:"available_amount"`
}

func (s *Server) handleReserveOneshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjID         uuid.UUID                `json:"proj_id"`
		UserID         string                   `json:"user_id"`
		GroupID        string                   `json:"group_id"`
		ServiceSubtype constants.ServiceSubtype `json:"subtype"`
		Count          int64                    `json:"count"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.svc.ReserveOneshot(r.Context(), service.ReserveOneshotParams{
		ProjID:         req.ProjID,
		UserID:         req.UserID,
		GroupID:        req.GroupID,
		ServiceSubtype: req.ServiceSubtype,
		Count:          req.Count,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, reservationOut{
		JobID:           result.JobID,
		Amount:          result.Amount,
		AvailableAmount: result.AvailableAmount,
	})
}

func (s *Server) handleReserveLongrun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjID         uuid.UUID                `json:"proj_id"`
		UserID         string                   `json:"user_id"`
		GroupID        string                   `json:"group_id"`
		ServiceSubtype constants.ServiceSubtype `json:"subtype"`
		Instances      int64                    `json:"instances"`
		InstanceType   string                   `json:"instance_type"`
		Duration       int64                    `json:"duration"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.svc.ReserveLongrun(r.Context(), service.ReserveLongrunParams{
		ProjID:         req.ProjID,
		UserID:         req.UserID,
		GroupID:        req.GroupID,
		ServiceSubtype: req.ServiceSubtype,
		Instances:      req.Instances,
		InstanceType:   req.InstanceType,
		Duration:       req.Duration,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, reservationOut{
		JobID:           result.JobID,
		Amount:          result.Amount,
		AvailableAmount: result.AvailableAmount,
	})
}

func (s *Server) handleReleaseOneshot(w http.ResponseWriter, r *http.Request) {
	s.handleRelease(w, r, s.svc.ReleaseOneshot)
}

func (s *Server) handleReleaseLongrun(w http.ResponseWriter, r *http.Request) {
	s.handleRelease(w, r, s.svc.ReleaseLongrun)
}

func (s *Server) handleRelease(
	w http.ResponseWriter,
	r *http.Request,
	release func(ctx context.Context, jobID uuid.UUID) (decimal.Decimal, error),
) {
	jobID, err := pathUUID(r, "job_id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	released, err := release(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job_id":   jobID,
		"released": released,
	})
}

func (s *Server) handlePublishOneshot(w http.ResponseWriter, r *http.Request) {
	var event queue.OneshotEvent
	if err := decodeJSON(r, &event); err != nil {
		s.writeError(w, err)
		return
	}
	s.publishEvent(w, r, s.cfg.OneshotQueueName, &event, event.ProjID)
}

func (s *Server) handlePublishLongrun(w http.ResponseWriter, r *http.Request) {
	var event queue.LongrunEvent
	if err := decodeJSON(r, &event); err != nil {
		s.writeError(w, err)
		return
	}
	s.publishEvent(w, r, s.cfg.LongrunQueueName, &event, event.ProjID)
}

func (s *Server) handlePublishStorage(w http.ResponseWriter, r *http.Request) {
	var event queue.StorageEvent
	if err := decodeJSON(r, &event); err != nil {
		s.writeError(w, err)
		return
	}
	s.publishEvent(w, r, s.cfg.StorageQueueName, &event, event.ProjID)
}

// publishEvent forwards a validated wire event to the named FIFO queue,
// grouped by project so delivery stays ordered per project.
func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request, queueName string, event validatable, projID uuid.UUID) {
	window := queue.TimestampWindow{
		MaxPast:   s.cfg.MaxPastEventDelta,
		MaxFuture: s.cfg.MaxFutureEventDelta,
	}
	if _, err := event.Validate(time.Now().UTC(), window); err != nil {
		s.writeError(w, apierror.InvalidRequest(err.Error()))
		return
	}
	body, err := queue.Marshal(event)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.queues.Publish(r.Context(), queueName, body, projID.String()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "queued"})
}

type validatable interface {
	Validate(now time.Time, w queue.TimestampWindow) (time.Time, error)
}

func (s *Server) handleSystemBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.svc.GetSystemBalance(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handleVlabBalance(w http.ResponseWriter, r *http.Request) {
	vlabID, err := pathUUID(r, "vlab_id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	includeProjects := r.URL.Query().Get("include_projects") == "true"
	balance, err := s.svc.GetVlabBalance(r.Context(), vlabID, includeProjects)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handleProjBalance(w http.ResponseWriter, r *http.Request) {
	projID, err := pathUUID(r, "proj_id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	balance, err := s.svc.GetProjBalance(r.Context(), projID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balance)
}

// reportParams parses page, page_size and the started_at window from the
// query string.
func reportParams(r *http.Request) (service.ReportParams, error) {
	p := service.ReportParams{Page: 1, PageSize: 100}
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, apierror.InvalidRequest("invalid page")
		}
		p.Page = n
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, apierror.InvalidRequest("invalid page_size")
		}
		p.PageSize = n
	}
	if v := q.Get("started_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return p, apierror.InvalidRequest("invalid started_after")
		}
		p.StartedAfter = &t
	}
	if v := q.Get("started_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return p, apierror.InvalidRequest("invalid started_before")
		}
		p.StartedBefore = &t
	}
	return p, nil
}

func (s *Server) handleSystemReport(w http.ResponseWriter, r *http.Request) {
	params, err := reportParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	report, err := s.svc.GetSystemReport(r.Context(), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleVlabReport(w http.ResponseWriter, r *http.Request) {
	vlabID, err := pathUUID(r, "vlab_id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	params, err := reportParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	report, err := s.svc.GetVlabReport(r.Context(), vlabID, params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleProjReport(w http.ResponseWriter, r *http.Request) {
	projID, err := pathUUID(r, "proj_id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	params, err := reportParams(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	report, err := s.svc.GetProjReport(r.Context(), projID, params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}
