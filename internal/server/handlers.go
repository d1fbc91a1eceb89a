package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"MarginLedger/internal/engine"
	"MarginLedger/internal/event"
	"MarginLedger/internal/fixed"
)

// --- command handlers ---

type createOrderRequest struct {
	CommandID   string `json:"command_id"`
	Asset       string `json:"asset"`
	Side        string `json:"side"` // "long" or "short"
	TargetPrice string `json:"target_price,omitempty"`
	StopLoss    string `json:"stop_loss,omitempty"`
	TakeProfit  string `json:"take_profit,omitempty"`
	Commission  string `json:"commission"`
	Margin      string `json:"margin"`
	Size        string `json:"size"`
	Leverage    int64  `json:"leverage"`
	TimestampUs int64  `json:"timestamp_us"`
}

type orderCreatedResponse struct {
	OrderID     int64  `json:"order_id"`
	Account     string `json:"account"`
	Asset       string `json:"asset"`
	Side        string `json:"side"`
	TargetPrice string `json:"target_price"`
	Margin      string `json:"margin"`
	Commission  string `json:"commission"`
	Size        string `json:"size"`
	Leverage    int64  `json:"leverage"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	cmd := engine.CreateOrderCmd{
		CommandID: req.CommandID,
		Account:   accountFrom(r.Context()),
		Asset:     req.Asset,
		Side:      event.SideFromString(req.Side),
		Leverage:  req.Leverage,
		Timestamp: time.UnixMicro(req.TimestampUs),
	}

	var err error
	if cmd.TargetPrice, err = ParseOptionalPrice(req.TargetPrice); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cmd.StopLoss, err = ParseOptionalPrice(req.StopLoss); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cmd.TakeProfit, err = ParseOptionalPrice(req.TakeProfit); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cmd.Commission, err = ParseQuote(req.Commission); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cmd.Margin, err = ParseQuote(req.Margin); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cmd.Size, err = ParseSize(req.Size); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.eng.CreateOrder(r.Context(), cmd)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, orderCreatedResponse{
		OrderID:     rec.OrderID,
		Account:     rec.Account,
		Asset:       rec.Asset,
		Side:        rec.Side.String(),
		TargetPrice: FormatPrice(rec.TargetPrice),
		Margin:      FormatQuote(rec.Margin),
		Commission:  FormatQuote(rec.Commission),
		Size:        FormatSize(rec.Size),
		Leverage:    rec.Leverage,
	})
}

type cancelOrderRequest struct {
	CommandID   string `json:"command_id"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	rec, err := s.eng.CancelOrder(r.Context(), engine.CancelOrderCmd{
		CommandID: req.CommandID,
		OrderID:   orderID,
		Caller:    accountFrom(r.Context()),
		Timestamp: time.UnixMicro(req.TimestampUs),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order_id": rec.OrderID,
		"account":  rec.Account,
		"refund":   FormatQuote(rec.Refund),
	})
}

type executeOrderRequest struct {
	CommandID  string `json:"command_id"`
	OpenPrice  string `json:"open_price"`
	OpenedAtUs int64  `json:"opened_at_us"`
}

type positionOpenedResponse struct {
	PositionID       int64  `json:"position_id"`
	OrderID          int64  `json:"order_id"`
	Account          string `json:"account"`
	Asset            string `json:"asset"`
	Side             string `json:"side"`
	OpenPrice        string `json:"open_price"`
	Margin           string `json:"margin"`
	Size             string `json:"size"`
	Leverage         int64  `json:"leverage"`
	StopLossID       int64  `json:"stop_loss_id,omitempty"`
	StopLossPrice    string `json:"stop_loss_price,omitempty"`
	TakeProfitID     int64  `json:"take_profit_id,omitempty"`
	TakeProfitPrice  string `json:"take_profit_price,omitempty"`
	LiquidationID    int64  `json:"liquidation_id"`
	LiquidationPrice string `json:"liquidation_price"`
}

func (s *Server) handleExecuteOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req executeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	openPrice, err := ParsePrice(req.OpenPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.eng.ExecuteOrder(r.Context(), engine.ExecuteOrderCmd{
		CommandID: req.CommandID,
		OrderID:   orderID,
		OpenPrice: openPrice,
		OpenedAt:  time.UnixMicro(req.OpenedAtUs),
		Caller:    accountFrom(r.Context()),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := positionOpenedResponse{
		PositionID:       rec.PositionID,
		OrderID:          rec.OrderID,
		Account:          rec.Account,
		Asset:            rec.Asset,
		Side:             rec.Side.String(),
		OpenPrice:        FormatPrice(rec.OpenPrice),
		Margin:           FormatQuote(rec.Margin),
		Size:             FormatSize(rec.Size),
		Leverage:         rec.Leverage,
		LiquidationID:    rec.LiquidationID,
		LiquidationPrice: FormatPrice(rec.LiquidationPrice),
	}
	if rec.StopLossID != 0 {
		resp.StopLossID = rec.StopLossID
		resp.StopLossPrice = FormatPrice(rec.StopLossPrice)
	}
	if rec.TakeProfitID != 0 {
		resp.TakeProfitID = rec.TakeProfitID
		resp.TakeProfitPrice = FormatPrice(rec.TakeProfitPrice)
	}
	writeJSON(w, http.StatusCreated, resp)
}

type setTriggerRequest struct {
	CommandID   string `json:"command_id"`
	Price       string `json:"price"` // "" or "0" clears
	TimestampUs int64  `json:"timestamp_us"`
}

func (s *Server) handleSetStopLoss(w http.ResponseWriter, r *http.Request) {
	s.handleSetTrigger(w, r, s.eng.SetStopLoss)
}

func (s *Server) handleSetTakeProfit(w http.ResponseWriter, r *http.Request) {
	s.handleSetTrigger(w, r, s.eng.SetTakeProfit)
}

func (s *Server) handleSetTrigger(
	w http.ResponseWriter,
	r *http.Request,
	apply func(ctx context.Context, cmd engine.SetTriggerCmd) (*event.TriggerChanged, error),
) {
	positionID, err := pathID(r, "positionID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req setTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	price, err := ParseOptionalPrice(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := apply(r.Context(), engine.SetTriggerCmd{
		CommandID:  req.CommandID,
		PositionID: positionID,
		Price:      price,
		Caller:     accountFrom(r.Context()),
		Timestamp:  time.UnixMicro(req.TimestampUs),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"position_id": rec.PositionID,
		"kind":        rec.Kind.String(),
		"old_id":      rec.OldID,
		"new_id":      rec.NewID,
		"price":       FormatPrice(rec.Price),
	})
}

type closePositionRequest struct {
	CommandID         string `json:"command_id"`
	PnL               string `json:"pnl"` // signed decimal
	ClosingCommission string `json:"closing_commission"`
	TimestampUs       int64  `json:"timestamp_us"`
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	positionID, err := pathID(r, "positionID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req closePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	pnl, err := ParseQuote(req.PnL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	closingCommission, err := ParseQuote(req.ClosingCommission)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.eng.ClosePosition(r.Context(), engine.ClosePositionCmd{
		CommandID:         req.CommandID,
		PositionID:        positionID,
		PnL:               pnl,
		ClosingCommission: closingCommission,
		Caller:            accountFrom(r.Context()),
		Timestamp:         time.UnixMicro(req.TimestampUs),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"position_id":        rec.PositionID,
		"account":            rec.Account,
		"pnl":                FormatQuote(rec.PnL),
		"closing_commission": FormatQuote(rec.ClosingCommission),
		"trader_payout":      FormatQuote(rec.TraderPayout),
		"pool_delta":         FormatQuote(rec.PoolDelta),
		"absorbed_excess":    FormatQuote(rec.AbsorbedExcess),
	})
}

type withdrawCommissionRequest struct {
	CommandID   string `json:"command_id"`
	Account     string `json:"account,omitempty"` // defaults to caller
	Amount      string `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (s *Server) handleWithdrawCommission(w http.ResponseWriter, r *http.Request) {
	var req withdrawCommissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	amount, err := ParseQuote(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	caller := accountFrom(r.Context())
	account := req.Account
	if account == "" {
		account = caller
	}

	rec, err := s.eng.WithdrawCommission(r.Context(), engine.WithdrawCommissionCmd{
		CommandID: req.CommandID,
		Account:   account,
		Amount:    amount,
		Caller:    caller,
		Timestamp: time.UnixMicro(req.TimestampUs),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": rec.Account,
		"amount":  FormatQuote(rec.Amount),
	})
}

type fundPoolRequest struct {
	CommandID   string `json:"command_id"`
	From        string `json:"from"`
	Amount      string `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (s *Server) handleFundPool(w http.ResponseWriter, r *http.Request) {
	var req fundPoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	amount, err := ParseQuote(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := s.eng.FundPool(r.Context(), engine.FundPoolCmd{
		CommandID: req.CommandID,
		From:      req.From,
		Amount:    amount,
		Timestamp: time.UnixMicro(req.TimestampUs),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":   rec.From,
		"amount": FormatQuote(rec.Amount),
	})
}

// --- query handlers ---

// mayRead allows the record owner to read their own data; the executor role
// can read anyone's.
func (s *Server) mayRead(w http.ResponseWriter, r *http.Request, owner string) bool {
	caller := accountFrom(r.Context())
	if owner != caller && roleFrom(r.Context()) != RoleExecutor {
		writeError(w, http.StatusForbidden, "cannot read another account")
		return false
	}
	return true
}

func (s *Server) authorizeAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	account := chi.URLParam(r, "account")
	if !s.mayRead(w, r, account) {
		return "", false
	}
	return account, true
}

// pagination reads the limit / before_sequence cursor parameters shared by
// the history endpoints.
func pagination(r *http.Request) (int, *int64, error) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	var before *int64
	if v := r.URL.Query().Get("before_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("bad before_sequence")
		}
		before = &n
	}
	return limit, before, nil
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := s.authorizeAccount(w, r)
	if !ok {
		return
	}

	resp, err := s.queries.GetBalance(r.Context(), account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	account, ok := s.authorizeAccount(w, r)
	if !ok {
		return
	}

	resp, err := s.queries.GetOrders(r.Context(), account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	account, ok := s.authorizeAccount(w, r)
	if !ok {
		return
	}

	resp, err := s.queries.GetPositions(r.Context(), account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetCloseHistory(w http.ResponseWriter, r *http.Request) {
	account, ok := s.authorizeAccount(w, r)
	if !ok {
		return
	}

	limit, before, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.queries.GetCloseHistory(r.Context(), account, limit, before)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetJournalHistory(w http.ResponseWriter, r *http.Request) {
	account, ok := s.authorizeAccount(w, r)
	if !ok {
		return
	}

	limit, before, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.queries.GetJournalHistory(r.Context(), account, limit, before)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- point-in-time read handlers (live engine, read lock) ---

type orderView struct {
	OrderID     int64  `json:"order_id"`
	Account     string `json:"account"`
	Asset       string `json:"asset"`
	Side        string `json:"side"`
	TargetPrice string `json:"target_price"`
	StopLoss    string `json:"stop_loss"`
	TakeProfit  string `json:"take_profit"`
	Commission  string `json:"commission"`
	Margin      string `json:"margin"`
	Size        string `json:"size"`
	Leverage    int64  `json:"leverage"`
	CreatedAtUs int64  `json:"created_at_us"`
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "orderID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	o, err := s.eng.OrderByID(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.mayRead(w, r, o.Account) {
		return
	}

	writeJSON(w, http.StatusOK, orderView{
		OrderID:     o.ID,
		Account:     o.Account,
		Asset:       o.Asset,
		Side:        o.Side.String(),
		TargetPrice: FormatPrice(o.TargetPrice),
		StopLoss:    FormatPrice(o.StopLoss),
		TakeProfit:  FormatPrice(o.TakeProfit),
		Commission:  FormatQuote(o.Commission),
		Margin:      FormatQuote(o.Margin),
		Size:        FormatSize(o.Size),
		Leverage:    o.Leverage,
		CreatedAtUs: o.CreatedAt.UnixMicro(),
	})
}

type positionView struct {
	PositionID       int64  `json:"position_id"`
	Account          string `json:"account"`
	Asset            string `json:"asset"`
	Side             string `json:"side"`
	OpenPrice        string `json:"open_price"`
	Margin           string `json:"margin"`
	Size             string `json:"size"`
	Notional         string `json:"notional"`
	Leverage         int64  `json:"leverage"`
	StopLossID       int64  `json:"stop_loss_id,omitempty"`
	TakeProfitID     int64  `json:"take_profit_id,omitempty"`
	LiquidationID    int64  `json:"liquidation_id"`
	LiquidationPrice string `json:"liquidation_price"`
	OpenedAtUs       int64  `json:"opened_at_us"`
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "positionID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := s.eng.PositionByID(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.mayRead(w, r, p.Account) {
		return
	}

	writeJSON(w, http.StatusOK, positionView{
		PositionID:       p.ID,
		Account:          p.Account,
		Asset:            p.Asset,
		Side:             p.Side.String(),
		OpenPrice:        FormatPrice(p.OpenPrice),
		Margin:           FormatQuote(p.Margin),
		Size:             FormatSize(p.Size),
		Notional:         FormatQuote(fixed.Notional(p.Size, p.OpenPrice)),
		Leverage:         p.Leverage,
		StopLossID:       p.StopLossID,
		TakeProfitID:     p.TakeProfitID,
		LiquidationID:    p.LiquidationID,
		LiquidationPrice: FormatPrice(p.LiquidationPrice),
		OpenedAtUs:       p.OpenedAt.UnixMicro(),
	})
}

type triggerView struct {
	TriggerID  int64  `json:"trigger_id"`
	PositionID int64  `json:"position_id"`
	Kind       string `json:"kind"`
	Price      string `json:"price"`
}

func (s *Server) handleGetPositionTriggers(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "positionID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := s.eng.PositionByID(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.mayRead(w, r, p.Account) {
		return
	}

	armed := s.eng.TriggersByPosition(id)
	views := make([]triggerView, 0, len(armed))
	for _, trg := range armed {
		views = append(views, triggerView{
			TriggerID:  trg.ID,
			PositionID: trg.PositionID,
			Kind:       trg.Kind.String(),
			Price:      FormatPrice(trg.Price),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "triggerID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	trg, err := s.eng.TriggerByID(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.eng.PositionByID(trg.PositionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.mayRead(w, r, p.Account) {
		return
	}

	writeJSON(w, http.StatusOK, triggerView{
		TriggerID:  trg.ID,
		PositionID: trg.PositionID,
		Kind:       trg.Kind.String(),
		Price:      FormatPrice(trg.Price),
	})
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance": FormatQuote(s.eng.PoolBalance()),
	})
}

func (s *Server) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- helpers ---

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad %s", name)
	}
	return id, nil
}
