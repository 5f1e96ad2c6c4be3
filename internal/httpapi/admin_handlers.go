package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"opinions.market/internal/audit"
	"opinions.market/internal/auth"
	"opinions.market/internal/ids"
	"opinions.market/internal/market"
)

type registerPaymentRequest struct {
	Mint  ids.Pubkey `json:"mint"`
	Price uint64     `json:"price"`
}

type paymentStatusRequest struct {
	Enabled      bool `json:"enabled"`
	Withdrawable bool `json:"withdrawable"`
}

type forcedOutcomeRequest struct {
	Side market.Side `json:"side"`
}

// caller resolves the market identity of the authenticated operator.
func (a *API) caller(w http.ResponseWriter, r *http.Request) (ids.Pubkey, bool) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing credentials")
		return ids.Zero, false
	}
	who, err := claims.Identity()
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "token subject is not a market key")
		return ids.Zero, false
	}
	return who, true
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	_ = audit.LogEvent(ctx, event, fields)
}

func (a *API) registerPayment(w http.ResponseWriter, r *http.Request) {
	who, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req registerPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Mint.IsZero() {
		writeError(w, r, http.StatusBadRequest, "mint is required")
		return
	}
	entry, err := a.eng.RegisterValidPayment(r.Context(), who, req.Mint, req.Price)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	a.audit(r.Context(), "market.payment.register", map[string]any{
		"mint":  entry.Mint.String(),
		"price": entry.Price,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/payments/%s", entry.Mint))
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) setPaymentStatus(w http.ResponseWriter, r *http.Request) {
	who, ok := a.caller(w, r)
	if !ok {
		return
	}
	mint, ok := pathKey(w, r, "id")
	if !ok {
		return
	}
	var req paymentStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := a.eng.SetPaymentStatus(r.Context(), who, mint, req.Enabled, req.Withdrawable)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	a.audit(r.Context(), "market.payment.status", map[string]any{
		"mint":         mint.String(),
		"enabled":      entry.Enabled,
		"withdrawable": entry.Withdrawable,
	})
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) setForcedOutcome(w http.ResponseWriter, r *http.Request) {
	who, ok := a.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathKey(w, r, "id")
	if !ok {
		return
	}
	var req forcedOutcomeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	post, err := a.eng.SetForcedOutcome(r.Context(), who, id, req.Side)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	a.audit(r.Context(), "market.post.forced_outcome", map[string]any{
		"post": id.String(),
		"side": req.Side.String(),
	})
	writeJSON(w, http.StatusOK, post)
}

func (a *API) settlePost(w http.ResponseWriter, r *http.Request) {
	who, ok := a.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathKey(w, r, "id")
	if !ok {
		return
	}
	s, err := a.eng.SettlePost(r.Context(), who, id)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	a.audit(r.Context(), "market.post.settle", map[string]any{
		"post":    id.String(),
		"winner":  s.Post.WinningSide.String(),
		"payouts": len(s.Payouts),
	})
	writeJSON(w, http.StatusOK, s)
}

// distribute runs one fee distribution: creator, parent or protocol.
func (a *API) distribute(w http.ResponseWriter, r *http.Request) {
	who, ok := a.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathKey(w, r, "id")
	if !ok {
		return
	}
	mint, err := ids.Parse(strings.TrimSpace(r.URL.Query().Get("mint")))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "mint query parameter must be a base58 key")
		return
	}
	var fn func(context.Context, ids.Pubkey, ids.Pubkey, ids.Pubkey) (market.Distribution, error)
	fee := mux.Vars(r)["fee"]
	switch fee {
	case "creator":
		fn = a.eng.DistributeCreatorReward
	case "parent":
		fn = a.eng.DistributeParentPostShare
	case "protocol":
		fn = a.eng.DistributeProtocolFee
	default:
		writeError(w, r, http.StatusNotFound, "unknown fee "+fee)
		return
	}
	d, err := fn(r.Context(), who, id, mint)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	if d.Transferred {
		a.audit(r.Context(), "market.payout.distribute", map[string]any{
			"post":   id.String(),
			"mint":   mint.String(),
			"fee":    fee,
			"amount": d.Amount,
			"to":     d.To.String(),
		})
	}
	writeJSON(w, http.StatusOK, d)
}
