package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"opinions.market/internal/ids"
	"opinions.market/internal/ledger"
	"opinions.market/internal/market"
)

type listJournalResponse struct {
	Items     []ledger.Entry `json:"items"`
	NextAfter uint64         `json:"next_after"`
	AsOf      time.Time      `json:"as_of"`
}

type balanceResponse struct {
	Account ledger.Account `json:"account"`
	Amount  uint64         `json:"amount"`
}

// pathKey parses the named route variable as a market key.
func pathKey(w http.ResponseWriter, r *http.Request, name string) (ids.Pubkey, bool) {
	raw := mux.Vars(r)[name]
	k, err := ids.Parse(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, name+" must be a base58 key")
		return ids.Zero, false
	}
	return k, true
}

func pathKeys(w http.ResponseWriter, r *http.Request, names ...string) ([]ids.Pubkey, bool) {
	out := make([]ids.Pubkey, 0, len(names))
	for _, n := range names {
		k, ok := pathKey(w, r, n)
		if !ok {
			return nil, false
		}
		out = append(out, k)
	}
	return out, true
}

func (a *API) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.eng.Config(r.Context())
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) getPost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathKey(w, r, "id")
	if !ok {
		return
	}
	post, err := a.eng.GetPost(r.Context(), id)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (a *API) listPayouts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathKey(w, r, "id")
	if !ok {
		return
	}
	payouts, err := a.eng.Payouts(r.Context(), id)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": payouts})
}

func (a *API) getPayout(w http.ResponseWriter, r *http.Request) {
	k, ok := pathKeys(w, r, "id", "mint")
	if !ok {
		return
	}
	p, err := a.eng.GetPayout(r.Context(), k[0], k[1])
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) getPosition(w http.ResponseWriter, r *http.Request) {
	k, ok := pathKeys(w, r, "id", "voter")
	if !ok {
		return
	}
	p, err := a.eng.GetPosition(r.Context(), k[0], k[1])
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) getPot(w http.ResponseWriter, r *http.Request) {
	k, ok := pathKeys(w, r, "id", "mint")
	if !ok {
		return
	}
	amount, err := a.eng.PotBalance(r.Context(), k[0], k[1])
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Account: ledger.Pot(k[0], k[1]), Amount: amount})
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathKey(w, r, "id")
	if !ok {
		return
	}
	u, err := a.eng.GetUser(r.Context(), id)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) getVault(w http.ResponseWriter, r *http.Request) {
	k, ok := pathKeys(w, r, "id", "mint")
	if !ok {
		return
	}
	amount, err := a.eng.VaultBalance(r.Context(), k[0], k[1])
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Account: ledger.Vault(k[0], k[1]), Amount: amount})
}

func (a *API) getClaim(w http.ResponseWriter, r *http.Request) {
	k, ok := pathKeys(w, r, "id", "post", "mint")
	if !ok {
		return
	}
	c, err := a.eng.GetClaim(r.Context(), k[0], k[1], k[2])
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) getPayment(w http.ResponseWriter, r *http.Request) {
	mint, ok := pathKey(w, r, "id")
	if !ok {
		return
	}
	p, err := a.eng.Payment(r.Context(), mint)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	k, ok := pathKeys(w, r, "id", "key")
	if !ok {
		return
	}
	s, err := a.eng.GetSession(r.Context(), k[0], k[1])
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) listJournal(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	afterParam := strings.TrimSpace(r.URL.Query().Get("after"))
	var after uint64
	if afterParam != "" {
		v, err := strconv.ParseUint(afterParam, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	items, next, err := a.eng.Journal(r.Context(), limit, after)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listJournalResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleMarketError maps engine errors onto HTTP statuses. The body always
// carries the stable error code.
func handleMarketError(w http.ResponseWriter, r *http.Request, err error) {
	code := market.Code(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, market.ErrNotFound), errors.Is(err, market.ErrPostNotFound),
		errors.Is(err, market.ErrPayoutNotFound), errors.Is(err, market.ErrNotInitialized):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrConflict):
		status = http.StatusConflict
	case market.ClassOf(err) == market.ClassAuthorization:
		status = http.StatusForbidden
	case errors.Is(err, market.ErrInvalidConfig), errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, market.ErrInvalidSide), errors.Is(err, market.ErrZeroVotes),
		errors.Is(err, market.ErrInvalidRelation), errors.Is(err, market.ErrBlingCannotBeAlternativePayment):
		status = http.StatusBadRequest
	case market.ClassOf(err) == market.ClassPrecondition:
		status = http.StatusConflict
	case market.ClassOf(err) == market.ClassArithmetic:
		status = http.StatusUnprocessableEntity
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	payload := map[string]any{"error": msg, "code": code}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
