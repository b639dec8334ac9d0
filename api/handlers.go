package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/gardenwatch/gardenwatch/indexer"
	"github.com/gardenwatch/gardenwatch/store"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requireAdmin gates mutating endpoints behind the bearer token. An empty
// configured token disables the whole admin surface.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeErr(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.adminToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ") == s.adminToken
}

func (s *Server) handleIndexerStatus(w http.ResponseWriter, r *http.Request) {
	var out []indexer.Status
	for _, m := range s.managed {
		out = append(out, m.Runner.Status()...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Shard < out[j].Shard
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePoolTVL(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chainID, _ := strconv.ParseUint(vars["chainId"], 10, 64)
	poolID, _ := strconv.ParseUint(vars["poolId"], 10, 64)
	tvl, err := s.valuer.PoolTVL(r.Context(), chainID, poolID)
	if err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tvl)
}

func (s *Server) handleWalletStakes(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["addr"]
	if !common.IsHexAddress(addr) {
		writeErr(w, http.StatusBadRequest, "invalid address")
		return
	}
	val, err := s.valuer.WalletValue(r.Context(), strings.ToLower(addr))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, val)
}

func (s *Server) handleWalletSnapshots(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["addr"]
	if !common.IsHexAddress(addr) {
		writeErr(w, http.StatusBadRequest, "invalid address")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	snaps, err := s.store.WalletSnapshots(r.Context(), addr, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleHeroRewards(w http.ResponseWriter, r *http.Request) {
	heroID, _ := strconv.ParseUint(mux.Vars(r)["heroId"], 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.store.HeroRewards(r.Context(), heroID, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chainID, _ := strconv.ParseUint(vars["chainId"], 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.store.RecentEvents(r.Context(), chainID, vars["stream"], limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleExtractors(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeErr(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	flows, err := s.store.TopExtractors(r.Context(), time.Now().Add(-window), limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, flows)
}

func (s *Server) handleLockedSupply(w http.ResponseWriter, r *http.Request) {
	chainID, _ := strconv.ParseUint(mux.Vars(r)["chainId"], 10, 64)
	row, err := s.store.LockedSupply(r.Context(), chainID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if row == nil {
		writeErr(w, http.StatusNotFound, "no locked supply indexed for chain")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chainId": row.ChainID,
		"asOf":    row.AsOf,
		"total":   row.Total.String(),
	})
}

// requestView is the JSON shape of a payment request.
type requestView struct {
	ID             uuid.UUID `json:"id"`
	PlayerID       string    `json:"playerId"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	FromWallet     string    `json:"fromWallet,omitempty"`
	ExpectedAmount string    `json:"expectedAmountWei"`
	UniqueAmount   string    `json:"uniqueAmountWei"`
	ExpiresAt      time.Time `json:"expiresAt"`
	CreatedAt      time.Time `json:"createdAt"`
	MatchedTxHash  string    `json:"matchedTxHash,omitempty"`
}

func viewOf(r *store.PaymentRequest) requestView {
	v := requestView{
		ID:             r.ID,
		PlayerID:       r.PlayerID,
		Kind:           r.Kind,
		Status:         r.Status,
		ExpectedAmount: r.ExpectedAmount.String(),
		UniqueAmount:   r.UniqueAmount.String(),
		ExpiresAt:      r.ExpiresAt,
		CreatedAt:      r.CreatedAt,
	}
	if r.FromWallet.Valid {
		v.FromWallet = r.FromWallet.String
	}
	if r.MatchedTxHash.Valid {
		v.MatchedTxHash = r.MatchedTxHash.String
	}
	return v
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var body struct {
		PlayerID          string `json:"playerId"`
		Kind              string `json:"kind"`
		ExpectedAmountWei string `json:"expectedAmountWei"`
		FromWallet        string `json:"fromWallet"`
		TTLSeconds        int64  `json:"ttlSeconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body")
		return
	}
	amount, ok := new(big.Int).SetString(body.ExpectedAmountWei, 10)
	if !ok {
		writeErr(w, http.StatusBadRequest, "expectedAmountWei must be a decimal integer")
		return
	}
	var fromWallet *common.Address
	if body.FromWallet != "" {
		if !common.IsHexAddress(body.FromWallet) {
			writeErr(w, http.StatusBadRequest, "invalid fromWallet")
			return
		}
		a := common.HexToAddress(body.FromWallet)
		fromWallet = &a
	}
	req, err := s.creator.CreateRequest(r.Context(), body.PlayerID, body.Kind, amount,
		fromWallet, time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(req))
}

func (s *Server) handlePaymentRequest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request id")
		return
	}
	req, err := s.store.PaymentRequest(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusNotFound, "request not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(req))
}

func (s *Server) handleSettleRequest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request id")
		return
	}
	var body struct {
		Terminal string `json:"terminal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.store.SettleRequest(r.Context(), id, body.Terminal); err != nil {
		writeErr(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": body.Terminal})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	m, ok := s.managed[mux.Vars(r)["name"]]
	if !ok {
		writeErr(w, http.StatusNotFound, "unknown indexer")
		return
	}
	m.Runner.SetEnabled(true)
	m.Runner.Start(s.runCtx)
	writeJSON(w, http.StatusOK, m.Runner.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	m, ok := s.managed[mux.Vars(r)["name"]]
	if !ok {
		writeErr(w, http.StatusNotFound, "unknown indexer")
		return
	}
	m.Runner.SetEnabled(false)
	m.Runner.Stop()
	writeJSON(w, http.StatusOK, m.Runner.Status())
}

// handleReset rewinds an indexer's checkpoint. The runner must be stopped
// first; the rewind deletes re-scannable events past the target block.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	m, ok := s.managed[mux.Vars(r)["name"]]
	if !ok {
		writeErr(w, http.StatusNotFound, "unknown indexer")
		return
	}
	if m.Runner.Running() {
		writeErr(w, http.StatusConflict, "stop the indexer before resetting")
		return
	}
	if m.Reset == nil {
		writeErr(w, http.StatusNotImplemented, "indexer does not support reset")
		return
	}
	var body struct {
		ToBlock uint64 `json:"toBlock"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := m.Reset(r.Context(), body.ToBlock); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"toBlock": body.ToBlock})
}
