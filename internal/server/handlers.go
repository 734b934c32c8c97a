package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/smartdevs17/rsk-read-cache/internal/abis"
	"github.com/smartdevs17/rsk-read-cache/internal/driver"
	"github.com/smartdevs17/rsk-read-cache/internal/models"
	"github.com/smartdevs17/rsk-read-cache/internal/store"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
)

const defaultCycleLimit = 50

// Entity Handlers

type entityView struct {
	*models.Entity
	Slots []store.SlotInfo `json:"slots"`
}

// listEntitiesHandler lists bound entities
func (s *HTTPServer) listEntitiesHandler(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Entities.List()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entities": list,
		"total":    len(list),
	})
}

// addEntityHandler binds a new entity
func (s *HTTPServer) addEntityHandler(w http.ResponseWriter, r *http.Request) {
	var entity models.Entity
	if err := json.NewDecoder(r.Body).Decode(&entity); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := s.deps.Entities.Add(r.Context(), &entity); err != nil {
		status := statusFor(err)
		if utils.IsCode(err, utils.ErrCodeValidation) {
			if _, exists := s.deps.Entities.Get(entity.Reference); exists {
				status = http.StatusConflict
			}
		}
		s.writeError(w, status, "Failed to add entity", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, &entity)
}

// getEntityHandler returns an entity and its cached reads
func (s *HTTPServer) getEntityHandler(w http.ResponseWriter, r *http.Request) {
	reference := mux.Vars(r)["reference"]

	entity, ok := s.deps.Entities.Get(reference)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Entity not found", nil)
		return
	}

	view := entityView{Entity: entity, Slots: []store.SlotInfo{}}
	if st, ok := s.deps.Graph.Store(reference); ok {
		for _, slot := range st.Slots() {
			slot.Value = abis.JSONValue(slot.Value)
			view.Slots = append(view.Slots, slot)
		}
	}
	s.writeJSON(w, http.StatusOK, view)
}

// removeEntityHandler unbinds an entity
func (s *HTTPServer) removeEntityHandler(w http.ResponseWriter, r *http.Request) {
	reference := mux.Vars(r)["reference"]

	if err := s.deps.Entities.Remove(r.Context(), reference); err != nil {
		s.writeError(w, statusFor(err), "Failed to remove entity", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Entity removed successfully",
		"reference": reference,
	})
}

// readHandler answers a cached read. A miss starts an immediate read and
// reports loading.
func (s *HTTPServer) readHandler(w http.ResponseWriter, r *http.Request) {
	st, method, params, ok := s.resolveCall(w, r)
	if !ok {
		return
	}

	subscribe := false
	if raw := r.URL.Query().Get("subscribe"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid subscribe flag", err)
			return
		}
		subscribe = v
	}

	loading, value, err := st.Fetch(method, params, store.FetchOptions{Subscribe: subscribe})
	if err != nil {
		s.writeError(w, statusFor(err), "Read failed", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"reference": st.Reference(),
		"method":    method,
		"loading":   loading,
		"value":     abis.JSONValue(value),
	})
}

// releaseReadHandler drops a subscribed read that no watch session observes.
func (s *HTTPServer) releaseReadHandler(w http.ResponseWriter, r *http.Request) {
	st, method, params, ok := s.resolveCall(w, r)
	if !ok {
		return
	}

	released, err := st.Forget(method, params)
	if err != nil {
		s.writeError(w, statusFor(err), "Release failed", err)
		return
	}
	if !released {
		s.writeError(w, http.StatusConflict, "Read is not cached or is still being watched", nil)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Read released",
		"reference": st.Reference(),
		"method":    method,
	})
}

// resolveCall finds the store and decodes the params query of a read or
// watch request, writing the error response itself when it fails.
func (s *HTTPServer) resolveCall(w http.ResponseWriter, r *http.Request) (*store.Store, string, []interface{}, bool) {
	vars := mux.Vars(r)
	st, ok := s.deps.Graph.Store(vars["reference"])
	if !ok {
		s.writeError(w, http.StatusNotFound, "Entity not found", nil)
		return nil, "", nil, false
	}

	method := vars["method"]
	def := st.Definition()
	if def.ABI == nil {
		return st, method, nil, true
	}
	params, err := abis.ParseArgs(def.ABI, method, r.URL.Query().Get("params"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid call", err)
		return nil, "", nil, false
	}
	return st, method, params, true
}

// Cache Handlers

type watchedCallView struct {
	Key       string `json:"key"`
	Reference string `json:"reference"`
	Address   string `json:"address"`
	Method    string `json:"method"`
	ParamKey  string `json:"param_key"`
}

// registryHandler lists the calls refreshed on every block
func (s *HTTPServer) registryHandler(w http.ResponseWriter, r *http.Request) {
	calls := s.deps.Graph.Registry().CurrentCalls()
	views := make([]watchedCallView, 0, len(calls))
	for _, c := range calls {
		key, err := c.Key()
		if err != nil {
			continue
		}
		pk, _ := c.ParamKey()
		views = append(views, watchedCallView{
			Key:       key,
			Reference: c.Reference,
			Address:   c.ContractAddress.Hex(),
			Method:    c.MethodName,
			ParamKey:  pk,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"calls": views,
		"total": len(views),
	})
}

// listCyclesHandler returns the most recent journaled cycles
func (s *HTTPServer) listCyclesHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Storage == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Cycle journal is disabled", nil)
		return
	}

	limit := defaultCycleLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		l, err := strconv.Atoi(raw)
		if err != nil || l <= 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = l
	}

	cycles, err := s.deps.Storage.GetCycles(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve cycles", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"cycles": cycles,
		"limit":  limit,
		"total":  len(cycles),
	})
}

// Driver Handlers

// driverStatusHandler returns driver statistics and health
func (s *HTTPServer) driverStatusHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Driver == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Driver is not configured", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":  s.deps.Driver.GetStats(),
		"health": s.deps.Driver.GetHealth(),
	})
}

type switchNetworkRequest struct {
	Name             string   `json:"name"`
	NodeURL          string   `json:"node_url"`
	WSURL            string   `json:"ws_url"`
	NetworkID        int      `json:"network_id"`
	BackupNodes      []string `json:"backup_nodes"`
	MulticallAddress string   `json:"multicall_address"`
}

// switchNetworkHandler moves the cache to another network. Fields left
// empty keep the current network's settings.
func (s *HTTPServer) switchNetworkHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Driver == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Driver is not configured", nil)
		return
	}

	var req switchNetworkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.NodeURL == "" || req.NetworkID == 0 {
		s.writeError(w, http.StatusBadRequest, "node_url and network_id are required", nil)
		return
	}

	cfg := s.deps.Driver.Network()
	cfg.NodeURL = req.NodeURL
	cfg.WSURL = req.WSURL
	cfg.NetworkID = req.NetworkID
	cfg.BackupNodes = req.BackupNodes
	if req.Name != "" {
		cfg.Name = req.Name
	}
	if req.MulticallAddress != "" {
		cfg.MulticallAddress = req.MulticallAddress
	}

	if err := s.deps.Driver.SwitchNetwork(r.Context(), cfg); err != nil {
		s.writeError(w, statusFor(err), "Network switch failed", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "Switched network",
		"network":    cfg.Name,
		"network_id": cfg.NetworkID,
		"epoch":      s.deps.Graph.Epoch(),
	})
}

// Wallet Handlers

type balanceView struct {
	Address   string    `json:"address"`
	Value     *string   `json:"value"`
	Block     uint64    `json:"block"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

func newBalanceView(b driver.Balance) balanceView {
	view := balanceView{
		Address:   b.Address.Hex(),
		Block:     b.Block,
		UpdatedAt: b.UpdatedAt,
		Error:     b.Error,
	}
	if b.Value != nil {
		v := b.Value.String()
		view.Value = &v
	}
	return view
}

// listWalletsHandler lists tracked wallet balances
func (s *HTTPServer) listWalletsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Wallets == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Wallet tracking is not configured", nil)
		return
	}
	balances := s.deps.Wallets.Balances()
	views := make([]balanceView, len(balances))
	for i, b := range balances {
		views[i] = newBalanceView(b)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"wallets": views,
		"total":   len(views),
	})
}

// addWalletHandler starts tracking a wallet
func (s *HTTPServer) addWalletHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Wallets == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Wallet tracking is not configured", nil)
		return
	}

	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	addr, err := utils.ParseAddress(req.Address)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid wallet address", err)
		return
	}

	status := http.StatusOK
	if s.deps.Wallets.Add(addr) {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, map[string]interface{}{
		"address": addr.Hex(),
	})
}

// getWalletHandler returns the balance of one wallet
func (s *HTTPServer) getWalletHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Wallets == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Wallet tracking is not configured", nil)
		return
	}

	addr, err := utils.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid wallet address", err)
		return
	}
	b, ok := s.deps.Wallets.Balance(addr)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Wallet is not tracked", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, newBalanceView(b))
}
