package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"wasmscan/internal/compute"
	"wasmscan/internal/formula"
)

var jsonit = jsoniter.ConfigCompatibleWithStandardLibrary

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	_ = jsonit.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFormulas(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"formulas": s.computeSvc.Registry().Names(),
	})
}

// argsFromQuery turns the query string into formula args, reserving the named
// control parameters.
func argsFromQuery(r *http.Request, reserved ...string) formula.Args {
	skip := make(map[string]struct{}, len(reserved))
	for _, k := range reserved {
		skip[k] = struct{}{}
	}
	args := formula.Args{}
	for k, vs := range r.URL.Query() {
		if _, ok := skip[k]; ok || len(vs) == 0 {
			continue
		}
		args[k] = vs[0]
	}
	return args
}

// writeComputeError maps the compute sentinels onto HTTP statuses: unknown
// names and contracts are 404, a block beyond the indexed head is 425, and
// anything a caller can fix is 400.
func (s *Server) writeComputeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, compute.ErrUnknownFormula),
		errors.Is(err, compute.ErrContractNotFound),
		errors.Is(err, compute.ErrNoEvents):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, compute.ErrNotYetIndexed):
		writeError(w, http.StatusTooEarly, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusInternalServerError, "request cancelled")
	default:
		s.log.Warn().Err(err).Msg("compute request failed")
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleCompute(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, contract := vars["formula"], vars["contract"]

	var atBlock *uint64
	if v := r.URL.Query().Get("block"); v != "" {
		b, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid block parameter")
			return
		}
		atBlock = &b
	}

	res, err := s.computeSvc.Query(r.Context(), name, contract, argsFromQuery(r, "block"), atBlock)
	if err != nil {
		s.writeComputeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"value":       jsoniter.RawMessage(res.Output),
		"blockHeight": res.AtBlock,
		"cached":      res.Cached,
	})
}

func (s *Server) handleComputeRange(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, contract := vars["formula"], vars["contract"]

	q := r.URL.Query()
	from, err := strconv.ParseUint(q.Get("from"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from parameter")
		return
	}
	var to uint64
	if v := q.Get("to"); v != "" {
		to, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to parameter")
			return
		}
	}

	outputs, err := s.computeSvc.QueryRange(r.Context(), name, contract, argsFromQuery(r, "from", "to"), from, to)
	if err != nil {
		s.writeComputeError(w, err)
		return
	}

	type interval struct {
		Value       jsoniter.RawMessage `json:"value"`
		BlockValid  uint64              `json:"blockValid"`
		BlockLatest uint64              `json:"blockLatest"`
	}
	intervals := make([]interval, len(outputs))
	for i, out := range outputs {
		intervals[i] = interval{
			Value:       jsoniter.RawMessage(out.Output),
			BlockValid:  out.BlockValid,
			BlockLatest: out.BlockLatest,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ranges": intervals})
}

func parseLimitOffset(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r)
	contracts, err := s.store.ListContracts(r.Context(), limit, offset)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list contracts")
		writeError(w, http.StatusInternalServerError, "failed to list contracts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contracts": contracts})
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	c, err := s.store.GetContract(r.Context(), address)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to get contract")
		writeError(w, http.StatusInternalServerError, "failed to get contract")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "contract not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleContractEvents(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	limit, offset := parseLimitOffset(r)
	events, err := s.store.EventsByContract(r.Context(), address, limit, offset)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list contract events")
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleContractTransformations(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	limit, offset := parseLimitOffset(r)
	rows, err := s.store.TransformationsByContract(r.Context(), address, limit, offset)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list transformations")
		writeError(w, http.StatusInternalServerError, "failed to list transformations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transformations": rows})
}

// ttlCache memoizes one serialized response for a short window. Status is hit
// by dashboards on tight polls; the underlying counts don't need per-request
// freshness.
type ttlCache struct {
	mu      sync.Mutex
	payload []byte
	at      time.Time
	ttl     time.Duration
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{ttl: ttl}
}

func (c *ttlCache) get() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payload == nil || time.Since(c.at) > c.ttl {
		return nil, false
	}
	return c.payload, true
}

func (c *ttlCache) set(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payload = payload
	c.at = time.Now()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if payload, ok := s.statusCache.get(); ok {
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
		return
	}

	state, err := s.store.GetState(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read state")
		writeError(w, http.StatusInternalServerError, "failed to read state")
		return
	}

	body := map[string]interface{}{
		"state": state,
	}
	if s.driver != nil {
		body["driver"] = s.driver.Status()
	}
	if n, err := s.store.CountComputations(r.Context()); err == nil {
		body["computations"] = n
	}
	if s.pending != nil {
		if n, err := s.pending.CountPending(r.Context()); err == nil {
			body["pending_webhooks"] = n
		}
	}

	payload, err := jsonit.Marshal(body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode status")
		return
	}
	s.statusCache.set(payload)
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}
