// Package server exposes the HTTP surface: bundle submission and lookup,
// health and status reads, and the operator's admin endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/bundlepay/bundlepay/bundler"
	"github.com/bundlepay/bundlepay/chain"
	"github.com/bundlepay/bundlepay/config"
	"github.com/bundlepay/bundlepay/internal/version"
	"github.com/bundlepay/bundlepay/payment"
	"github.com/bundlepay/bundlepay/relay"
	"github.com/bundlepay/bundlepay/signer"
	"github.com/bundlepay/bundlepay/storage"
	"github.com/bundlepay/bundlepay/txcodec"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type httpErrorResp struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func respondError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(httpErrorResp{code, message}); err != nil {
		http.Error(w, message, code)
	}
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error("Failed to encode response", "err", err)
	}
}

// Backend wires the HTTP handlers to the pipeline and its collaborators.
type Backend struct {
	cfg     *config.Store
	svc     *bundler.Service
	gate    *payment.Gate
	relays  *relay.Set
	monitor *relay.Monitor
	store   *storage.Store
	started time.Time
}

// NewBackend builds the HTTP backend. It registers a reload hook that swaps
// the relay client set and the policy caps whenever a new configuration
// snapshot is installed.
func NewBackend(cfg *config.Store, svc *bundler.Service, gate *payment.Gate, relays *relay.Set, monitor *relay.Monitor, store *storage.Store) *Backend {
	b := &Backend{
		cfg:     cfg,
		svc:     svc,
		gate:    gate,
		relays:  relays,
		monitor: monitor,
		store:   store,
		started: time.Now(),
	}
	cfg.OnReload(func(c *config.Config) {
		b.relays.Swap(BuildRelayClients(c))
		b.gate.SetLimits(c.GateLimits())
	})
	return b
}

// BuildRelayClients constructs the fan-out clients for the enabled builders,
// in file order.
func BuildRelayClients(cfg *config.Config) []*relay.Client {
	builders := cfg.EnabledBuilders()
	clients := make([]*relay.Client, 0, len(builders))
	for _, b := range builders {
		clients = append(clients, relay.NewClient(b.Name, b.RelayURL, b.Address(), time.Duration(b.TimeoutSeconds)*time.Second))
	}
	return clients
}

// Router assembles the route table and middleware from the startup snapshot.
// Payment, limit and builder changes apply on reload; changing the server or
// security sections needs a restart.
func (b *Backend) Router() http.Handler {
	cfg := b.cfg.Current()
	r := mux.NewRouter()

	submit := http.HandlerFunc(b.handleSubmitBundle)
	if n := cfg.Security.RateLimitPerMinute; n > 0 {
		submit = rateLimited(submit, n)
	}
	r.Handle("/bundles", submit).Methods(http.MethodPost)
	r.HandleFunc("/bundles/{id}", b.handleBundleStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", b.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", b.handleStatus).Methods(http.MethodGet)
	// Deprecated alias for operators scripted against the pre-admin path.
	r.HandleFunc("/killswitch", b.handleKillswitch).Methods(http.MethodPost)

	if cfg.Security.AdminEndpointsEnabled {
		admin := r.PathPrefix("/admin").Subrouter()
		admin.HandleFunc("/killswitch", b.handleKillswitch).Methods(http.MethodPost)
		admin.HandleFunc("/config/reload", b.handleReloadConfig).Methods(http.MethodPost)
		admin.HandleFunc("/metrics", b.handleMetrics).Methods(http.MethodGet)
		if secret := cfg.Security.AdminJWTSecret; secret != "" {
			admin.Use(newJWTMiddleware([]byte(secret)))
		}
	}

	var h http.Handler = logRequests(r)
	if cfg.Security.EnableCORS {
		h = newCORSHandler(h, cfg.Security.CORSOrigins)
	}
	return h
}

type bundleRequest struct {
	Tx1 string `json:"tx1"`
	// Payment preferences are accepted for wire compatibility but the
	// operator configuration governs pricing.
	Payment     json.RawMessage `json:"payment,omitempty"`
	TargetBlock *uint64         `json:"target_block,omitempty"`
}

type bundleResponse struct {
	BundleID    string               `json:"bundleId"`
	Submissions []bundler.Submission `json:"submissions"`
}

func (b *Backend) handleSubmitBundle(w http.ResponseWriter, req *http.Request) {
	var payload bundleRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if payload.Tx1 == "" {
		respondError(w, http.StatusBadRequest, "tx1 required")
		return
	}

	cfg := b.cfg.Current()
	rec, err := b.svc.Submit(req.Context(), b.plan(cfg), bundler.Request{
		Tx1Hex:      payload.Tx1,
		TargetBlock: payload.TargetBlock,
	})
	if err != nil {
		writeSubmitError(w, err)
		return
	}

	log.Info("Bundle submitted", "bundleId", rec.BundleID, "tx1", sanitizeHex(rec.Tx1Hash),
		"paymentWei", rec.PaymentWei, "capped", rec.WasCapped, "relays", len(rec.Submissions))
	b.audit(rec)
	respondJSON(w, http.StatusOK, bundleResponse{BundleID: rec.BundleID, Submissions: rec.Submissions})
}

// plan derives the per-request pipeline inputs from one snapshot, so a
// reload mid-request cannot mix parameters.
func (b *Backend) plan(cfg *config.Config) bundler.Plan {
	clients := b.relays.All()
	subs := make([]bundler.Submitter, len(clients))
	for i, c := range clients {
		subs[i] = c
	}
	return bundler.Plan{
		ChainID:   new(big.Int).SetUint64(cfg.Network.ChainID),
		Formula:   cfg.Formula(),
		K1:        cfg.Payment.K1,
		K2:        cfg.Payment.K2Wei.Amount(),
		MaxAmount: cfg.Payment.MaxAmountWei.Amount(),
		Relays:    subs,
	}
}

// audit records the accepted bundle. The submission already happened, so a
// storage fault is logged rather than surfaced to the caller; the context is
// detached so a client disconnect cannot drop the record.
func (b *Backend) audit(rec *bundler.Receipt) {
	record := &storage.BundleRecord{
		ID:          rec.BundleID,
		Tx1Hash:     rec.Tx1Hash,
		PaymentWei:  rec.PaymentWei.Dec(),
		TargetBlock: rec.TargetBlock,
		CreatedAt:   time.Now().UTC(),
	}
	for _, s := range rec.Submissions {
		record.Submissions = append(record.Submissions, storage.SubmissionRecord{
			Builder:       s.Builder,
			Status:        s.Status,
			Response:      s.Response,
			Error:         s.Error,
			PaymentTxHash: s.PaymentTxHash,
		})
	}
	if err := b.store.SaveBundle(context.Background(), record); err != nil {
		log.Error("Failed to record bundle audit entry", "bundleId", rec.BundleID, "err", err)
	}
}

func writeSubmitError(w http.ResponseWriter, err error) {
	var (
		insufficient *bundler.InsufficientBalanceError
		denial       *payment.PolicyDenial
	)
	switch {
	case errors.Is(err, bundler.ErrKillswitchActive):
		respondError(w, http.StatusServiceUnavailable, "service temporarily disabled by killswitch")
	case errors.Is(err, bundler.ErrNoEnabledRelays),
		errors.Is(err, signer.ErrKeyMissing),
		errors.Is(err, signer.ErrKeyInvalid),
		errors.Is(err, txcodec.ErrInvalidTxHex):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &insufficient):
		respondJSON(w, http.StatusBadRequest, struct {
			Code        int    `json:"code"`
			Message     string `json:"message"`
			BalanceWei  string `json:"balanceWei"`
			RequiredWei string `json:"requiredWei"`
		}{
			Code:        http.StatusBadRequest,
			Message:     insufficient.Error(),
			BalanceWei:  insufficient.BalanceWei.String(),
			RequiredWei: insufficient.RequiredWei.String(),
		})
	case errors.As(err, &denial):
		respondError(w, http.StatusBadRequest, denial.Error())
	case errors.Is(err, chain.ErrRPC),
		errors.Is(err, payment.ErrCalculationOverflow),
		errors.Is(err, payment.ErrInvalidParams):
		log.Error("Bundle submission failed", "err", err)
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		log.Error("Bundle submission failed", "err", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (b *Backend) handleBundleStatus(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if _, err := uuid.Parse(id); err != nil {
		respondError(w, http.StatusBadRequest, "invalid bundle id")
		return
	}
	rec, err := b.store.Bundle(req.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, "bundle not found")
		return
	}
	if err != nil {
		log.Error("Bundle lookup failed", "bundleId", id, "err", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	type submissionStatus struct {
		Builder       string    `json:"builder"`
		Status        string    `json:"status"`
		Response      string    `json:"response,omitempty"`
		Error         string    `json:"error,omitempty"`
		PaymentTxHash string    `json:"paymentTxHash,omitempty"`
		SubmittedAt   time.Time `json:"submittedAt"`
	}
	resp := struct {
		BundleID    string             `json:"bundleId"`
		Tx1Hash     string             `json:"tx1Hash"`
		PaymentWei  string             `json:"paymentWei"`
		TargetBlock *uint64            `json:"targetBlock,omitempty"`
		CreatedAt   time.Time          `json:"createdAt"`
		Submissions []submissionStatus `json:"submissions"`
	}{
		BundleID:    rec.ID,
		Tx1Hash:     rec.Tx1Hash,
		PaymentWei:  rec.PaymentWei,
		TargetBlock: rec.TargetBlock,
		CreatedAt:   rec.CreatedAt,
		Submissions: make([]submissionStatus, 0, len(rec.Submissions)),
	}
	for _, s := range rec.Submissions {
		resp.Submissions = append(resp.Submissions, submissionStatus{
			Builder:       s.Builder,
			Status:        s.Status,
			Response:      s.Response,
			Error:         s.Error,
			PaymentTxHash: s.PaymentTxHash,
			SubmittedAt:   s.SubmittedAt,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (b *Backend) handleHealthz(w http.ResponseWriter, req *http.Request) {
	storageStatus := "healthy"
	code := http.StatusOK
	if err := b.store.Ping(req.Context()); err != nil {
		storageStatus = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	killswitch := "inactive"
	if b.svc.Killswitch().Active() {
		killswitch = "active"
	}
	status := "healthy"
	if code != http.StatusOK {
		status = "unhealthy"
	}
	type components struct {
		Storage    string `json:"storage"`
		Killswitch string `json:"killswitch"`
	}
	respondJSON(w, code, struct {
		Status     string     `json:"status"`
		Version    string     `json:"version"`
		Timestamp  string     `json:"timestamp"`
		Components components `json:"components"`
	}{
		Status:     status,
		Version:    version.WithMeta,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components{storageStatus, killswitch},
	})
}

func (b *Backend) handleStatus(w http.ResponseWriter, req *http.Request) {
	cfg := b.cfg.Current()
	storageHealthy := b.store.Ping(req.Context()) == nil
	killActive := b.svc.Killswitch().Active()

	status := "operational"
	if !storageHealthy || killActive {
		status = "degraded"
	}
	builders := cfg.EnabledBuilders()
	names := make([]string, 0, len(builders))
	for _, bc := range builders {
		names = append(names, bc.Name)
	}

	type storageComponent struct {
		Status string `json:"status"`
	}
	type killswitchComponent struct {
		Active bool `json:"active"`
	}
	type configComponent struct {
		Network         string   `json:"network"`
		ChainID         uint64   `json:"chainId"`
		EnabledBuilders []string `json:"enabledBuilders"`
	}
	resp := struct {
		Service    string `json:"service"`
		Version    string `json:"version"`
		Status     string `json:"status"`
		Timestamp  string `json:"timestamp"`
		Components struct {
			Storage       storageComponent    `json:"storage"`
			Killswitch    killswitchComponent `json:"killswitch"`
			Configuration configComponent     `json:"configuration"`
			Relays        []relay.Health      `json:"relays"`
		} `json:"components"`
	}{
		Service:   "bundlepay",
		Version:   version.WithMeta,
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if storageHealthy {
		resp.Components.Storage = storageComponent{"healthy"}
	} else {
		resp.Components.Storage = storageComponent{"unhealthy"}
	}
	resp.Components.Killswitch = killswitchComponent{killActive}
	resp.Components.Configuration = configComponent{cfg.Network.Name, cfg.Network.ChainID, names}
	resp.Components.Relays = b.monitor.Snapshot()
	respondJSON(w, http.StatusOK, resp)
}

func (b *Backend) handleKillswitch(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Activate *bool `json:"activate"`
	}
	// An empty body activates; anything else must be valid JSON.
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	activate := true
	if payload.Activate != nil {
		activate = *payload.Activate
	}
	b.svc.Killswitch().Set(activate)

	state := "deactivated"
	if activate {
		state = "activated"
		log.Warn("Killswitch activated, refusing new bundles")
	} else {
		log.Info("Killswitch deactivated")
	}
	respondJSON(w, http.StatusOK, struct {
		Killswitch string `json:"killswitch"`
		Timestamp  string `json:"timestamp"`
	}{state, time.Now().UTC().Format(time.RFC3339)})
}

func (b *Backend) handleReloadConfig(w http.ResponseWriter, req *http.Request) {
	cfg, err := b.cfg.Reload()
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("config rejected: %v", err))
		return
	}
	log.Info("Configuration reloaded via admin endpoint", "enabledBuilders", len(cfg.EnabledBuilders()))
	respondJSON(w, http.StatusOK, struct {
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	}{"configuration reloaded", time.Now().UTC().Format(time.RFC3339)})
}

func (b *Backend) handleMetrics(w http.ResponseWriter, req *http.Request) {
	today := b.gate.Today()
	type dailySpending struct {
		Date        string `json:"date"`
		TotalWei    string `json:"totalWei"`
		BundleCount uint64 `json:"bundleCount"`
	}
	respondJSON(w, http.StatusOK, struct {
		Counters      bundler.CountersSnapshot `json:"counters"`
		DailySpending dailySpending            `json:"dailySpending"`
		UptimeSeconds int64                    `json:"uptimeSeconds"`
		Timestamp     string                   `json:"timestamp"`
	}{
		Counters:      bundler.Counters(),
		DailySpending: dailySpending{today.Date, today.TotalWei.Dec(), today.BundleCount},
		UptimeSeconds: int64(time.Since(b.started).Seconds()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

// sanitizeHex shortens hex blobs for logs, keeping the leading and trailing
// nibbles: 0x1234...7890.
func sanitizeHex(s string) string {
	if len(s) <= 13 {
		return s
	}
	return s[:6] + "..." + s[len(s)-4:]
}
