package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"medrails/internal/bridge"
	"medrails/internal/codec"
	"medrails/internal/config"
	"medrails/internal/hmacauth"
	"medrails/internal/ledger"
	"medrails/internal/pharmacy"
	"medrails/internal/records"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Transferer runs the cross-chain payment pipeline.
type Transferer interface {
	Transfer(ctx context.Context, req bridge.TransferRequest) bridge.TransferResult
	ResumeFromBurn(ctx context.Context, burnTxHash, destinationAddress string) bridge.TransferResult
}

// Records reads and writes the medical token contracts.
type Records interface {
	MintPassport(ctx context.Context, recipient string, input records.PassportInput) (int64, string, error)
	Prescription(ctx context.Context, tokenID int64) (*records.Prescription, error)
	PrescriptionOwner(ctx context.Context, tokenID int64) (string, error)
	PrescriptionURI(ctx context.Context, tokenID int64) (string, error)
}

// Health carries optional endpoint probes surfaced by /health.
type Health struct {
	SourceRPC      func(context.Context) error
	DestinationRPC func(context.Context) error
}

type Server struct {
	cfg        *config.AppConfig
	ledger     ledger.Store
	pharmacies pharmacy.Store
	transfers  Transferer
	records    Records
	hmac       *hmacauth.Verifier
	health     Health
	httpServer *http.Server
	metrics    *metricsRegistry
	dbHealthFn func(context.Context) error

	// payMu guards payInFlight. A request id may have at most one pay
	// attempt running; a second concurrent attempt would submit a second
	// real burn for the same obligation.
	payMu       sync.Mutex
	payInFlight map[uuid.UUID]struct{}
}

func NewServer(
	cfg *config.AppConfig,
	ledgerStore ledger.Store,
	pharmacyStore pharmacy.Store,
	transfers Transferer,
	recordsSvc Records,
	health Health,
) *Server {
	s := &Server{
		cfg:         cfg,
		ledger:      ledgerStore,
		pharmacies:  pharmacyStore,
		transfers:   transfers,
		records:     recordsSvc,
		health:      health,
		metrics:     newMetricsRegistry(),
		payInFlight: map[uuid.UUID]struct{}{},
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
	}

	if checker, ok := ledgerStore.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/payment-requests", s.handleListPaymentRequests)
	mux.Handle("POST /api/v1/payment-requests",
		s.hmac.Middleware(http.HandlerFunc(s.handleCreatePaymentRequest)))
	mux.Handle("POST /api/v1/payment-requests/{id}/pay",
		s.hmac.Middleware(http.HandlerFunc(s.handlePayRequest)))
	mux.Handle("POST /api/v1/transfers/resume",
		s.hmac.Middleware(http.HandlerFunc(s.handleResumeTransfer)))

	mux.HandleFunc("GET /api/v1/pharmacies", s.handleListPharmacies)
	mux.Handle("POST /api/v1/pharmacies",
		s.hmac.Middleware(http.HandlerFunc(s.handleCreatePharmacy)))
	mux.Handle("DELETE /api/v1/pharmacies/{id}",
		s.hmac.Middleware(http.HandlerFunc(s.handleDeletePharmacy)))
	mux.HandleFunc("GET /api/v1/pharmacies/selected", s.handleGetSelectedPharmacy)
	mux.Handle("PUT /api/v1/pharmacies/selected",
		s.hmac.Middleware(http.HandlerFunc(s.handleSelectPharmacy)))

	mux.HandleFunc("GET /api/v1/prescriptions/{tokenId}", s.handleGetPrescription)
	mux.Handle("POST /api/v1/passports",
		s.hmac.Middleware(http.HandlerFunc(s.handleMintPassport)))

	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	log.Infof("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type createPaymentRequestBody struct {
	TokenID           int64  `json:"tokenId"`
	PatientAddress    string `json:"patientAddress"`
	PharmacistAddress string `json:"pharmacistAddress"`
	Amount            string `json:"amount"`
}

func (s *Server) handleListPaymentRequests(w http.ResponseWriter, r *http.Request) {
	patient := r.URL.Query().Get("patient")
	if patient == "" {
		http.Error(w, "patient query parameter is required", http.StatusBadRequest)
		return
	}

	requests, err := s.ledger.List(r.Context(), patient)
	if err != nil {
		http.Error(w, "list payment requests: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if requests == nil {
		requests = []ledger.PaymentRequest{}
	}

	pending := 0
	for _, req := range requests {
		if req.Status == ledger.StatusPending {
			pending++
		}
	}
	s.metrics.setPending(pending)

	writeJSON(w, http.StatusOK, requests)
}

func (s *Server) handleCreatePaymentRequest(w http.ResponseWriter, r *http.Request) {
	var body createPaymentRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	amount, err := validateCreatePaymentRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := &ledger.PaymentRequest{
		TokenID:           body.TokenID,
		PatientAddress:    body.PatientAddress,
		PharmacistAddress: body.PharmacistAddress,
		Amount:            amount,
	}
	if err := s.ledger.Create(r.Context(), req); err != nil {
		http.Error(w, "create payment request: "+err.Error(), http.StatusInternalServerError)
		return
	}

	s.metrics.incRequest("created")
	writeJSON(w, http.StatusCreated, req)
}

func validateCreatePaymentRequest(body createPaymentRequestBody) (decimal.Decimal, error) {
	if !common.IsHexAddress(body.PatientAddress) {
		return decimal.Decimal{}, errors.New("patientAddress is not a valid address")
	}
	if !common.IsHexAddress(body.PharmacistAddress) {
		return decimal.Decimal{}, errors.New("pharmacistAddress is not a valid address")
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, errors.New("amount must be a positive decimal")
	}
	return amount, nil
}

type payResponse struct {
	RequestID uuid.UUID             `json:"requestId"`
	Status    ledger.Status         `json:"status"`
	Transfer  bridge.TransferResult `json:"transfer"`
}

// claimPay marks a request id as having a pay attempt in flight. Exactly one
// concurrent caller wins; the rest must be rejected before any chain call.
func (s *Server) claimPay(id uuid.UUID) bool {
	s.payMu.Lock()
	defer s.payMu.Unlock()
	if _, busy := s.payInFlight[id]; busy {
		return false
	}
	s.payInFlight[id] = struct{}{}
	return true
}

func (s *Server) releasePay(id uuid.UUID) {
	s.payMu.Lock()
	defer s.payMu.Unlock()
	delete(s.payInFlight, id)
}

func (s *Server) handlePayRequest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid request id", http.StatusBadRequest)
		return
	}

	if !s.claimPay(id) {
		http.Error(w, "payment request is already being paid", http.StatusConflict)
		return
	}
	defer s.releasePay(id)

	ctx := r.Context()
	req, err := s.ledger.Get(ctx, id)
	if err != nil {
		http.Error(w, "load payment request: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if req == nil {
		http.Error(w, "payment request not found", http.StatusNotFound)
		return
	}
	if req.Status != ledger.StatusPending {
		http.Error(w, "payment request already "+string(req.Status), http.StatusConflict)
		return
	}

	subunits, err := codec.ToSubunits(req.Amount, codec.USDCDecimals)
	if err != nil {
		http.Error(w, "invalid request amount: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}

	result := s.transfers.Transfer(ctx, bridge.TransferRequest{
		DestinationAddress: req.PharmacistAddress,
		Amount:             subunits,
	})

	// A burned-but-not-minted outcome lands in failed as well; the result
	// carries the burn tx for the resume path.
	status := ledger.StatusFailed
	if result.Success {
		status = ledger.StatusCompleted
	}
	if err := s.ledger.SetStatus(ctx, id, status); err != nil {
		log.WithError(err).WithField("id", id).Error("record transfer outcome")
	}
	s.metrics.incTransfer(string(status))

	writeJSON(w, http.StatusOK, payResponse{
		RequestID: id,
		Status:    status,
		Transfer:  result,
	})
}

type resumeTransferBody struct {
	BurnTx             string     `json:"burnTx"`
	DestinationAddress string     `json:"destinationAddress"`
	RequestID          *uuid.UUID `json:"requestId,omitempty"`
}

func (s *Server) handleResumeTransfer(w http.ResponseWriter, r *http.Request) {
	var body resumeTransferBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	result := s.transfers.ResumeFromBurn(ctx, body.BurnTx, body.DestinationAddress)

	if body.RequestID != nil && result.Success {
		if err := s.ledger.SetStatus(ctx, *body.RequestID, ledger.StatusCompleted); err != nil {
			log.WithError(err).WithField("id", *body.RequestID).Error("record resumed transfer outcome")
		}
	}
	s.metrics.incTransfer("resumed_" + resultLabel(result))

	writeJSON(w, http.StatusOK, result)
}

func resultLabel(result bridge.TransferResult) string {
	if result.Success {
		return "completed"
	}
	return "failed"
}

func (s *Server) handleListPharmacies(w http.ResponseWriter, r *http.Request) {
	list, err := s.pharmacies.List(r.Context())
	if err != nil {
		http.Error(w, "list pharmacies: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []pharmacy.Pharmacy{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreatePharmacy(w http.ResponseWriter, r *http.Request) {
	var body pharmacy.Pharmacy
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	if err := s.pharmacies.Create(r.Context(), &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleDeletePharmacy(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid pharmacy id", http.StatusBadRequest)
		return
	}

	if err := s.pharmacies.Delete(r.Context(), id); err != nil {
		if errors.Is(err, pharmacy.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelectPharmacy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID uuid.UUID `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	if err := s.pharmacies.Select(r.Context(), body.ID); err != nil {
		if errors.Is(err, pharmacy.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSelectedPharmacy(w http.ResponseWriter, r *http.Request) {
	selected, err := s.pharmacies.Selected(r.Context())
	if err != nil {
		http.Error(w, "load selection: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if selected == nil {
		http.Error(w, "no pharmacy selected", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, selected)
}

type prescriptionResponse struct {
	TokenID      int64  `json:"tokenId"`
	Medication   string `json:"medication"`
	Dosage       string `json:"dosage"`
	Instructions string `json:"instructions"`
	Owner        string `json:"owner"`
	TokenURI     string `json:"tokenURI"`
}

func (s *Server) handleGetPrescription(w http.ResponseWriter, r *http.Request) {
	tokenID, err := strconv.ParseInt(r.PathValue("tokenId"), 10, 64)
	if err != nil {
		http.Error(w, "invalid token id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	p, err := s.records.Prescription(ctx, tokenID)
	if err != nil {
		http.Error(w, "read prescription: "+err.Error(), http.StatusBadGateway)
		return
	}
	owner, err := s.records.PrescriptionOwner(ctx, tokenID)
	if err != nil {
		http.Error(w, "read prescription owner: "+err.Error(), http.StatusBadGateway)
		return
	}
	uri, err := s.records.PrescriptionURI(ctx, tokenID)
	if err != nil {
		http.Error(w, "read prescription uri: "+err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, prescriptionResponse{
		TokenID:      tokenID,
		Medication:   p.Medication,
		Dosage:       p.Dosage,
		Instructions: p.Instructions,
		Owner:        owner,
		TokenURI:     uri,
	})
}

type mintPassportBody struct {
	Recipient string `json:"recipient"`
	records.PassportInput
}

func (s *Server) handleMintPassport(w http.ResponseWriter, r *http.Request) {
	var body mintPassportBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	tokenID, txHash, err := s.records.MintPassport(r.Context(), body.Recipient, body.PassportInput)
	if err != nil {
		s.metrics.incMint("failed")
		if errors.Is(err, records.ErrInvalidRecipient) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "mint passport: "+err.Error(), http.StatusBadGateway)
		return
	}

	s.metrics.incMint("minted")
	writeJSON(w, http.StatusCreated, map[string]any{
		"tokenId": tokenID,
		"txHash":  txHash,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	type rpcStatus struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}

	probe := func(fn func(context.Context) error) rpcStatus {
		if fn == nil {
			return rpcStatus{Connected: true}
		}
		start := time.Now()
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := fn(probeCtx); err != nil {
			overallHealthy = false
			return rpcStatus{Connected: false, Error: err.Error()}
		}
		return rpcStatus{
			Connected: true,
			LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
		}
	}

	sourceInfo := probe(s.health.SourceRPC)
	destInfo := probe(s.health.DestinationRPC)

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}
	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":          status,
		"source_rpc":      sourceInfo,
		"destination_rpc": destInfo,
		"database":        dbInfo,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}
