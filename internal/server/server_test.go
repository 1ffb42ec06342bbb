package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"medrails/internal/bridge"
	"medrails/internal/config"
	"medrails/internal/ledger"
	"medrails/internal/pharmacy"
	"medrails/internal/records"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type stubTransferer struct {
	mu            sync.Mutex
	result        bridge.TransferResult
	resumeResult  bridge.TransferResult
	transferCalls int
	resumeCalls   int
	lastRequest   bridge.TransferRequest
	lastBurnTx    string
	lastResumeDst string

	// started is signalled when a transfer begins; proceed, when set,
	// blocks Transfer until closed. Used to hold a pay attempt in flight.
	started chan struct{}
	proceed chan struct{}
}

func (s *stubTransferer) Transfer(_ context.Context, req bridge.TransferRequest) bridge.TransferResult {
	s.mu.Lock()
	s.transferCalls++
	s.lastRequest = req
	started := s.started
	proceed := s.proceed
	s.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if proceed != nil {
		<-proceed
	}
	return s.result
}

func (s *stubTransferer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferCalls
}

func (s *stubTransferer) ResumeFromBurn(_ context.Context, burnTx, destination string) bridge.TransferResult {
	s.resumeCalls++
	s.lastBurnTx = burnTx
	s.lastResumeDst = destination
	return s.resumeResult
}

type stubRecords struct {
	mintTokenID   int64
	mintTxHash    string
	mintErr       error
	lastRecipient string
	lastInput     records.PassportInput
	prescription  records.Prescription
	owner         string
	uri           string
	readErr       error
}

func (s *stubRecords) MintPassport(_ context.Context, recipient string, input records.PassportInput) (int64, string, error) {
	s.lastRecipient = recipient
	s.lastInput = input
	if s.mintErr != nil {
		return 0, "", s.mintErr
	}
	return s.mintTokenID, s.mintTxHash, nil
}

func (s *stubRecords) Prescription(context.Context, int64) (*records.Prescription, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	p := s.prescription
	return &p, nil
}

func (s *stubRecords) PrescriptionOwner(context.Context, int64) (string, error) {
	return s.owner, s.readErr
}

func (s *stubRecords) PrescriptionURI(context.Context, int64) (string, error) {
	return s.uri, s.readErr
}

func newTestServer(t *testing.T, transfers *stubTransferer, recs *stubRecords) (*Server, ledger.Store, pharmacy.Store) {
	t.Helper()
	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			HTTPPort:      0,
			HMACSecret:    testSecret,
			HMACClockSkew: time.Minute,
		},
	}
	ledgerStore := ledger.NewMemoryStore()
	pharmacyStore := pharmacy.NewMemoryStore()
	srv := NewServer(cfg, ledgerStore, pharmacyStore, transfers, recs, Health{})
	return srv, ledgerStore, pharmacyStore
}

func signRequest(req *http.Request, body []byte) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	h := hmac.New(sha256.New, []byte(testSecret))
	h.Write([]byte(ts))
	h.Write(body)
	req.Header.Set("X-Request-Timestamp", ts)
	req.Header.Set("X-Request-Signature", hex.EncodeToString(h.Sum(nil)))
}

func signedPost(method, target string, payload any) *http.Request {
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	signRequest(req, body)
	return req
}

const (
	patientAddr    = "0x1111111111111111111111111111111111111111"
	pharmacistAddr = "0x2222222222222222222222222222222222222222"
)

func createRequestViaAPI(t *testing.T, srv *Server, amount string) ledger.PaymentRequest {
	t.Helper()
	req := signedPost(http.MethodPost, "/api/v1/payment-requests", createPaymentRequestBody{
		TokenID:           7,
		PatientAddress:    patientAddr,
		PharmacistAddress: pharmacistAddr,
		Amount:            amount,
	})
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created ledger.PaymentRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	return created
}

func TestCreateAndListPaymentRequests(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubTransferer{}, &stubRecords{})

	created := createRequestViaAPI(t, srv, "12.50")
	require.NotEqual(t, uuid.Nil, created.ID)
	require.Equal(t, ledger.StatusPending, created.Status)

	// Lookup is case-insensitive on the patient address.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/payment-requests?patient=0X1111111111111111111111111111111111111111", nil)
	srv.httpServer.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed []ledger.PaymentRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	require.Equal(t, created.ID, listed[0].ID)
}

func TestListPaymentRequestsRequiresPatient(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubTransferer{}, &stubRecords{})

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/v1/payment-requests", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePaymentRequestValidation(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubTransferer{}, &stubRecords{})

	cases := []createPaymentRequestBody{
		{PatientAddress: "not-an-address", PharmacistAddress: pharmacistAddr, Amount: "1"},
		{PatientAddress: patientAddr, PharmacistAddress: "0x123", Amount: "1"},
		{PatientAddress: patientAddr, PharmacistAddress: pharmacistAddr, Amount: "0"},
		{PatientAddress: patientAddr, PharmacistAddress: pharmacistAddr, Amount: "-3"},
		{PatientAddress: patientAddr, PharmacistAddress: pharmacistAddr, Amount: "abc"},
	}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(rec,
			signedPost(http.MethodPost, "/api/v1/payment-requests", body))
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %+v", body)
	}
}

func TestPayRequestCompletesLedger(t *testing.T) {
	transfers := &stubTransferer{
		result: bridge.TransferResult{
			Success: true,
			State:   bridge.StateCompleted,
			BurnTx:  "0xburn",
			MintTx:  "0xmint",
		},
	}
	srv, store, _ := newTestServer(t, transfers, &stubRecords{})

	created := createRequestViaAPI(t, srv, "3.5")

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		signedPost(http.MethodPost, "/api/v1/payment-requests/"+created.ID.String()+"/pay", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp payResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, ledger.StatusCompleted, resp.Status)
	require.Equal(t, "0xmint", resp.Transfer.MintTx)

	require.Equal(t, 1, transfers.transferCalls)
	require.Equal(t, pharmacistAddr, transfers.lastRequest.DestinationAddress)
	require.Zero(t, transfers.lastRequest.Amount.Cmp(big.NewInt(3_500_000)))

	stored, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, stored.Status)
}

func TestPayRequestFailureMarksFailed(t *testing.T) {
	transfers := &stubTransferer{
		result: bridge.TransferResult{
			Success: false,
			State:   bridge.StateFailed,
			BurnTx:  "0xburn",
			Error:   "mint transaction reverted",
		},
	}
	srv, store, _ := newTestServer(t, transfers, &stubRecords{})

	created := createRequestViaAPI(t, srv, "1")

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		signedPost(http.MethodPost, "/api/v1/payment-requests/"+created.ID.String()+"/pay", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp payResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, ledger.StatusFailed, resp.Status)
	require.Equal(t, "0xburn", resp.Transfer.BurnTx)

	stored, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, stored.Status)
}

func TestPayRequestUnknownAndNonPending(t *testing.T) {
	transfers := &stubTransferer{result: bridge.TransferResult{Success: true, State: bridge.StateCompleted}}
	srv, store, _ := newTestServer(t, transfers, &stubRecords{})

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		signedPost(http.MethodPost, "/api/v1/payment-requests/"+uuid.NewString()+"/pay", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	created := createRequestViaAPI(t, srv, "1")
	require.NoError(t, store.SetStatus(context.Background(), created.ID, ledger.StatusCompleted))

	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		signedPost(http.MethodPost, "/api/v1/payment-requests/"+created.ID.String()+"/pay", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, 0, transfers.transferCalls)
}

func TestPayRequestRejectsConcurrentSecondAttempt(t *testing.T) {
	transfers := &stubTransferer{
		result: bridge.TransferResult{
			Success: true,
			State:   bridge.StateCompleted,
			BurnTx:  "0xburn",
			MintTx:  "0xmint",
		},
		started: make(chan struct{}, 2),
		proceed: make(chan struct{}),
	}
	srv, store, _ := newTestServer(t, transfers, &stubRecords{})

	created := createRequestViaAPI(t, srv, "1")
	payTarget := "/api/v1/payment-requests/" + created.ID.String() + "/pay"

	firstCode := make(chan int)
	go func() {
		rec := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(rec, signedPost(http.MethodPost, payTarget, nil))
		firstCode <- rec.Code
	}()

	// The first attempt is now inside the transfer, still holding the claim.
	<-transfers.started

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, signedPost(http.MethodPost, payTarget, nil))
	require.Equal(t, http.StatusConflict, rec.Code,
		"second attempt must be rejected before any chain call")
	require.Equal(t, 1, transfers.calls(), "only one burn may be submitted per request")

	close(transfers.proceed)
	require.Equal(t, http.StatusOK, <-firstCode)

	stored, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, stored.Status)
	require.Equal(t, 1, transfers.calls())
}

func TestResumeTransferUpdatesLedger(t *testing.T) {
	transfers := &stubTransferer{
		resumeResult: bridge.TransferResult{
			Success: true,
			State:   bridge.StateCompleted,
			BurnTx:  "0xburn",
			MintTx:  "0xmint",
		},
	}
	srv, store, _ := newTestServer(t, transfers, &stubRecords{})

	created := createRequestViaAPI(t, srv, "2")

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, signedPost(http.MethodPost, "/api/v1/transfers/resume",
		resumeTransferBody{
			BurnTx:             "0xburn",
			DestinationAddress: pharmacistAddr,
			RequestID:          &created.ID,
		}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 1, transfers.resumeCalls)
	require.Equal(t, "0xburn", transfers.lastBurnTx)
	require.Equal(t, pharmacistAddr, transfers.lastResumeDst)

	stored, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, stored.Status)
}

func TestResumeTransferFailureLeavesLedger(t *testing.T) {
	transfers := &stubTransferer{
		resumeResult: bridge.TransferResult{Success: false, State: bridge.StateFailed, Error: "attestation unavailable"},
	}
	srv, store, _ := newTestServer(t, transfers, &stubRecords{})

	created := createRequestViaAPI(t, srv, "2")

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, signedPost(http.MethodPost, "/api/v1/transfers/resume",
		resumeTransferBody{
			BurnTx:             "0xburn",
			DestinationAddress: pharmacistAddr,
			RequestID:          &created.ID,
		}))
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, stored.Status)
}

func TestMutatingRoutesRequireSignature(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubTransferer{}, &stubRecords{})

	body, _ := json.Marshal(createPaymentRequestBody{
		PatientAddress:    patientAddr,
		PharmacistAddress: pharmacistAddr,
		Amount:            "1",
	})
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/api/v1/payment-requests", bytes.NewReader(body)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPharmacyLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubTransferer{}, &stubRecords{})

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, signedPost(http.MethodPost, "/api/v1/pharmacies",
		pharmacy.Pharmacy{Name: "Corner Chemist", EthereumAddress: pharmacistAddr}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created pharmacy.Pharmacy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// No selection yet.
	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/v1/pharmacies/selected", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, signedPost(http.MethodPut, "/api/v1/pharmacies/selected",
		map[string]string{"id": created.ID.String()}))
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/v1/pharmacies/selected", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var selected pharmacy.Pharmacy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &selected))
	require.Equal(t, created.ID, selected.ID)

	// Removing the selected pharmacy clears the selection.
	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		signedPost(http.MethodDelete, "/api/v1/pharmacies/"+created.ID.String(), nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/v1/pharmacies/selected", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreatePharmacyRejectsBadAddress(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubTransferer{}, &stubRecords{})

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, signedPost(http.MethodPost, "/api/v1/pharmacies",
		pharmacy.Pharmacy{Name: "Broken", EthereumAddress: "0x12"}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteUnknownPharmacy(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubTransferer{}, &stubRecords{})

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		signedPost(http.MethodDelete, "/api/v1/pharmacies/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetPrescription(t *testing.T) {
	recs := &stubRecords{
		prescription: records.Prescription{Medication: "Amoxicillin", Dosage: "500mg", Instructions: "twice daily"},
		owner:        patientAddr,
		uri:          "ipfs://prescription/9",
	}
	srv, _, _ := newTestServer(t, &stubTransferer{}, recs)

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/v1/prescriptions/9", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp prescriptionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(9), resp.TokenID)
	require.Equal(t, "Amoxicillin", resp.Medication)
	require.Equal(t, patientAddr, resp.Owner)
	require.Equal(t, "ipfs://prescription/9", resp.TokenURI)
}

func TestGetPrescriptionUpstreamError(t *testing.T) {
	recs := &stubRecords{readErr: errors.New("rpc unavailable")}
	srv, _, _ := newTestServer(t, &stubTransferer{}, recs)

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/v1/prescriptions/1", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestMintPassport(t *testing.T) {
	recs := &stubRecords{mintTokenID: 42, mintTxHash: "0xminted"}
	srv, _, _ := newTestServer(t, &stubTransferer{}, recs)

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, signedPost(http.MethodPost, "/api/v1/passports",
		mintPassportBody{
			Recipient: patientAddr,
			PassportInput: records.PassportInput{
				FullName:  "Jane Doe",
				BloodType: "O+",
			},
		}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		TokenID int64  `json:"tokenId"`
		TxHash  string `json:"txHash"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(42), resp.TokenID)
	require.Equal(t, "0xminted", resp.TxHash)
	require.Equal(t, patientAddr, recs.lastRecipient)
	require.Equal(t, "Jane Doe", recs.lastInput.FullName)
}

func TestMintPassportBadRecipient(t *testing.T) {
	recs := &stubRecords{mintErr: records.ErrInvalidRecipient}
	srv, _, _ := newTestServer(t, &stubTransferer{}, recs)

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, signedPost(http.MethodPost, "/api/v1/passports",
		mintPassportBody{Recipient: "not-an-address"}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthReportsProbes(t *testing.T) {
	cfg := &config.AppConfig{Service: config.ServiceConfig{HTTPPort: 0, HMACSecret: testSecret, HMACClockSkew: time.Minute}}
	srv := NewServer(cfg, ledger.NewMemoryStore(), pharmacy.NewMemoryStore(),
		&stubTransferer{}, &stubRecords{}, Health{
			SourceRPC:      func(context.Context) error { return nil },
			DestinationRPC: func(context.Context) error { return errors.New("dial tcp: connection refused") },
		})

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "degraded", resp["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, &stubTransferer{}, &stubRecords{})

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
