package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a payment request. Pending may move to
// completed or failed; completed and failed are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// PaymentRequest is a payment obligation tied to a prescription token. It is
// created by the pharmacist-side system and only mutated here through status
// transitions driven by transfer outcomes.
type PaymentRequest struct {
	ID                uuid.UUID       `json:"id"`
	TokenID           int64           `json:"tokenId"`
	PatientAddress    string          `json:"patientAddress"`
	PharmacistAddress string          `json:"pharmacistAddress"`
	Amount            decimal.Decimal `json:"amount"`
	Status            Status          `json:"status"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Store abstracts ledger persistence.
//
// SetStatus on an unknown id is a silent no-op across all implementations;
// the caller cannot distinguish it from a successful update.
type Store interface {
	List(ctx context.Context, patientAddress string) ([]PaymentRequest, error)
	Get(ctx context.Context, id uuid.UUID) (*PaymentRequest, error)
	Create(ctx context.Context, req *PaymentRequest) error
	SetStatus(ctx context.Context, id uuid.UUID, status Status) error
}

func prepare(req *PaymentRequest) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Status == "" {
		req.Status = StatusPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
}

// MemoryStore keeps requests in insertion order. Mostly for testing and
// single-process use.
type MemoryStore struct {
	mu       sync.RWMutex
	requests []PaymentRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) List(_ context.Context, patientAddress string) ([]PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PaymentRequest
	for _, req := range m.requests {
		if strings.EqualFold(req.PatientAddress, patientAddress) {
			out = append(out, req)
		}
	}
	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*PaymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, req := range m.requests {
		if req.ID == id {
			out := req
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) Create(_ context.Context, req *PaymentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prepare(req)
	m.requests = append(m.requests, *req)
	return nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id uuid.UUID, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.requests {
		if m.requests[i].ID == id {
			m.requests[i].Status = status
			return nil
		}
	}
	return nil
}
