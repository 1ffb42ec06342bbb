package pharmacy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	ErrInvalidAddress = errors.New("invalid pharmacy address")
	ErrNotFound       = errors.New("pharmacy not found")
)

// Pharmacy is a payee the patient can direct payments to.
type Pharmacy struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	EthereumAddress string    `json:"ethereumAddress"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Store manages the pharmacy list plus a "selected" pointer. The pointer
// always references an existing pharmacy or is absent; deleting the selected
// pharmacy clears it.
type Store interface {
	List(ctx context.Context) ([]Pharmacy, error)
	Create(ctx context.Context, p *Pharmacy) error
	Delete(ctx context.Context, id uuid.UUID) error
	Select(ctx context.Context, id uuid.UUID) error
	Selected(ctx context.Context) (*Pharmacy, error)
}

func validate(p *Pharmacy) error {
	if p.Name == "" {
		return errors.New("pharmacy name is required")
	}
	if !common.IsHexAddress(p.EthereumAddress) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, p.EthereumAddress)
	}
	return nil
}

func prepare(p *Pharmacy) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
}

// MemoryStore keeps the registry in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	pharmacies []Pharmacy
	selectedID uuid.UUID // uuid.Nil when nothing is selected
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) List(context.Context) ([]Pharmacy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Pharmacy, len(m.pharmacies))
	copy(out, m.pharmacies)
	return out, nil
}

func (m *MemoryStore) Create(_ context.Context, p *Pharmacy) error {
	if err := validate(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prepare(p)
	m.pharmacies = append(m.pharmacies, *p)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pharmacies {
		if m.pharmacies[i].ID == id {
			m.pharmacies = append(m.pharmacies[:i], m.pharmacies[i+1:]...)
			if m.selectedID == id {
				m.selectedID = uuid.Nil
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (m *MemoryStore) Select(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pharmacies {
		if m.pharmacies[i].ID == id {
			m.selectedID = id
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (m *MemoryStore) Selected(context.Context) (*Pharmacy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.selectedID == uuid.Nil {
		return nil, nil
	}
	for _, p := range m.pharmacies {
		if p.ID == m.selectedID {
			out := p
			return &out, nil
		}
	}
	return nil, nil
}
