package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FileStore persists the ledger to a JSON file. Suitable for local dev; the
// Postgres store covers real durability.
type FileStore struct {
	path     string
	mu       sync.Mutex
	requests []PaymentRequest
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.requests)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.requests, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FileStore) List(_ context.Context, patientAddress string) ([]PaymentRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []PaymentRequest
	for _, req := range f.requests {
		if strings.EqualFold(req.PatientAddress, patientAddress) {
			out = append(out, req)
		}
	}
	return out, nil
}

func (f *FileStore) Get(_ context.Context, id uuid.UUID) (*PaymentRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.requests {
		if req.ID == id {
			out := req
			return &out, nil
		}
	}
	return nil, nil
}

func (f *FileStore) Create(_ context.Context, req *PaymentRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prepare(req)
	f.requests = append(f.requests, *req)
	return f.persist()
}

func (f *FileStore) SetStatus(_ context.Context, id uuid.UUID, status Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.requests {
		if f.requests[i].ID == id {
			f.requests[i].Status = status
			return f.persist()
		}
	}
	return nil
}
