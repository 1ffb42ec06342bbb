package pharmacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

type fileState struct {
	Pharmacies []Pharmacy `json:"pharmacies"`
	SelectedID uuid.UUID  `json:"selectedId"`
}

// FileStore persists the registry to a JSON file.
type FileStore struct {
	path  string
	mu    sync.Mutex
	state fileState
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
	return json.Unmarshal(blob, &f.state)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FileStore) List(context.Context) ([]Pharmacy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Pharmacy, len(f.state.Pharmacies))
	copy(out, f.state.Pharmacies)
	return out, nil
}

func (f *FileStore) Create(_ context.Context, p *Pharmacy) error {
	if err := validate(p); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prepare(p)
	f.state.Pharmacies = append(f.state.Pharmacies, *p)
	return f.persist()
}

func (f *FileStore) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.state.Pharmacies {
		if f.state.Pharmacies[i].ID == id {
			f.state.Pharmacies = append(f.state.Pharmacies[:i], f.state.Pharmacies[i+1:]...)
			if f.state.SelectedID == id {
				f.state.SelectedID = uuid.Nil
			}
			return f.persist()
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (f *FileStore) Select(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.state.Pharmacies {
		if f.state.Pharmacies[i].ID == id {
			f.state.SelectedID = id
			return f.persist()
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (f *FileStore) Selected(context.Context) (*Pharmacy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.SelectedID == uuid.Nil {
		return nil, nil
	}
	for _, p := range f.state.Pharmacies {
		if p.ID == f.state.SelectedID {
			out := p
			return &out, nil
		}
	}
	return nil, nil
}
