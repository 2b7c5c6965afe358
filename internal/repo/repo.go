package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// StrategyRecord is the persisted form of a strategy configuration.
type StrategyRecord struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	Name        string    `gorm:"size:128" json:"name"`
	Symbols     string    `gorm:"size:512" json:"symbols"` // comma-separated
	Timeframe   string    `gorm:"size:16" json:"timeframe"`
	RiskProfile string    `gorm:"size:32" json:"risk_profile"`
	Params      string    `gorm:"type:text" json:"params,omitempty"` // JSON blob
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Repository is the narrow CRUD contract the orchestrator consumes. The core
// only ever calls these four operations.
type Repository interface {
	FindBy(ctx context.Context, filter map[string]any) ([]StrategyRecord, error)
	Create(ctx context.Context, rec StrategyRecord) (StrategyRecord, error)
	Update(ctx context.Context, id string, patch map[string]any) (StrategyRecord, error)
	FindByID(ctx context.Context, id string) (*StrategyRecord, error)
}

// MemoryRepository is an in-memory Repository for tests and development.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]StrategyRecord
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]StrategyRecord)}
}

// FindBy returns records matching every filter key, ordered by id.
func (r *MemoryRepository) FindBy(_ context.Context, filter map[string]any) ([]StrategyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []StrategyRecord
	for _, rec := range r.records {
		if matches(rec, filter) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Create inserts a record. Duplicate ids are rejected.
func (r *MemoryRepository) Create(_ context.Context, rec StrategyRecord) (StrategyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.ID == "" {
		return StrategyRecord{}, fmt.Errorf("record must have an id")
	}
	if _, exists := r.records[rec.ID]; exists {
		return StrategyRecord{}, fmt.Errorf("record %q already exists", rec.ID)
	}
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	r.records[rec.ID] = rec
	return rec, nil
}

// Update applies a patch to an existing record.
func (r *MemoryRepository) Update(_ context.Context, id string, patch map[string]any) (StrategyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return StrategyRecord{}, fmt.Errorf("record %q not found", id)
	}
	applyPatch(&rec, patch)
	rec.UpdatedAt = time.Now()
	r.records[id] = rec
	return rec, nil
}

// FindByID returns a record or nil when absent.
func (r *MemoryRepository) FindByID(_ context.Context, id string) (*StrategyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func matches(rec StrategyRecord, filter map[string]any) bool {
	for key, want := range filter {
		if fieldValue(rec, key) != want {
			return false
		}
	}
	return true
}

func fieldValue(rec StrategyRecord, key string) any {
	switch key {
	case "id":
		return rec.ID
	case "name":
		return rec.Name
	case "timeframe":
		return rec.Timeframe
	case "risk_profile":
		return rec.RiskProfile
	case "active":
		return rec.Active
	default:
		return nil
	}
}

func applyPatch(rec *StrategyRecord, patch map[string]any) {
	for key, val := range patch {
		switch key {
		case "name":
			if v, ok := val.(string); ok {
				rec.Name = v
			}
		case "symbols":
			if v, ok := val.(string); ok {
				rec.Symbols = v
			}
		case "timeframe":
			if v, ok := val.(string); ok {
				rec.Timeframe = v
			}
		case "risk_profile":
			if v, ok := val.(string); ok {
				rec.RiskProfile = v
			}
		case "params":
			if v, ok := val.(string); ok {
				rec.Params = v
			}
		case "active":
			if v, ok := val.(bool); ok {
				rec.Active = v
			}
		}
	}
}
