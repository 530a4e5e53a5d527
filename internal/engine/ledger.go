package engine

import (
	"slices"
	"sync"

	"github.com/forge-labs/forge-go/internal/domain"
)

// Ledger remembers which outputs each fingerprint produced.
type Ledger interface {
	Lookup(fingerprint string) ([]domain.AssetID, bool)
	// Record stores outputs for a fingerprint the first time it is seen and
	// reports the outputs now on file.
	Record(fingerprint string, outputs []domain.AssetID) []domain.AssetID
}

type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[string][]domain.AssetID
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string][]domain.AssetID)}
}

func (l *MemoryLedger) Lookup(fingerprint string) ([]domain.AssetID, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out, ok := l.entries[fingerprint]
	return slices.Clone(out), ok
}

func (l *MemoryLedger) Record(fingerprint string, outputs []domain.AssetID) []domain.AssetID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.entries[fingerprint]; ok {
		return slices.Clone(existing)
	}
	l.entries[fingerprint] = slices.Clone(outputs)
	return slices.Clone(outputs)
}

func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
