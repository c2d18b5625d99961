package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/kpi-notification-worker/internal/db"
)

// MemoryStore is a process local Store. It backs STORAGE_BACKEND=memory for
// local development and the package tests.
type MemoryStore struct {
	mu      sync.Mutex
	kpis    map[string]db.KpiSnapshot
	prefs   map[uuid.UUID]db.NotificationPreference
	history []db.NotificationHistoryRecord
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kpis:  make(map[string]db.KpiSnapshot),
		prefs: make(map[uuid.UUID]db.NotificationPreference),
	}
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*Repository)(nil)

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (m *MemoryStore) CreateKpi(ctx context.Context, kpi *db.KpiSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.kpis[kpi.KpiID]; ok {
		return fmt.Errorf("kpi %q: %w", kpi.KpiID, ErrAlreadyExists)
	}
	if kpi.CreatedAt.IsZero() {
		kpi.CreatedAt = time.Now().UTC()
	}
	m.kpis[kpi.KpiID] = *kpi
	return nil
}

func (m *MemoryStore) GetKpi(ctx context.Context, kpiID string) (*db.KpiSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kpi, ok := m.kpis[kpiID]
	if !ok {
		return nil, fmt.Errorf("kpi %q: %w", kpiID, ErrNotFound)
	}
	return &kpi, nil
}

func (m *MemoryStore) ListKpis(ctx context.Context) ([]db.KpiSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kpis := make([]db.KpiSnapshot, 0, len(m.kpis))
	for _, kpi := range m.kpis {
		kpis = append(kpis, kpi)
	}
	sort.Slice(kpis, func(i, j int) bool { return kpis[i].KpiID < kpis[j].KpiID })
	return kpis, nil
}

func (m *MemoryStore) UpsertKpiValue(ctx context.Context, kpiID string, value float64, dateRange string, updatedAt time.Time) (*db.KpiSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kpi, ok := m.kpis[kpiID]
	if !ok {
		kpi = db.KpiSnapshot{KpiID: kpiID, Name: kpiID, CreatedAt: updatedAt}
	}
	v := value
	kpi.Value = &v
	if dateRange != "" {
		kpi.DateRange = dateRange
	}
	kpi.UpdatedAt = copyTime(&updatedAt)
	m.kpis[kpiID] = kpi
	return &kpi, nil
}

func (m *MemoryStore) CreatePreference(ctx context.Context, pref *db.NotificationPreference) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pref.ID == uuid.Nil {
		pref.ID = uuid.New()
	}
	if pref.CreatedAt.IsZero() {
		pref.CreatedAt = time.Now().UTC()
	}
	stored := *pref
	stored.LastNotified = copyTime(pref.LastNotified)
	m.prefs[pref.ID] = stored
	return nil
}

func (m *MemoryStore) filterPreferences(keep func(p db.NotificationPreference) bool) []db.NotificationPreference {
	var out []db.NotificationPreference
	for _, p := range m.prefs {
		if keep(p) {
			p.LastNotified = copyTime(p.LastNotified)
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) ListPreferencesByOwner(ctx context.Context, owner string) ([]db.NotificationPreference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefs := m.filterPreferences(func(p db.NotificationPreference) bool { return p.Owner == owner })
	// newest first
	for i, j := 0, len(prefs)-1; i < j; i, j = i+1, j-1 {
		prefs[i], prefs[j] = prefs[j], prefs[i]
	}
	return prefs, nil
}

func (m *MemoryStore) GetPreference(ctx context.Context, owner, kpiID string) (*db.NotificationPreference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefs := m.filterPreferences(func(p db.NotificationPreference) bool {
		return p.Owner == owner && p.KpiID == kpiID
	})
	if len(prefs) == 0 {
		return nil, fmt.Errorf("preference %s/%s: %w", owner, kpiID, ErrNotFound)
	}
	return &prefs[len(prefs)-1], nil
}

func (m *MemoryStore) DeletePreferences(ctx context.Context, owner, kpiID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, p := range m.prefs {
		if p.Owner == owner && p.KpiID == kpiID {
			delete(m.prefs, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListPreferencesForKpi(ctx context.Context, kpiID string) ([]db.NotificationPreference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.filterPreferences(func(p db.NotificationPreference) bool { return p.KpiID == kpiID }), nil
}

func (m *MemoryStore) ClaimNotification(ctx context.Context, id uuid.UUID, expected *time.Time, claimedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.prefs[id]
	if !ok || !p.Enabled || !sameTime(p.LastNotified, expected) {
		return false, nil
	}
	p.LastNotified = copyTime(&claimedAt)
	m.prefs[id] = p
	return true, nil
}

func (m *MemoryStore) ReleaseNotification(ctx context.Context, id uuid.UUID, claimedAt time.Time, previous *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.prefs[id]
	if !ok || !sameTime(p.LastNotified, &claimedAt) {
		return nil
	}
	p.LastNotified = copyTime(previous)
	m.prefs[id] = p
	return nil
}

func (m *MemoryStore) InsertHistory(ctx context.Context, rec *db.NotificationHistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	m.history = append(m.history, *rec)
	return nil
}

func (m *MemoryStore) ListHistory(ctx context.Context, limit int) ([]db.NotificationHistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]db.NotificationHistoryRecord, len(m.history))
	copy(out, m.history)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
