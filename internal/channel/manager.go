package channel

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/kv"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/storage"
)

// Manager owns the in-memory channel registry: the id map, the
// per-model index, and per-channel metrics. Channels are durable in
// Postgres; Hydrate loads them at startup and every mutation writes
// through.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	metrics  map[string]*Metrics
	// byModel maps model name to the ids of channels declaring it.
	byModel map[string][]string

	store storage.ChannelStore
	vault *provider.Vault
	kv    kv.Store

	now func() time.Time
}

// NewManager wires a manager against its durable store, the credential
// vault, and the kv layer used for per-channel rate limits.
func NewManager(store storage.ChannelStore, vault *provider.Vault, kvStore kv.Store) *Manager {
	return &Manager{
		channels: make(map[string]*Channel),
		metrics:  make(map[string]*Metrics),
		byModel:  make(map[string][]string),
		store:    store,
		vault:    vault,
		kv:       kvStore,
		now:      time.Now,
	}
}

// Hydrate loads every persisted channel into memory. A channel whose
// credentials fail to decrypt is skipped with a log line rather than
// failing startup; the rest of the fleet stays usable.
func (m *Manager) Hydrate(ctx context.Context) error {
	records, err := m.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		creds, err := m.vault.DecryptCredentials(rec.CredentialsEnc)
		if err != nil {
			slog.Error("channel credentials unreadable, skipping",
				"channel_id", rec.ID, "tenant_id", rec.TenantID, "error", err)
			continue
		}
		ch := fromRecord(rec)
		ch.Credentials = creds
		m.indexLocked(ch)
	}
	slog.Info("channel fleet hydrated", "channels", len(m.channels))
	return nil
}

// Register validates, persists and indexes a new channel. Credentials
// arrive in cleartext and are sealed before they touch the database.
func (m *Manager) Register(ctx context.Context, ch *Channel) (*Channel, error) {
	if ch.Status == "" {
		ch.Status = StatusActive
	}
	if err := ch.Validate(); err != nil {
		return nil, err
	}
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}

	enc, err := m.vault.EncryptCredentials(ch.Credentials)
	if err != nil {
		return nil, fmt.Errorf("seal credentials: %w", err)
	}
	rec := toRecord(ch, enc)
	if err := m.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.indexLocked(ch.clone())
	m.mu.Unlock()
	return ch, nil
}

// Update replaces a channel's definition. A nil Credentials map keeps
// the stored credentials; anything else replaces them wholesale.
func (m *Manager) Update(ctx context.Context, ch *Channel) (*Channel, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	current, ok := m.channels[ch.ID]
	m.mu.RUnlock()
	if !ok || current.TenantID != ch.TenantID {
		return nil, ErrChannelNotFound
	}
	if ch.Credentials == nil {
		ch.Credentials = current.Credentials
	}

	enc, err := m.vault.EncryptCredentials(ch.Credentials)
	if err != nil {
		return nil, fmt.Errorf("seal credentials: %w", err)
	}
	if err := m.store.Update(ctx, toRecord(ch, enc)); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.unindexLocked(ch.ID)
	m.indexLocked(ch.clone())
	m.mu.Unlock()
	return ch, nil
}

// SetStatus flips a channel's status without touching the rest of its
// definition. Used by the health loop and the suspend/resume endpoints.
func (m *Manager) SetStatus(ctx context.Context, tenantID, id string, status Status) error {
	m.mu.Lock()
	ch, ok := m.channels[id]
	if !ok || (tenantID != "" && ch.TenantID != tenantID) {
		m.mu.Unlock()
		return ErrChannelNotFound
	}
	updated := ch.clone()
	updated.Status = status
	m.channels[id] = updated
	m.mu.Unlock()

	enc, err := m.vault.EncryptCredentials(updated.Credentials)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	return m.store.Update(ctx, toRecord(updated, enc))
}

// Delete removes a channel from the store and the indexes.
func (m *Manager) Delete(ctx context.Context, tenantID, id string) error {
	m.mu.RLock()
	ch, ok := m.channels[id]
	m.mu.RUnlock()
	if !ok || ch.TenantID != tenantID {
		return ErrChannelNotFound
	}
	if err := m.store.Delete(ctx, tenantID, id); err != nil {
		return err
	}
	m.mu.Lock()
	m.unindexLocked(id)
	delete(m.metrics, id)
	m.mu.Unlock()
	return nil
}

// Get returns a copy of one channel.
func (m *Manager) Get(tenantID, id string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	if !ok || ch.TenantID != tenantID {
		return nil, ErrChannelNotFound
	}
	return ch.clone(), nil
}

// ListByTenant returns copies of every channel owned by the tenant.
func (m *Manager) ListByTenant(tenantID string) []*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Channel
	for _, ch := range m.channels {
		if ch.TenantID == tenantID {
			out = append(out, ch.clone())
		}
	}
	return out
}

// Select picks a channel for the model using the weighted draw over the
// healthy, in-quota candidates. Channels whose ids appear in exclude are
// skipped, which is how the proxy retries around a failing upstream.
func (m *Manager) Select(ctx context.Context, tenantID, model string, exclude map[string]bool) (*Channel, error) {
	now := m.now()

	m.mu.RLock()
	var candidates []*Channel
	for _, id := range m.byModel[model] {
		ch := m.channels[id]
		if ch == nil || ch.TenantID != tenantID || exclude[id] {
			continue
		}
		if ch.Status != StatusActive {
			continue
		}
		if met := m.metrics[id]; met != nil && !met.Snapshot().healthyAt(now) {
			continue
		}
		candidates = append(candidates, ch)
	}
	m.mu.RUnlock()

	// Draw, then charge the winner's rate window. A winner over quota
	// leaves the pool and the draw repeats, so losing candidates never
	// burn quota they did not use.
	for len(candidates) > 0 {
		idx := m.draw(candidates, now)
		ch := candidates[idx]
		if ch.MaxRPM > 0 {
			ok, err := m.kv.Allow(ctx, "rpm:channel:"+ch.ID, ch.MaxRPM, time.Minute)
			if err != nil {
				// Rate limiting degrades open on a kv outage.
				slog.Warn("channel rate check unavailable", "channel_id", ch.ID, "error", err)
			} else if !ok {
				candidates = append(candidates[:idx], candidates[idx+1:]...)
				continue
			}
		}
		return ch.clone(), nil
	}
	return nil, ErrNoChannelAvailable
}

// draw performs one weighted random pick over candidates and returns
// the winning index.
func (m *Manager) draw(candidates []*Channel, now time.Time) int {
	if len(candidates) == 1 {
		return 0
	}
	weights := make([]float64, len(candidates))
	var total float64
	m.mu.RLock()
	for i, ch := range candidates {
		var snap Snapshot
		if met := m.metrics[ch.ID]; met != nil {
			snap = met.Snapshot()
		} else {
			snap = Snapshot{SuccessRate: 1}
		}
		weights[i] = effectiveWeight(ch, snap)
		total += weights[i]
	}
	m.mu.RUnlock()

	r := rand.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(candidates) - 1
}

// ReportResult folds one request outcome into the channel's metrics.
// Unknown ids are ignored; the channel may have been deleted mid-flight.
func (m *Manager) ReportResult(id string, latency time.Duration, err error) {
	m.mu.Lock()
	met, ok := m.metrics[id]
	if !ok {
		if _, exists := m.channels[id]; !exists {
			m.mu.Unlock()
			return
		}
		met = &Metrics{}
		m.metrics[id] = met
	}
	m.mu.Unlock()
	met.Record(latency, err == nil, m.now())
}

// MetricsSnapshot returns the current metrics for one channel.
func (m *Manager) MetricsSnapshot(tenantID, id string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	if !ok || ch.TenantID != tenantID {
		return Snapshot{}, ErrChannelNotFound
	}
	met := m.metrics[id]
	if met == nil {
		return Snapshot{SuccessRate: 1}, nil
	}
	return met.Snapshot(), nil
}

// probeTargets returns copies of the channels the health loop should
// probe this cycle. Inactive and maintenance channels are skipped.
func (m *Manager) probeTargets() []*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Channel
	for _, ch := range m.channels {
		if ch.Status == StatusActive || ch.Status == StatusError {
			out = append(out, ch.clone())
		}
	}
	return out
}

func (m *Manager) indexLocked(ch *Channel) {
	m.channels[ch.ID] = ch
	if _, ok := m.metrics[ch.ID]; !ok {
		m.metrics[ch.ID] = &Metrics{}
	}
	for _, model := range ch.Models {
		m.byModel[model] = append(m.byModel[model], ch.ID)
	}
}

func (m *Manager) unindexLocked(id string) {
	ch, ok := m.channels[id]
	if !ok {
		return
	}
	delete(m.channels, id)
	for _, model := range ch.Models {
		ids := m.byModel[model]
		for i, cid := range ids {
			if cid == id {
				m.byModel[model] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(m.byModel[model]) == 0 {
			delete(m.byModel, model)
		}
	}
}

func fromRecord(rec *storage.ChannelRecord) *Channel {
	return &Channel{
		ID:           rec.ID,
		TenantID:     rec.TenantID,
		Name:         rec.Name,
		ProviderType: rec.ProviderType,
		BaseURL:      rec.BaseURL,
		Models:       append([]string(nil), rec.Models...),
		Status:       Status(rec.Status),
		Priority:     rec.Priority,
		Weight:       rec.Weight,
		MaxRPM:       rec.MaxRPM,
	}
}

func toRecord(ch *Channel, credentialsEnc string) *storage.ChannelRecord {
	return &storage.ChannelRecord{
		ID:             ch.ID,
		TenantID:       ch.TenantID,
		Name:           ch.Name,
		ProviderType:   ch.ProviderType,
		BaseURL:        ch.BaseURL,
		CredentialsEnc: credentialsEnc,
		Models:         append([]string(nil), ch.Models...),
		Status:         string(ch.Status),
		Priority:       ch.Priority,
		Weight:         ch.Weight,
		MaxRPM:         ch.MaxRPM,
	}
}
