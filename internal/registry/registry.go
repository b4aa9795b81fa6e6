// Package registry tracks connected clients and the devices they expose.
//
// A Registry maps client ids to registrations. Registration is idempotent:
// re-registering refreshes LastSeen and preserves RegisteredAt, so clients
// can announce themselves on every reconnect. Entries not seen within the
// TTL are dropped by CleanupExpired.
//
// The in-memory map is authoritative. When a SnapshotStore is attached,
// every mutation persists a full snapshot; a failing store marks the
// registry degraded and the write is retried on the next mutation instead
// of failing the caller.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTTL is how long a client stays registered without being seen.
const DefaultTTL = 3600 * time.Second

// DefaultLanguage is assumed for clients that do not announce one.
const DefaultLanguage = "ru"

// ErrEmptyClientID rejects registrations without an id.
var ErrEmptyClientID = errors.New("registry: empty client id")

// ClientType classifies the registering endpoint.
type ClientType string

const (
	ClientESP32   ClientType = "esp32"
	ClientWeb     ClientType = "web"
	ClientMobile  ClientType = "mobile"
	ClientDesktop ClientType = "desktop"
	ClientUnknown ClientType = "unknown"
)

// normalize maps unrecognized client types to ClientUnknown.
func (t ClientType) normalize() ClientType {
	switch t {
	case ClientESP32, ClientWeb, ClientMobile, ClientDesktop:
		return t
	default:
		return ClientUnknown
	}
}

// Device is one controllable or observable endpoint owned by a client.
// Device ids are unique within their client.
type Device struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
	Location     string         `json:"location,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Registration is one client's inventory entry. LastSeen never precedes
// RegisteredAt.
type Registration struct {
	ClientID      string          `json:"client_id"`
	RoomName      string          `json:"room_name"`
	Language      string          `json:"language"`
	ClientType    ClientType      `json:"client_type"`
	Devices       []Device        `json:"devices,omitempty"`
	Capabilities  map[string]bool `json:"capabilities,omitempty"`
	RegisteredAt  time.Time       `json:"registered_at"`
	LastSeen      time.Time       `json:"last_seen"`
	SourceAddress string          `json:"source_address,omitempty"`
	UserAgent     string          `json:"user_agent,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// OwnedDevice pairs a device with its owning client for cross-client
// queries.
type OwnedDevice struct {
	ClientID string
	Device   Device
}

// SnapshotStore persists the full registry state. Implementations live in
// the filestore, sqlite and postgres subpackages.
type SnapshotStore interface {
	// Save writes the complete client map, replacing any previous state.
	Save(ctx context.Context, clients map[string]Registration) error

	// Load returns the previously saved client map, or an empty map when
	// nothing was saved yet.
	Load(ctx context.Context) (map[string]Registration, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides the registration timeout.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithStore attaches snapshot persistence.
func WithStore(s SnapshotStore) Option {
	return func(r *Registry) { r.store = s }
}

// Registry is a concurrency-safe client inventory.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Registration

	ttl      time.Duration
	store    SnapshotStore
	degraded atomic.Bool

	now func() time.Time
}

// New builds an empty registry with the default TTL.
func New(opts ...Option) *Registry {
	r := &Registry{
		clients: make(map[string]*Registration),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or refreshes a client. An existing entry keeps its
// RegisteredAt; LastSeen is always bumped to now. Missing language and
// client type fall back to defaults.
func (r *Registry) Register(ctx context.Context, reg Registration) error {
	if reg.ClientID == "" {
		return ErrEmptyClientID
	}
	if reg.Language == "" {
		reg.Language = DefaultLanguage
	}
	reg.ClientType = reg.ClientType.normalize()

	now := r.now()
	r.mu.Lock()
	if prev, ok := r.clients[reg.ClientID]; ok {
		reg.RegisteredAt = prev.RegisteredAt
	} else if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = now
	}
	reg.LastSeen = now
	stored := cloneRegistration(reg)
	r.clients[reg.ClientID] = &stored
	r.mu.Unlock()

	slog.Debug("registry: client registered",
		"client_id", reg.ClientID, "room", reg.RoomName, "devices", len(reg.Devices))
	r.persist(ctx)
	return nil
}

// Unregister removes a client and reports whether it existed.
func (r *Registry) Unregister(ctx context.Context, clientID string) bool {
	r.mu.Lock()
	_, ok := r.clients[clientID]
	delete(r.clients, clientID)
	r.mu.Unlock()

	if ok {
		slog.Debug("registry: client unregistered", "client_id", clientID)
		r.persist(ctx)
	}
	return ok
}

// Get returns a copy of one client's registration.
func (r *Registry) Get(clientID string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.clients[clientID]
	if !ok {
		return Registration{}, false
	}
	return cloneRegistration(*reg), true
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// ByRoom returns all clients in the named room, matched case-insensitively,
// ordered by client id.
func (r *Registry) ByRoom(room string) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Registration
	for _, reg := range r.clients {
		if strings.EqualFold(reg.RoomName, room) {
			out = append(out, cloneRegistration(*reg))
		}
	}
	sortRegistrations(out)
	return out
}

// ClientsByType returns all clients of the given type, ordered by client id.
func (r *Registry) ClientsByType(t ClientType) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Registration
	for _, reg := range r.clients {
		if reg.ClientType == t {
			out = append(out, cloneRegistration(*reg))
		}
	}
	sortRegistrations(out)
	return out
}

// DevicesByType returns every device of the given type across all clients,
// ordered by client id then device id. The type match is case-insensitive.
func (r *Registry) DevicesByType(deviceType string) []OwnedDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []OwnedDevice
	for _, reg := range r.clients {
		for _, d := range reg.Devices {
			if strings.EqualFold(d.Type, deviceType) {
				out = append(out, OwnedDevice{ClientID: reg.ClientID, Device: cloneDevice(d)})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].Device.ID < out[j].Device.ID
	})
	return out
}

// AllDevices returns every registered device across all clients, ordered
// by client id then device id.
func (r *Registry) AllDevices() []OwnedDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []OwnedDevice
	for _, reg := range r.clients {
		for _, d := range reg.Devices {
			out = append(out, OwnedDevice{ClientID: reg.ClientID, Device: cloneDevice(d)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].Device.ID < out[j].Device.ID
	})
	return out
}

// Devices returns copies of one client's devices in registration order.
func (r *Registry) Devices(clientID string) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.clients[clientID]
	if !ok {
		return nil
	}
	out := make([]Device, len(reg.Devices))
	for i, d := range reg.Devices {
		out[i] = cloneDevice(d)
	}
	return out
}

// FindDevice locates a device of one client by name: exact case-insensitive
// match first, then the first device whose name contains the query.
func (r *Registry) FindDevice(clientID, name string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.clients[clientID]
	if !ok {
		return Device{}, false
	}
	for _, d := range reg.Devices {
		if strings.EqualFold(d.Name, name) {
			return cloneDevice(d), true
		}
	}
	q := strings.ToLower(name)
	if q == "" {
		return Device{}, false
	}
	for _, d := range reg.Devices {
		if strings.Contains(strings.ToLower(d.Name), q) {
			return cloneDevice(d), true
		}
	}
	return Device{}, false
}

// Rooms returns the distinct room names across all clients, deduplicated
// case-insensitively and sorted. The first-seen spelling wins.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]string)
	for _, reg := range r.clients {
		if reg.RoomName == "" {
			continue
		}
		key := strings.ToLower(reg.RoomName)
		if _, ok := seen[key]; !ok {
			seen[key] = reg.RoomName
		}
	}
	out := make([]string, 0, len(seen))
	for _, name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CleanupExpired removes clients not seen within the TTL, measured against
// the given time, and returns how many were dropped.
func (r *Registry) CleanupExpired(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	var removed []string
	for id, reg := range r.clients {
		if now.Sub(reg.LastSeen) > r.ttl {
			removed = append(removed, id)
			delete(r.clients, id)
		}
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		sort.Strings(removed)
		slog.Info("registry: expired clients removed", "count", len(removed), "client_ids", removed)
		r.persist(ctx)
	}
	return len(removed)
}

// Snapshot returns a deep copy of the whole registry.
func (r *Registry) Snapshot() map[string]Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Load replaces the in-memory state from the attached store. Without a
// store it is a no-op.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	clients, err := r.store.Load(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.clients = make(map[string]*Registration, len(clients))
	for id, reg := range clients {
		stored := cloneRegistration(reg)
		r.clients[id] = &stored
	}
	r.mu.Unlock()

	slog.Info("registry: state loaded", "clients", len(clients))
	return nil
}

// Degraded reports whether the last persistence attempt failed.
func (r *Registry) Degraded() bool {
	return r.degraded.Load()
}

// Flush writes the current snapshot to the attached store. Without a
// store it is a no-op. Unlike the automatic persistence after mutations
// the failure is returned so a shutdown path can report it.
func (r *Registry) Flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.persist(ctx)
	if r.Degraded() {
		return errors.New("registry: snapshot store degraded")
	}
	return nil
}

// persist saves a snapshot to the attached store. Failures only mark the
// registry degraded; in-memory state stays authoritative.
func (r *Registry) persist(ctx context.Context) {
	if r.store == nil {
		return
	}
	r.mu.RLock()
	snap := r.snapshotLocked()
	r.mu.RUnlock()

	if err := r.store.Save(ctx, snap); err != nil {
		if !r.degraded.Swap(true) {
			slog.Warn("registry: snapshot save failed", "error", err, "clients", len(snap))
		}
		return
	}
	if r.degraded.Swap(false) {
		slog.Info("registry: persistence recovered", "clients", len(snap))
	}
}

func (r *Registry) snapshotLocked() map[string]Registration {
	out := make(map[string]Registration, len(r.clients))
	for id, reg := range r.clients {
		out[id] = cloneRegistration(*reg)
	}
	return out
}

func sortRegistrations(regs []Registration) {
	sort.Slice(regs, func(i, j int) bool { return regs[i].ClientID < regs[j].ClientID })
}

func cloneRegistration(reg Registration) Registration {
	out := reg
	if reg.Devices != nil {
		out.Devices = make([]Device, len(reg.Devices))
		for i, d := range reg.Devices {
			out.Devices[i] = cloneDevice(d)
		}
	}
	if reg.Capabilities != nil {
		out.Capabilities = make(map[string]bool, len(reg.Capabilities))
		for k, v := range reg.Capabilities {
			out.Capabilities[k] = v
		}
	}
	out.Metadata = cloneAnyMap(reg.Metadata)
	return out
}

func cloneDevice(d Device) Device {
	out := d
	out.Capabilities = cloneAnyMap(d.Capabilities)
	out.Metadata = cloneAnyMap(d.Metadata)
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
