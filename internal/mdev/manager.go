package mdev

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/rs/xid"

	"github.com/tinyrange/vgpu/internal/catalog"
	"github.com/tinyrange/vgpu/internal/errdefs"
	"github.com/tinyrange/vgpu/internal/guestmem"
)

// Manager creates and tracks the mediated devices of one physical GPU.
// It enforces per-type instance limits and the one-session-one-device
// ownership rule.
type Manager struct {
	cat   *catalog.Catalog
	pager guestmem.Pager
	log   *slog.Logger

	mu       sync.Mutex
	devices  map[string]*Device
	sessions map[guestmem.Session]*Device
	inUse    map[string]int
}

// NewManager creates a manager over the supplied type catalog and host
// pager.
func NewManager(cat *catalog.Catalog, pager guestmem.Pager, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cat:      cat,
		pager:    pager,
		log:      log,
		devices:  make(map[string]*Device),
		sessions: make(map[guestmem.Session]*Device),
		inUse:    make(map[string]int),
	}
}

// Create instantiates a device of the named catalog type around the
// supplied device model. The new device is bound to the manager but has
// no guest session yet.
func (m *Manager) Create(typeName string, model DeviceModel) (*Device, error) {
	typ, err := m.cat.Find(typeName)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inUse[typ.Name] >= typ.MaxInstances {
		return nil, fmt.Errorf("type %q: no instances available", typ.Name)
	}

	d := &Device{
		id:         xid.New().String(),
		typ:        typ,
		model:      model,
		mgr:        m,
		msiTrigger: -1,
	}
	d.log = m.log.With("vgpu", d.id, "type", typ.Name)

	m.devices[d.id] = d
	m.inUse[typ.Name]++
	d.log.Info("vgpu created")
	return d, nil
}

// Destroy removes a device from the manager and marks it released, so
// it can never be opened again. A device whose guest session is still
// open cannot be destroyed. The device mutex is held across the check
// and the removal; an Open cannot slip in between.
func (m *Manager) Destroy(d *Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.guest != nil && !d.released.Load() {
		return &errdefs.Error{Op: "destroy", Dev: d.id, Err: ErrSessionActive}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.id]; !ok {
		return &errdefs.Error{Op: "destroy", Dev: d.id, Err: errdefs.ErrNotFound}
	}
	d.released.Store(true)
	delete(m.devices, d.id)
	m.inUse[d.typ.Name]--
	d.log.Info("vgpu destroyed")
	return nil
}

// Get returns the device with the given instance id.
func (m *Manager) Get(id string) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	return d, ok
}

// Available reports how many more instances of a type can be created.
func (m *Manager) Available(typeName string) int {
	typ, err := m.cat.Find(typeName)
	if err != nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return typ.MaxInstances - m.inUse[typ.Name]
}

// bindSession claims a guest session for a device. A session already
// owning another device is rejected.
func (m *Manager) bindSession(s guestmem.Session, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s]; ok {
		return errdefs.ErrAlreadyBound
	}
	m.sessions[s] = d
	return nil
}

func (m *Manager) unbindSession(s guestmem.Session) {
	m.mu.Lock()
	delete(m.sessions, s)
	m.mu.Unlock()
}
