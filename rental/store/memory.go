// Package store provides in-process Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/rental-engine/rental"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps. Reservations are stored as deep copies
// so callers never share memory with the store.
type Memory struct {
	mu sync.RWMutex
	data
}

type data struct {
	toolTypes     map[rental.ToolTypeID]rental.ToolType
	instances     map[rental.InstanceID]rental.ToolInstance
	reservations  map[rental.ReservationID]*rental.Reservation
	numbers       map[string]rental.ReservationID
	sequences     map[string]int
	audit         []rental.AuditEntry
	notifications []rental.Notification
}

func newData() data {
	return data{
		toolTypes:    make(map[rental.ToolTypeID]rental.ToolType),
		instances:    make(map[rental.InstanceID]rental.ToolInstance),
		reservations: make(map[rental.ReservationID]*rental.Reservation),
		numbers:      make(map[string]rental.ReservationID),
		sequences:    make(map[string]int),
	}
}

func NewMemory() *Memory {
	return &Memory{data: newData()}
}

// -----------------------------------------------------------------------------
// Catalog
// -----------------------------------------------------------------------------

func (d *data) saveToolType(t rental.ToolType) error {
	if t.ID == "" {
		return &rental.ValidationError{Field: "toolType.id", Reason: "required"}
	}
	d.toolTypes[t.ID] = t
	return nil
}

func (d *data) getToolType(id rental.ToolTypeID) (rental.ToolType, error) {
	t, ok := d.toolTypes[id]
	if !ok {
		return rental.ToolType{}, &rental.NotFoundError{Kind: "tool type", ID: string(id)}
	}
	return t, nil
}

func (d *data) listToolTypes() []rental.ToolType {
	out := make([]rental.ToolType, 0, len(d.toolTypes))
	for _, t := range d.toolTypes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *data) saveInstance(inst rental.ToolInstance) error {
	if inst.ID == "" {
		return &rental.ValidationError{Field: "instance.id", Reason: "required"}
	}
	if _, ok := d.toolTypes[inst.ToolTypeID]; !ok {
		return &rental.NotFoundError{Kind: "tool type", ID: string(inst.ToolTypeID)}
	}
	if inst.SerialNumber != "" {
		for id, other := range d.instances {
			if id != inst.ID && other.SerialNumber == inst.SerialNumber {
				return &rental.ValidationError{Field: "serialNumber", Reason: fmt.Sprintf("%q already used by %s", inst.SerialNumber, id)}
			}
		}
	}
	d.instances[inst.ID] = inst
	return nil
}

func (d *data) getInstance(id rental.InstanceID) (rental.ToolInstance, error) {
	inst, ok := d.instances[id]
	if !ok {
		return rental.ToolInstance{}, &rental.NotFoundError{Kind: "instance", ID: string(id)}
	}
	return inst, nil
}

func (d *data) findInstanceBySerial(serial string) (rental.ToolInstance, error) {
	for _, inst := range d.instances {
		if inst.SerialNumber == serial {
			return inst, nil
		}
	}
	return rental.ToolInstance{}, &rental.NotFoundError{Kind: "serial number", ID: serial}
}

func (d *data) listInstances(typeID rental.ToolTypeID) []rental.ToolInstance {
	var out []rental.ToolInstance
	for _, inst := range d.instances {
		if typeID == "" || inst.ToolTypeID == typeID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// -----------------------------------------------------------------------------
// Reservations
// -----------------------------------------------------------------------------

func (d *data) insertReservation(r *rental.Reservation) error {
	if _, ok := d.reservations[r.ID]; ok {
		return &rental.ConcurrencyError{Resource: string(r.ID), Reason: "reservation already exists"}
	}
	if _, ok := d.numbers[r.Number]; ok {
		return &rental.ConcurrencyError{Resource: r.Number, Reason: "number already issued"}
	}
	r.Version = 1
	d.reservations[r.ID] = r.Clone()
	d.numbers[r.Number] = r.ID
	return nil
}

func (d *data) updateReservation(r *rental.Reservation) error {
	cur, ok := d.reservations[r.ID]
	if !ok {
		return &rental.NotFoundError{Kind: "reservation", ID: string(r.ID)}
	}
	if cur.Version != r.Version {
		return &rental.ConcurrencyError{
			Resource: string(r.ID),
			Reason:   fmt.Sprintf("stale version %d, stored %d", r.Version, cur.Version),
		}
	}
	if cur.Number != r.Number {
		if _, taken := d.numbers[r.Number]; taken {
			return &rental.ConcurrencyError{Resource: r.Number, Reason: "number already issued"}
		}
		d.numbers[r.Number] = r.ID
	}
	r.Version++
	d.reservations[r.ID] = r.Clone()
	return nil
}

func (d *data) getReservation(id rental.ReservationID) (*rental.Reservation, error) {
	r, ok := d.reservations[id]
	if !ok {
		return nil, &rental.NotFoundError{Kind: "reservation", ID: string(id)}
	}
	return r.Clone(), nil
}

func (d *data) getReservationByNumber(number string) (*rental.Reservation, error) {
	id, ok := d.numbers[number]
	if !ok {
		return nil, &rental.NotFoundError{Kind: "reservation number", ID: number}
	}
	r := d.reservations[id]
	// An offer keeps its old number after checkout only as SourceOffer.
	if r.Number != number {
		return nil, &rental.NotFoundError{Kind: "reservation number", ID: number}
	}
	return r.Clone(), nil
}

func (d *data) listReservations(f rental.ReservationFilter) []*rental.Reservation {
	var out []*rental.Reservation
	for _, r := range d.reservations {
		if f.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Number < out[j].Number
	})
	return out
}

func (d *data) listBookings(typeID rental.ToolTypeID) []rental.Booking {
	var out []rental.Booking
	for _, r := range d.reservations {
		for _, l := range r.Lines {
			if l.ToolTypeID != typeID {
				continue
			}
			for _, a := range l.Allocations {
				if !a.Live() || a.Deficit {
					continue
				}
				out = append(out, rental.Booking{
					InstanceID:    a.InstanceID,
					ReservationID: r.ID,
					AllocationID:  a.ID,
					State:         a.State,
					Period:        a.Period,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstanceID != out[j].InstanceID {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].Period.Start.Before(out[j].Period.Start)
	})
	return out
}

// -----------------------------------------------------------------------------
// Journal
// -----------------------------------------------------------------------------

func (d *data) nextSequence(name string) int {
	d.sequences[name]++
	return d.sequences[name]
}

func (d *data) listAudit(f rental.AuditFilter) []rental.AuditEntry {
	var out []rental.AuditEntry
	for _, e := range d.audit {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (d *data) listNotifications(f rental.NotificationFilter) []rental.Notification {
	var out []rental.Notification
	for _, n := range d.notifications {
		if f.Matches(n) {
			out = append(out, n)
		}
	}
	return out
}

func (d *data) clone() data {
	c := newData()
	for k, v := range d.toolTypes {
		c.toolTypes[k] = v
	}
	for k, v := range d.instances {
		c.instances[k] = v
	}
	for k, v := range d.reservations {
		c.reservations[k] = v.Clone()
	}
	for k, v := range d.numbers {
		c.numbers[k] = v
	}
	for k, v := range d.sequences {
		c.sequences[k] = v
	}
	c.audit = append([]rental.AuditEntry(nil), d.audit...)
	c.notifications = append([]rental.Notification(nil), d.notifications...)
	return c
}

// -----------------------------------------------------------------------------
// rental.Store
// -----------------------------------------------------------------------------

func (m *Memory) SaveToolType(_ context.Context, t rental.ToolType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveToolType(t)
}

func (m *Memory) GetToolType(_ context.Context, id rental.ToolTypeID) (rental.ToolType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getToolType(id)
}

func (m *Memory) ListToolTypes(_ context.Context) ([]rental.ToolType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listToolTypes(), nil
}

func (m *Memory) SaveInstance(_ context.Context, inst rental.ToolInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveInstance(inst)
}

func (m *Memory) GetInstance(_ context.Context, id rental.InstanceID) (rental.ToolInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getInstance(id)
}

func (m *Memory) FindInstanceBySerial(_ context.Context, serial string) (rental.ToolInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findInstanceBySerial(serial)
}

func (m *Memory) ListInstances(_ context.Context, typeID rental.ToolTypeID) ([]rental.ToolInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listInstances(typeID), nil
}

func (m *Memory) InsertReservation(_ context.Context, r *rental.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertReservation(r)
}

func (m *Memory) UpdateReservation(_ context.Context, r *rental.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateReservation(r)
}

func (m *Memory) GetReservation(_ context.Context, id rental.ReservationID) (*rental.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getReservation(id)
}

func (m *Memory) GetReservationByNumber(_ context.Context, number string) (*rental.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getReservationByNumber(number)
}

func (m *Memory) ListReservations(_ context.Context, f rental.ReservationFilter) ([]*rental.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listReservations(f), nil
}

func (m *Memory) ListBookings(_ context.Context, typeID rental.ToolTypeID) ([]rental.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listBookings(typeID), nil
}

func (m *Memory) NextSequence(_ context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSequence(name), nil
}

func (m *Memory) AppendAudit(_ context.Context, e rental.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, f rental.AuditFilter) ([]rental.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAudit(f), nil
}

func (m *Memory) EnqueueNotification(_ context.Context, n rental.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *Memory) ListNotifications(_ context.Context, f rental.NotificationFilter) ([]rental.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listNotifications(f), nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn while holding the store's write lock.
// For the memory store, rollback restores a snapshot taken before fn runs.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(rental.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.data.clone()
	if err := fn(&txMemoryView{d: &tm.data}); err != nil {
		tm.data = snapshot
		return err
	}
	return nil
}

// Reset clears all data (for demo scenarios).
func (tm *TxMemory) Reset(_ context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.data = newData()
	return nil
}

// txMemoryView writes straight into the locked data.
type txMemoryView struct {
	d *data
}

func (v *txMemoryView) SaveToolType(_ context.Context, t rental.ToolType) error {
	return v.d.saveToolType(t)
}

func (v *txMemoryView) GetToolType(_ context.Context, id rental.ToolTypeID) (rental.ToolType, error) {
	return v.d.getToolType(id)
}

func (v *txMemoryView) ListToolTypes(_ context.Context) ([]rental.ToolType, error) {
	return v.d.listToolTypes(), nil
}

func (v *txMemoryView) SaveInstance(_ context.Context, inst rental.ToolInstance) error {
	return v.d.saveInstance(inst)
}

func (v *txMemoryView) GetInstance(_ context.Context, id rental.InstanceID) (rental.ToolInstance, error) {
	return v.d.getInstance(id)
}

func (v *txMemoryView) FindInstanceBySerial(_ context.Context, serial string) (rental.ToolInstance, error) {
	return v.d.findInstanceBySerial(serial)
}

func (v *txMemoryView) ListInstances(_ context.Context, typeID rental.ToolTypeID) ([]rental.ToolInstance, error) {
	return v.d.listInstances(typeID), nil
}

func (v *txMemoryView) InsertReservation(_ context.Context, r *rental.Reservation) error {
	return v.d.insertReservation(r)
}

func (v *txMemoryView) UpdateReservation(_ context.Context, r *rental.Reservation) error {
	return v.d.updateReservation(r)
}

func (v *txMemoryView) GetReservation(_ context.Context, id rental.ReservationID) (*rental.Reservation, error) {
	return v.d.getReservation(id)
}

func (v *txMemoryView) GetReservationByNumber(_ context.Context, number string) (*rental.Reservation, error) {
	return v.d.getReservationByNumber(number)
}

func (v *txMemoryView) ListReservations(_ context.Context, f rental.ReservationFilter) ([]*rental.Reservation, error) {
	return v.d.listReservations(f), nil
}

func (v *txMemoryView) ListBookings(_ context.Context, typeID rental.ToolTypeID) ([]rental.Booking, error) {
	return v.d.listBookings(typeID), nil
}

func (v *txMemoryView) NextSequence(_ context.Context, name string) (int, error) {
	return v.d.nextSequence(name), nil
}

func (v *txMemoryView) AppendAudit(_ context.Context, e rental.AuditEntry) error {
	v.d.audit = append(v.d.audit, e)
	return nil
}

func (v *txMemoryView) ListAudit(_ context.Context, f rental.AuditFilter) ([]rental.AuditEntry, error) {
	return v.d.listAudit(f), nil
}

func (v *txMemoryView) EnqueueNotification(_ context.Context, n rental.Notification) error {
	v.d.notifications = append(v.d.notifications, n)
	return nil
}

func (v *txMemoryView) ListNotifications(_ context.Context, f rental.NotificationFilter) ([]rental.Notification, error) {
	return v.d.listNotifications(f), nil
}

var (
	_ rental.TxStore = (*TxMemory)(nil)
	_ rental.Store   = (*txMemoryView)(nil)
)
