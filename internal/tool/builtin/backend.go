// Package builtin provides the stock tool set of the orchestrator: the
// extraction tool that writes conversational facts into session memory, the
// customer/task/calendar tools backed by the back-office API, and the
// call-control hangup tool.
//
// The back-office tools share one [Backend]; production wires the HTTP
// implementation, development and tests the in-memory one.
package builtin

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Customer is a back-office customer record.
type Customer struct {
	ID      string
	Name    string
	Phone   string
	Email   string
	Address string
}

// Task is a back-office work order.
type Task struct {
	ID          string
	CustomerID  string
	Title       string
	Description string
	Status      string
}

// Slot is a bookable calendar window.
type Slot struct {
	ID    string
	Start time.Time
	End   time.Time
}

// Booking is a confirmed slot reservation.
type Booking struct {
	ID     string
	SlotID string
	TaskID string
}

// ErrBackendNotFound is returned by backends when a looked-up record does
// not exist. Mapped to the not_found tool error kind.
type ErrBackendNotFound struct {
	Kind string
	Key  string
}

func (e *ErrBackendNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// Backend is the back-office API surface the built-in tools call into.
// Implementations must be safe for concurrent use.
type Backend interface {
	// CustomerLookup finds a customer by phone or name. Phone wins when both
	// are given. Returns *ErrBackendNotFound on a miss.
	CustomerLookup(ctx context.Context, phone, name string) (*Customer, error)

	// CustomerCreate stores a new customer and returns it with its assigned id.
	CustomerCreate(ctx context.Context, c Customer) (*Customer, error)

	// TaskCreate stores a new task and returns it with its assigned id.
	TaskCreate(ctx context.Context, t Task) (*Task, error)

	// TaskUpdate applies the non-empty fields of t to the task with t.ID.
	TaskUpdate(ctx context.Context, t Task) (*Task, error)

	// SearchSlots returns bookable slots within [from, to].
	SearchSlots(ctx context.Context, from, to time.Time) ([]Slot, error)

	// BookSlot reserves a slot for a task.
	BookSlot(ctx context.Context, slotID, taskID string) (*Booking, error)
}

// InMemoryBackend is a process-local [Backend] for development and tests.
// Slots are generated on demand: hourly windows over the requested range,
// minus those already booked.
type InMemoryBackend struct {
	mu        sync.Mutex
	customers map[string]*Customer
	tasks     map[string]*Task
	bookings  map[string]*Booking
	seq       int
}

// NewInMemoryBackend constructs an empty InMemoryBackend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		customers: make(map[string]*Customer),
		tasks:     make(map[string]*Task),
		bookings:  make(map[string]*Booking),
	}
}

func (b *InMemoryBackend) nextID(prefix string) string {
	b.seq++
	return fmt.Sprintf("%s-%d", prefix, b.seq)
}

func (b *InMemoryBackend) CustomerLookup(_ context.Context, phone, name string) (*Customer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.customers {
		if phone != "" && c.Phone == phone {
			cp := *c
			return &cp, nil
		}
		if phone == "" && name != "" && c.Name == name {
			cp := *c
			return &cp, nil
		}
	}
	key := phone
	if key == "" {
		key = name
	}
	return nil, &ErrBackendNotFound{Kind: "customer", Key: key}
}

func (b *InMemoryBackend) CustomerCreate(_ context.Context, c Customer) (*Customer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c.ID = b.nextID("C")
	stored := c
	b.customers[c.ID] = &stored
	return &c, nil
}

func (b *InMemoryBackend) TaskCreate(_ context.Context, t Task) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t.ID = b.nextID("T")
	if t.Status == "" {
		t.Status = "open"
	}
	stored := t
	b.tasks[t.ID] = &stored
	return &t, nil
}

func (b *InMemoryBackend) TaskUpdate(_ context.Context, t Task) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.tasks[t.ID]
	if !ok {
		return nil, &ErrBackendNotFound{Kind: "task", Key: t.ID}
	}
	if t.Title != "" {
		cur.Title = t.Title
	}
	if t.Description != "" {
		cur.Description = t.Description
	}
	if t.Status != "" {
		cur.Status = t.Status
	}
	cp := *cur
	return &cp, nil
}

func (b *InMemoryBackend) SearchSlots(_ context.Context, from, to time.Time) ([]Slot, error) {
	b.mu.Lock()
	booked := make(map[string]bool, len(b.bookings))
	for _, bk := range b.bookings {
		booked[bk.SlotID] = true
	}
	b.mu.Unlock()

	var slots []Slot
	for t := from.Truncate(time.Hour); t.Before(to); t = t.Add(time.Hour) {
		if t.Before(from) {
			continue
		}
		// Business hours only.
		if h := t.Hour(); h < 8 || h >= 17 {
			continue
		}
		id := "S-" + t.UTC().Format("20060102-15")
		if booked[id] {
			continue
		}
		slots = append(slots, Slot{ID: id, Start: t, End: t.Add(time.Hour)})
	}
	return slots, nil
}

func (b *InMemoryBackend) BookSlot(_ context.Context, slotID, taskID string) (*Booking, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bk := range b.bookings {
		if bk.SlotID == slotID {
			return nil, fmt.Errorf("slot %q already booked", slotID)
		}
	}
	bk := Booking{ID: b.nextID("B"), SlotID: slotID, TaskID: taskID}
	stored := bk
	b.bookings[bk.ID] = &stored
	return &bk, nil
}

var _ Backend = (*InMemoryBackend)(nil)
