package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
)

// EventKind distinguishes registry events.
type EventKind int

const (
	// EventAdded fires when a device is registered or re-registered.
	EventAdded EventKind = iota
	// EventRemoved fires when a device is unregistered.
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event describes a registry change. Device is a snapshot; mutating it does
// not affect the registry.
type Event struct {
	Kind   EventKind
	Device *Device
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Store persists the device set. Defaults to an in-memory store.
	Store Store

	// LoggerFactory creates the registry's logger. Defaults to the pion
	// default factory.
	LoggerFactory logging.LoggerFactory
}

// Registry is the in-memory view of the paired device set, backed by a
// Store. Mutations update memory first and then persist; a persistence
// failure is logged and returned but leaves the in-memory change in place
// so the caller can retry the save without losing the pairing.
//
// All methods are safe for concurrent use.
type Registry struct {
	store Store
	log   logging.LeveledLogger

	mu      sync.RWMutex
	devices map[string]*Device
	subs    map[int]func(Event)
	nextSub int
}

// NewRegistry creates a registry and loads the persisted device set.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	store := config.Store
	if store == nil {
		store = NewMemoryStore()
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	r := &Registry{
		store:   store,
		log:     loggerFactory.NewLogger("device"),
		devices: make(map[string]*Device),
		subs:    make(map[int]func(Event)),
	}

	loaded, err := store.Load()
	if err != nil {
		return nil, err
	}
	for _, d := range loaded {
		if err := d.Validate(); err != nil {
			r.log.Warnf("skipping stored device: %v", err)
			continue
		}
		r.devices[d.ID] = d.Clone()
	}
	return r, nil
}

// Add registers a device, replacing any existing record with the same ID
// (a re-pair supersedes the old secret). Emits EventAdded to subscribers.
func (r *Registry) Add(d *Device) error {
	if err := d.Validate(); err != nil {
		return err
	}
	record := d.Clone()
	if record.PairedAt.IsZero() {
		record.PairedAt = time.Now()
	}

	r.mu.Lock()
	r.devices[record.ID] = record
	saveErr := r.persistLocked()
	subs := r.subscribersLocked()
	r.mu.Unlock()

	r.notify(subs, Event{Kind: EventAdded, Device: record.Clone()})
	if saveErr != nil {
		r.log.Errorf("persist after add of %q: %v", record.ID, saveErr)
		return saveErr
	}
	r.log.Infof("registered device %q (%s)", record.ID, record.Name)
	return nil
}

// Remove unregisters a device. Returns true iff a record was removed, and
// emits EventRemoved for it.
func (r *Registry) Remove(id string) (bool, error) {
	r.mu.Lock()
	record, exists := r.devices[id]
	if !exists {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.devices, id)
	saveErr := r.persistLocked()
	subs := r.subscribersLocked()
	r.mu.Unlock()

	r.notify(subs, Event{Kind: EventRemoved, Device: record})
	if saveErr != nil {
		r.log.Errorf("persist after remove of %q: %v", id, saveErr)
		return true, saveErr
	}
	r.log.Infof("removed device %q", id)
	return true, nil
}

// Get returns a snapshot of a device record.
func (r *Registry) Get(id string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, exists := r.devices[id]
	if !exists {
		return nil, false
	}
	return d.Clone(), true
}

// All returns snapshots of every registered device.
func (r *Registry) All() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		result = append(result, d.Clone())
	}
	return result
}

// IsPaired reports whether a device is registered.
func (r *Registry) IsPaired(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.devices[id]
	return exists
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Touch updates a device's last-seen time to now and persists it.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	d, exists := r.devices[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	d.LastSeen = time.Now()
	saveErr := r.persistLocked()
	r.mu.Unlock()

	if saveErr != nil {
		r.log.Errorf("persist after touch of %q: %v", id, saveErr)
		return saveErr
	}
	return nil
}

// Subscribe registers a callback for registry events. The returned cancel
// function removes the subscription. Callbacks run synchronously on the
// mutating goroutine, after the registry's own state has settled; they must
// not block for long.
func (r *Registry) Subscribe(fn func(Event)) (cancel func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// persistLocked saves the current device set. Callers must hold the mutex.
func (r *Registry) persistLocked() error {
	list := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		list = append(list, d)
	}
	return r.store.Save(list)
}

// subscribersLocked snapshots the subscriber list. Callers must hold the
// mutex; the snapshot is invoked after release so callbacks can re-enter
// the registry.
func (r *Registry) subscribersLocked() []func(Event) {
	subs := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	return subs
}

func (r *Registry) notify(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}
