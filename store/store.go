package store

import (
	"fmt"
	"sync"

	"github.com/Xiao-Taner/Computing-Power-Self-Allocation-System/node"
)

// Entry is the cached state of one node together with the node it belongs to.
type Entry struct {
	Node  node.WorkerNode
	State node.DeviceState
}

// DeviceStore caches the latest DeviceState per connection id.
type DeviceStore struct {
	mu sync.RWMutex
	Db map[string]*Entry
}

func NewDeviceStore() *DeviceStore {
	return &DeviceStore{
		Db: make(map[string]*Entry),
	}
}

func (d *DeviceStore) Put(key string, value *Entry) error {
	if value == nil {
		return fmt.Errorf("entry for %s is nil", key)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Db[key] = value
	return nil
}

func (d *DeviceStore) Get(key string) (*Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.Db[key]
	if !ok {
		return nil, fmt.Errorf("device state with key %s does not exist", key)
	}
	cp := *v
	return &cp, nil
}

// Delete removes the entry for key and reports whether one existed.
func (d *DeviceStore) Delete(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.Db[key]
	delete(d.Db, key)
	return ok
}

func (d *DeviceStore) List() map[string]Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Entry, len(d.Db))
	for k, v := range d.Db {
		out[k] = *v
	}
	return out
}

func (d *DeviceStore) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.Db)
}
