package storage

import "sync"

// Overlay buffers writes on top of an underlying database so a sequence of
// mutations can be committed atomically or discarded as a unit. Reads observe
// buffered writes before falling through to the backing store.
type Overlay struct {
	mu     sync.RWMutex
	db     Database
	writes map[string][]byte
}

// NewOverlay wraps the provided database with an uncommitted write buffer.
func NewOverlay(db Database) *Overlay {
	return &Overlay{
		db:     db,
		writes: make(map[string][]byte),
	}
}

// Put records the write in the buffer without touching the backing store.
func (o *Overlay) Put(key []byte, value []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes[string(key)] = append([]byte(nil), value...)
	return nil
}

// Get returns the buffered value when present, otherwise the backing value.
func (o *Overlay) Get(key []byte) ([]byte, error) {
	o.mu.RLock()
	if value, ok := o.writes[string(key)]; ok {
		o.mu.RUnlock()
		return append([]byte(nil), value...), nil
	}
	o.mu.RUnlock()
	return o.db.Get(key)
}

// Commit flushes every buffered write to the backing store. The buffer is
// cleared afterwards so the overlay can be reused for a fresh unit of work.
func (o *Overlay) Commit() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, value := range o.writes {
		if err := o.db.Put([]byte(key), value); err != nil {
			return err
		}
	}
	o.writes = make(map[string][]byte)
	return nil
}

// Discard drops every buffered write without committing.
func (o *Overlay) Discard() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes = make(map[string][]byte)
}

// Close satisfies the Database interface. The backing store stays open; the
// overlay only owns its buffer.
func (o *Overlay) Close() {
	o.Discard()
}
