// Package files holds the shared-file catalog and the on-disk store behind it.
//
// The Catalog is the single source of truth for which names are downloadable;
// the Store only keeps bytes. A name enters the catalog after its bytes have
// been fully received and moved into place.
package files

import (
	"sync"
	"time"
)

// TimestampLayout is the format used when listing upload times.
const TimestampLayout = "2006-01-02 15:04:05"

// Record describes one fully received shared file.
type Record struct {
	Name       string
	Uploader   string
	UploadedAt time.Time
	Size       int64
}

// Catalog is the thread-safe map of shared filenames to upload metadata,
// listed in first-upload order.
type Catalog struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{records: make(map[string]Record)}
}

// Put stores rec, replacing any previous record with the same name. A replaced
// record keeps its listing position.
func (c *Catalog) Put(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(rec)
}

// Publish runs commit and, if it succeeds, stores rec, all under the catalog
// lock. Readers never see a record whose bytes are not yet in place. commit
// should only move bytes already on disk; syncing belongs before Publish.
func (c *Catalog) Publish(rec Record, commit func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if commit != nil {
		if err := commit(); err != nil {
			return err
		}
	}
	c.putLocked(rec)
	return nil
}

func (c *Catalog) putLocked(rec Record) {
	if _, exists := c.records[rec.Name]; !exists {
		c.order = append(c.order, rec.Name)
	}
	c.records[rec.Name] = rec
}

// Get returns the record for name.
func (c *Catalog) Get(name string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[name]
	return rec, ok
}

// List returns a copy of every record in listing order.
func (c *Catalog) List() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Record, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.records[name])
	}
	return out
}

// Len returns the number of records.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
