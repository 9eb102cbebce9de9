// SPDX-License-Identifier: MPL-2.0

package buildstate

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

type (
	// Record is the cached metadata of an environment's last successful build.
	Record struct {
		Environment  string    `json:"environment"`
		ManifestHash string    `json:"manifest_hash"`
		BuiltAt      time.Time `json:"built_at"`
		ImageRef     string    `json:"image_ref"`
	}

	// Table is a concurrency-safe map of environment name to Record.
	Table struct {
		mu      sync.RWMutex
		records map[string]Record
	}
)

// Fresh reports whether the record was built from hash.
func (r Record) Fresh(hash string) bool {
	return r.ManifestHash != "" && r.ManifestHash == hash
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{records: make(map[string]Record)}
}

// Get returns the record of env.
func (t *Table) Get(env string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[env]
	return r, ok
}

// Put stores r, replacing any previous record of the same environment.
func (t *Table) Put(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[r.Environment] = r
}

// Delete removes the record of env.
func (t *Table) Delete(env string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, env)
}

// Seed merges records into the table. For each environment the record with
// the latest BuiltAt wins, including against what the table already holds.
func (t *Table) Seed(records ...Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range records {
		if r.Environment == "" {
			continue
		}
		if cur, ok := t.records[r.Environment]; ok && !r.BuiltAt.After(cur.BuiltAt) {
			continue
		}
		t.records[r.Environment] = r
	}
}

// Snapshot returns a copy of every record sorted by environment name.
func (t *Table) Snapshot() []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		return cmp.Compare(a.Environment, b.Environment)
	})
	return out
}

// Len returns the number of records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
