package catalog

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/table"
)

// ManifestName is the file the catalog is persisted to, next to the
// partition files
const ManifestName = "manifest.json"

const manifestFormat = 2

// ErrStaleManifest is returned when a manifest cannot describe the
// current partitions
var ErrStaleManifest = errors.New("stale manifest")

// Manifest is the persisted form of the catalog. It is a cache: the
// partition files remain the source of truth.
type Manifest struct {
	FormatVersion int     `json:"format-version"`
	Schema        string  `json:"schema"`
	Version       uint64  `json:"version"`
	LastUpdatedMs int64   `json:"last-updated-ms"`
	Entries       []Entry `json:"entries"`
	// Orphans are replaced partitions whose files could not be deleted.
	// They are never loaded into the catalog.
	Orphans []table.PartitionID `json:"orphans,omitempty"`
}

// WriteManifest replaces the manifest at path with the catalog contents
func WriteManifest(fs afero.Fs, path string, schema *table.Schema, c *Catalog, orphans []table.PartitionID) error {
	m := Manifest{
		FormatVersion: manifestFormat,
		Schema:        schema.String(),
		Version:       c.Version(),
		LastUpdatedMs: time.Now().UnixMilli(),
		Entries:       encodeEntries(c.Entries()),
		Orphans:       orphans,
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(path), "."+uuid.NewString()+".manifest")
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		fs.Remove(tmp)
		return core.NewIOError("manifest", 0, err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		fs.Remove(tmp)
		return core.NewIOError("manifest", 0, err)
	}
	return nil
}

// ReadManifest loads the entries persisted at path. The statistics are
// converted back to the column types of schema.
func ReadManifest(fs afero.Fs, path string, schema *table.Schema) (*Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaleManifest, err)
	}
	if m.FormatVersion != manifestFormat {
		return nil, fmt.Errorf("%w: format version %d", ErrStaleManifest, m.FormatVersion)
	}
	if m.Schema != schema.String() {
		return nil, fmt.Errorf("%w: schema %s", ErrStaleManifest, m.Schema)
	}
	for i := range m.Entries {
		if err := restoreStats(schema, &m.Entries[i].Stats); err != nil {
			return nil, fmt.Errorf("%w: partition %d: %v", ErrStaleManifest, m.Entries[i].ID, err)
		}
	}
	return &m, nil
}

// encodeEntries copies entries with string bounds as []byte, which
// encoding/json writes as base64. Plain strings would lose invalid UTF-8.
func encodeEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		cols := make([]table.ColumnStats, len(e.Stats.Columns))
		for j, cs := range e.Stats.Columns {
			if s, ok := cs.Min.(string); ok {
				cs.Min = []byte(s)
			}
			if s, ok := cs.Max.(string); ok {
				cs.Max = []byte(s)
			}
			cols[j] = cs
		}
		e.Stats.Columns = cols
		out[i] = e
	}
	return out
}

func decodeBound(t table.Type, v any) (any, bool) {
	s, isString := v.(string)
	switch {
	case t == table.String && isString:
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, false
		}
		return string(b), true
	case t == table.Float64 && isString:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		return f, true
	case t == table.String:
		return nil, false
	}
	return t.Coerce(v)
}

func restoreStats(schema *table.Schema, st *table.Stats) error {
	if len(st.Columns) != schema.Len() {
		return fmt.Errorf("%d column statistics for %d columns", len(st.Columns), schema.Len())
	}
	for i := range st.Columns {
		cs := &st.Columns[i]
		col := schema.Column(i)
		if cs.Name != col.Name {
			return fmt.Errorf("statistics for %q in place of %q", cs.Name, col.Name)
		}
		if cs.Count == 0 {
			cs.Min, cs.Max = nil, nil
			continue
		}
		var ok bool
		if cs.Min, ok = decodeBound(col.Type, cs.Min); !ok {
			return fmt.Errorf("column %q: bad min", col.Name)
		}
		if cs.Max, ok = decodeBound(col.Type, cs.Max); !ok {
			return fmt.Errorf("column %q: bad max", col.Name)
		}
	}
	return nil
}

// Matches reports whether the manifest lists exactly the partitions ids,
// not counting orphans. Partition files are immutable and ids are never
// reused, so equal id sets imply equal contents.
func (m *Manifest) Matches(ids []table.PartitionID) bool {
	orphan := make(map[table.PartitionID]bool, len(m.Orphans))
	for _, id := range m.Orphans {
		orphan[id] = true
	}
	seen := make(map[table.PartitionID]bool, len(ids))
	for _, id := range ids {
		if !orphan[id] {
			seen[id] = true
		}
	}
	if len(seen) != len(m.Entries) {
		return false
	}
	for _, e := range m.Entries {
		if !seen[e.ID] {
			return false
		}
	}
	return true
}
