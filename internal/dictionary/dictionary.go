// Package dictionary resolves numeric TS/PSI identifiers (table_id,
// stream_type, service_type, descriptor_tag) to their human-readable names,
// backed by a bundled read-only SQLite database — the Go equivalent of the
// reference implementation's CSV dictionary loader.
package dictionary

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Dictionary resolves numeric codes to names across the four lookup tables
// the presenter needs.
type Dictionary struct {
	db *sql.DB
}

// Open opens the dictionary database at path (created and populated ahead
// of time by a build step; a missing file degrades to empty lookups rather
// than failing the whole monitor).
func Open(path string) (*Dictionary, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dictionary: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dictionary: ping %s: %w", path, err)
	}
	return &Dictionary{db: db}, nil
}

// Close releases the underlying database handle.
func (d *Dictionary) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *Dictionary) lookup(table string, code int) string {
	if d == nil || d.db == nil {
		return ""
	}
	var name string
	query := fmt.Sprintf("SELECT name FROM %s WHERE code = ?", table)
	if err := d.db.QueryRow(query, code).Scan(&name); err != nil {
		return ""
	}
	return name
}

// TableName resolves a PSI table_id (0x00 PAT, 0x02 PMT, 0x42 SDT, ...).
func (d *Dictionary) TableName(tableID byte) string {
	return d.lookup("table_id", int(tableID))
}

// StreamTypeName resolves a PMT elementary stream_type.
func (d *Dictionary) StreamTypeName(streamType byte) string {
	return d.lookup("stream_type", int(streamType))
}

// ServiceTypeName resolves an SDT service_type.
func (d *Dictionary) ServiceTypeName(serviceType byte) string {
	return d.lookup("service_type", int(serviceType))
}

// DescriptorTagName resolves a descriptor tag.
func (d *Dictionary) DescriptorTagName(tag byte) string {
	return d.lookup("descriptor_tag", int(tag))
}

// runningStatusNames mirrors the fixed SDT running_status enumeration from
// ETSI EN 300 468, which is small and stable enough to keep inline rather
// than round-tripping through the database for every lookup.
var runningStatusNames = [8]string{
	"undefined",
	"not running",
	"starts in a few seconds",
	"pausing",
	"running",
	"service off-air",
	"reserved for future use",
	"reserved for future use",
}

// RunningStatusName resolves an SDT running_status code (0-7).
func RunningStatusName(code byte) string {
	if int(code) >= len(runningStatusNames) {
		return "reserved for future use"
	}
	return runningStatusNames[code]
}
