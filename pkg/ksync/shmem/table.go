// Package shmem implements the read-only mapping of a kernel-exposed
// table (flow table, bridge table) and the audit sweep that detects
// entries the datapath considers allocated-but-unconfirmed for longer
// than the agent is willing to wait.
package shmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Table is a read-only mmap of a fixed-entry-size kernel table. The
// agent never writes through the mapping (§6).
type Table struct {
	data      []byte
	entrySize int
	count     int
}

// Open mmaps size bytes of path read-only and divides it into
// entries of entrySize bytes, mirroring the
// major_dev/size/file_path contract the datapath hands back (§6):
// the caller resolves those three values out-of-band (a datapath
// query this package does not itself perform, since the query's wire
// encoding is out of scope) and passes the resulting file here.
func Open(path string, size int, entrySize int) (*Table, error) {
	if entrySize <= 0 || size <= 0 || size%entrySize != 0 {
		return nil, fmt.Errorf("shmem: size %d not a multiple of entry size %d", size, entrySize)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("shmem: open %s: %w", path, err)
	}
	defer f.Close()

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmem: mmap %s: %w", path, err)
	}
	return &Table{data: data, entrySize: entrySize, count: size / entrySize}, nil
}

// Close unmaps the table.
func (t *Table) Close() error {
	return unix.Munmap(t.data)
}

// Count returns the number of fixed-size entries the mapping holds.
func (t *Table) Count() int { return t.count }

// EntryAt returns a read-only view of entry i's raw bytes. The
// layout within those bytes (flags, 5-tuple key, generation id,
// action, counters) is owned by the caller — this package only owns
// the mapping and the sweep, not the per-table struct definition,
// since that definition differs between the flow table and the
// bridge table.
func (t *Table) EntryAt(i int) []byte {
	if i < 0 || i >= t.count {
		panic(fmt.Sprintf("shmem: entry index %d out of range [0,%d)", i, t.count))
	}
	return t.data[i*t.entrySize : (i+1)*t.entrySize]
}
