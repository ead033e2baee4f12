// Package blockdev provides the two primitives spec.md assumes from the
// block device: page_to_disk and disk_to_page, each moving one 4 KiB page
// to/from a given sector. Grounded on ufs/driver.go's ahci_disk_t, which
// backs a simulated disk with an *os.File and serializes access with a
// mutex instead of real AHCI command queues.
package blockdev

import (
	"os"
	"sync"

	"ramfault/defs"

	"github.com/pkg/errors"
)

/// SectorSize is the unit the device addresses; a page spans 8 sectors.
const SectorSize = 512

/// Device is the block device interface the fault handler drives. Disk
/// I/O never happens while a frame allocator or swap store lock is held.
type Device interface {
	PageToDisk(buf []byte, sector int) error
	DiskToPage(buf []byte, sector int) error
}

/// FileDevice is a disk image backed by a regular file, the same approach
/// ufs/driver.go uses for ahci_disk_t in tests.
type FileDevice struct {
	mu sync.Mutex
	f  *os.File
}

/// NewFileDevice opens (creating if necessary) a file-backed disk image and
/// sets its size to exactly minBytes, truncating a larger existing image.
func NewFileDevice(path string, minBytes int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "blockdev: opening %s", path)
	}
	if err := f.Truncate(minBytes); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "blockdev: sizing %s", path)
	}
	return &FileDevice{f: f}, nil
}

/// PageToDisk writes one 4 KiB page starting at the given sector.
func (d *FileDevice) PageToDisk(buf []byte, sector int) error {
	if len(buf) != defs.PageSize {
		return errors.Errorf("blockdev: page_to_disk: buf is %d bytes, want %d", len(buf), defs.PageSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.WriteAt(buf, int64(sector)*SectorSize); err != nil {
		return errors.Wrap(err, "blockdev: page_to_disk")
	}
	return nil
}

/// DiskToPage reads one 4 KiB page starting at the given sector into buf.
func (d *FileDevice) DiskToPage(buf []byte, sector int) error {
	if len(buf) != defs.PageSize {
		return errors.Errorf("blockdev: disk_to_page: buf is %d bytes, want %d", len(buf), defs.PageSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.ReadAt(buf, int64(sector)*SectorSize); err != nil {
		return errors.Wrap(err, "blockdev: disk_to_page")
	}
	return nil
}

/// Close releases the backing file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

/// MemDevice is an in-RAM disk used by tests that should not touch the
/// filesystem; it satisfies the same Device interface.
type MemDevice struct {
	mu      sync.Mutex
	sectors map[int][]byte
}

/// NewMemDevice returns an empty in-RAM disk.
func NewMemDevice() *MemDevice {
	return &MemDevice{sectors: make(map[int][]byte)}
}

func (d *MemDevice) PageToDisk(buf []byte, sector int) error {
	if len(buf) != defs.PageSize {
		return errors.Errorf("blockdev: page_to_disk: buf is %d bytes, want %d", len(buf), defs.PageSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, defs.PageSize)
	copy(cp, buf)
	d.sectors[sector] = cp
	return nil
}

func (d *MemDevice) DiskToPage(buf []byte, sector int) error {
	if len(buf) != defs.PageSize {
		return errors.Errorf("blockdev: disk_to_page: buf is %d bytes, want %d", len(buf), defs.PageSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cp, ok := d.sectors[sector]
	if !ok {
		cp = make([]byte, defs.PageSize)
	}
	copy(buf, cp)
	return nil
}
