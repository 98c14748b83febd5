package disk

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"relcore/common"
)

// Manager is the disk backend contract spec.md §6 names: fixed-size page
// read/write by page id. Page ids come from AllocatePage on this backend,
// which the buffer pool calls when it creates a page; the buffer pool
// keeps no page-id counter of its own. It is a trimmed generalization of the
// teacher repo's disk.Manager with the WAL/freelist machinery the
// buffer pool no longer needs (durable recovery is out of scope; C4
// owns its own free-frame list, so DeallocatePage is a placeholder a
// caller may extend with a real free list later).
type Manager interface {
	ReadPage(id int64, dest []byte) error
	WritePage(id int64, src []byte) error
	AllocatePage() int64
	DeallocatePage(id int64)
	Close() error
}

var ErrShortRead = errors.New("disk: short read, file truncated or page id out of range")

type FileManager struct {
	file       *os.File
	mu         sync.Mutex
	nextPageID atomic.Int64
	log        interface {
		Warnf(format string, args ...interface{})
	}
}

// NewFileManager opens (creating if absent) a fixed-page-size backing
// file. HeaderPageID (0) is reserved for the index's root-pointer table
// and is never handed out by AllocatePage.
func NewFileManager(path string) (*FileManager, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "disk: open %s", path)
	}

	stat, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "disk: stat")
	}

	fm := &FileManager{file: f, log: common.NewLogger("disk_manager")}
	lastPageID := stat.Size()/int64(common.PageSize) - 1
	if lastPageID < common.HeaderPageID {
		lastPageID = common.HeaderPageID
		if err := fm.WritePage(common.HeaderPageID, make([]byte, common.PageSize)); err != nil {
			return nil, err
		}
	}
	fm.nextPageID.Store(lastPageID + 1)
	return fm, nil
}

func (d *FileManager) ReadPage(id int64, dest []byte) error {
	if len(dest) != common.PageSize {
		return errors.New("disk: dest buffer is not page-sized")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.file.Seek(int64(common.PageSize)*id, io.SeekStart); err != nil {
		return errors.Wrap(err, "disk: seek")
	}

	n, err := io.ReadFull(d.file, dest)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// page was allocated but never written; callers see a zeroed page.
		for i := n; i < len(dest); i++ {
			dest[i] = 0
		}
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "disk: read")
	}
	return nil
}

func (d *FileManager) WritePage(id int64, src []byte) error {
	if len(src) != common.PageSize {
		return errors.New("disk: src buffer is not page-sized")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.file.Seek(int64(common.PageSize)*id, io.SeekStart); err != nil {
		return errors.Wrap(err, "disk: seek")
	}

	n, err := d.file.Write(src)
	if err != nil {
		return errors.Wrap(err, "disk: write")
	}
	if n != common.PageSize {
		d.log.Warnf("short write for page %d: wrote %d of %d bytes", id, n, common.PageSize)
		return errors.New("disk: short write")
	}
	return nil
}

// AllocatePage returns the next monotonically increasing page id. It
// never returns HeaderPageID or InvalidPageID.
func (d *FileManager) AllocatePage() int64 {
	return d.nextPageID.Add(1) - 1
}

// DeallocatePage is a no-op placeholder for a free list the buffer pool
// layer may add; spec.md §6 specifies this contract explicitly.
func (d *FileManager) DeallocatePage(id int64) {}

func (d *FileManager) Close() error {
	return d.file.Close()
}
