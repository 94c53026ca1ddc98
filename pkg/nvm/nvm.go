// Package nvm implements the persistent page allocator backing the tree.
//
// A single file is mapped at a fixed virtual address and partitioned into
// a head region (magic, thread counter, allocation bitmap), a per-thread
// scratch area, and a region of fixed-size data blocks. Node pointers
// stored inside the tree are absolute addresses within this mapping, so
// the mapping must land at the same base address on every run — the
// design this package implements does not swizzle pointers on reopen.
//
package nvm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/flier/nvart/internal/debug"
)

// Magic identifies an initialized head page. A freshly truncated file is
// all zeros and will not match.
const Magic = uint64(0x4e56415254524545) // "NVARTREE" in ASCII, byte-reversed by LittleEndian encode

// Default layout constants.
const (
	DefaultPageSize   = 4096
	DefaultMaxThreads = 256
	// headerFixedSize reserves room for magic, threads counter, free-scan
	// cursor, root pointer, and padding, ahead of the per-page allocation
	// bitmap. Layout: magic[0:8] threads[8:16] freeBitOffset[16:20]
	// pad[20:24] root[24:32] reserved[32:40] — root sits on an 8-byte
	// boundary since it's accessed with sync/atomic.
	headerFixedSize = 40
)

// Config describes how to open or create the backing file.
type Config struct {
	// Path to the backing file. Created and truncated to FileSize if it
	// does not already exist.
	Path string

	// BaseAddr is the fixed virtual address the file must be mapped at.
	// A zero value lets the OS choose on first use, but every subsequent
	// Open of the same file must pass the address it was first mapped at
	// (Manager.BaseAddr reports it) or the embedded pointers are garbage.
	BaseAddr uintptr

	// FileSize is the total size of the backing file. Must be large
	// enough for at least one data block; Alloc grows the file on demand
	// past that (see Manager.Alloc).
	FileSize int64

	// MaxThreads bounds the number of per-thread scratch regions.
	MaxThreads int

	// PageSize is the allocation unit. All offsets are multiples of it.
	PageSize int
}

func (c *Config) setDefaults() {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxThreads == 0 {
		c.MaxThreads = DefaultMaxThreads
	}
	if c.FileSize == 0 {
		c.FileSize = int64(c.PageSize) * int64(c.MaxThreads+64)
	}
}

// Addr is an absolute virtual address inside the mapped region.
type Addr uintptr

// Manager owns the mapped file and its allocation metadata.
//
// Allocation (the bitmap and in-memory free list) is guarded by a single
// mutex, kept deliberately off any lookup or traversal fast path: the
// only operation that ever blocks is block allocation itself.
type Manager struct {
	cfg Config

	file *os.File
	data []byte
	base uintptr

	headPages  int
	dataPages  int
	dataOffset int64 // byte offset of the first data page

	allocMu      sync.Mutex
	freeList     []uint32
	scanCursor   uint32 // not read: refillFreeList keeps its cursor in the head page (freeBitOffset)
	threadBumped int32  // not read: AllocThreadInfo's CAS loop runs on the head page's threads counter
}

// Open maps the backing file, creating and initializing it if necessary.
// fresh reports whether this call performed first-time initialization.
func Open(cfg Config) (m *Manager, fresh bool, err error) {
	cfg.setDefaults()

	existed := true
	if _, statErr := os.Stat(cfg.Path); os.IsNotExist(statErr) {
		existed = false
	}

	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("nvm: open %s: %w", cfg.Path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, err
	}

	size := stat.Size()
	if size < cfg.FileSize {
		if err := f.Truncate(cfg.FileSize); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("nvm: truncate: %w", err)
		}
		size = cfg.FileSize
	} else {
		cfg.FileSize = size
	}

	data, base, err := mmapFixed(f, cfg.BaseAddr, size)
	if err != nil {
		f.Close()
		return nil, false, err
	}
	if cfg.BaseAddr != 0 && base != cfg.BaseAddr {
		_ = munmap(data)
		f.Close()
		return nil, false, fmt.Errorf("nvm: mapped at %#x, want %#x (stored pointers are absolute, cannot continue)", base, cfg.BaseAddr)
	}
	debug.Log(nil, "open", "mapped %s at %#x (%d bytes)", cfg.Path, base, size)

	m = &Manager{cfg: cfg, file: f, data: data, base: base}
	m.computeLayout()

	if !existed {
		if err := m.initFresh(); err != nil {
			m.Close()
			return nil, false, err
		}
		return m, true, nil
	}

	if err := m.recover(); err != nil {
		m.Close()
		return nil, false, err
	}

	return m, false, nil
}

// BaseAddr returns the address the mapping landed at. Pass this back as
// Config.BaseAddr on the next Open of the same file.
func (m *Manager) BaseAddr() uintptr { return m.base }

// At returns a byte slice view of size bytes starting at addr within the
// mapping, for callers (pkg/art/node) that reinterpret mapped bytes as
// typed node structs via unsafe.Pointer(&b[0]).
func (m *Manager) At(addr Addr, size int) []byte {
	off := int64(addr) - int64(m.base)
	return m.data[off : off+int64(size)]
}

// PageSize returns the allocation unit in effect for this store.
func (m *Manager) PageSize() int { return m.cfg.PageSize }

// computeLayout derives headPages/dataPages/dataOffset from FileSize,
// PageSize, and MaxThreads.
//
// Solves H*(P+1) >= headerFixedSize + total - T for the smallest integer
// H, where P is PageSize, T is MaxThreads, and total is the file's page
// count; H pages of head region leave room for both the fixed header and
// a one-byte-per-data-page bitmap.
func (m *Manager) computeLayout() {
	p := int64(m.cfg.PageSize)
	t := int64(m.cfg.MaxThreads)
	total := m.cfg.FileSize / p

	numerator := int64(headerFixedSize) + total - t
	h := (numerator + p) / (p + 1)
	if h < 1 {
		h = 1
	}

	d := total - t - h
	if d < 1 {
		d = 1
	}

	m.headPages = int(h)
	m.dataPages = int(d)
	m.dataOffset = (h + t) * p
}

func (m *Manager) head() []byte { return m.data[:m.headPages*m.cfg.PageSize] }

func (m *Manager) magic() uint64 { return binary.LittleEndian.Uint64(m.head()[0:8]) }

func (m *Manager) setMagic(v uint64) {
	binary.LittleEndian.PutUint64(m.head()[0:8], v)
}

func (m *Manager) threads() uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&m.head()[8])))
}

func (m *Manager) freeBitOffset() uint32 {
	return binary.LittleEndian.Uint32(m.head()[16:20])
}

func (m *Manager) setFreeBitOffset(v uint32) {
	binary.LittleEndian.PutUint32(m.head()[16:20], v)
}

// Root returns the tree's root pointer, persisted at a fixed offset in
// the head page so it survives across Open calls. A zero value means the
// tree is empty.
func (m *Manager) Root() Addr {
	return Addr(atomic.LoadUint64((*uint64)(unsafe.Pointer(&m.head()[24]))))
}

// CompareAndSwapRoot atomically updates the root pointer, mirroring the
// lock-free CAS the tree uses to publish a new root after inserting into
// an empty tree or replacing the root during a grow/shrink.
func (m *Manager) CompareAndSwapRoot(old, updated Addr) bool {
	ok := atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(&m.head()[24])), uint64(old), uint64(updated))
	if ok {
		_ = m.FlushRange(Addr(m.base)+24, 8)
	}
	return ok
}

func (m *Manager) bitmap() []byte {
	off := headerFixedSize
	return m.head()[off : off+m.dataPages]
}

func (m *Manager) initFresh() error {
	clear(m.head())
	m.setMagic(Magic)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&m.head()[8])), 0)
	m.setFreeBitOffset(0)
	return m.Sync()
}

var (
	// ErrBadMagic is returned by Open when an existing file's head page
	// does not carry the expected magic number.
	ErrBadMagic = errors.New("nvm: bad magic, file is not an nvart store")
	// ErrCorruptBitmap is returned when recovery finds the head page's
	// free-scan cursor past the end of the allocation bitmap, or a
	// recorded thread count above the configured maximum.
	ErrCorruptBitmap = errors.New("nvm: allocation bitmap failed consistency check")
	// ErrOutOfSpace is returned by Alloc when the backing file cannot be
	// grown any further.
	ErrOutOfSpace = errors.New("nvm: out of space")
)

// recover validates an existing file's head page. Block allocation
// itself is not crash-consistent (no redo log, no allocation-intent
// record): a page can leak if the process dies between the free-list
// pop and the bitmap flush. Recovery treats the persistent bitmap as
// authoritative and only checks that it is self-consistent; it cannot
// detect a leaked page.
//
// TODO: an allocation-intent record in the head page would close the
// leak window.
func (m *Manager) recover() error {
	if m.magic() != Magic {
		return ErrBadMagic
	}
	if int(m.freeBitOffset()) > m.dataPages {
		return ErrCorruptBitmap
	}
	if int(m.threads()) > m.cfg.MaxThreads {
		return ErrCorruptBitmap
	}
	return nil
}

// Sync flushes all outstanding writes to the backing file.
func (m *Manager) Sync() error {
	return msync(m.data)
}

// FlushRange flushes the page(s) covering [addr, addr+size) to the backing
// file. This is the closest portable Go can get to a per-cacheline flush
// (clwb+sfence) without CPU-specific assembly: it syncs at page
// granularity rather than cacheline granularity, and callers pair it
// with the dirty bit on child pointers (see pkg/art) so any observer
// that sees a dirty pointer knows to call this on the writer's behalf
// before trusting it.
func (m *Manager) FlushRange(addr Addr, size int) error {
	start := int64(addr) - int64(m.base)
	if start < 0 || int(start)+size > len(m.data) {
		return fmt.Errorf("nvm: flush range out of bounds")
	}

	pageSize := int64(m.cfg.PageSize)
	alignedStart := (start / pageSize) * pageSize
	alignedEnd := ((start + int64(size) + pageSize - 1) / pageSize) * pageSize
	if alignedEnd > int64(len(m.data)) {
		alignedEnd = int64(len(m.data))
	}

	return msync(m.data[alignedStart:alignedEnd])
}

// Close flushes and unmaps the backing file.
func (m *Manager) Close() error {
	var firstErr error
	if m.data != nil {
		if err := msync(m.data); err != nil {
			firstErr = err
		}
		if err := munmap(m.data); err != nil && firstErr == nil {
			firstErr = err
		}
		m.data = nil
	}
	if m.file != nil {
		if err := m.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.file = nil
	}
	return firstErr
}

// AllocThreadInfo hands out the next unused per-thread scratch page,
// returning its address. The incremented counter is persisted to the
// head page before the address is handed back, so a reopen never reuses
// a region that was already claimed.
func (m *Manager) AllocThreadInfo() (Addr, error) {
	for {
		cur := m.threads()
		if int(cur) >= m.cfg.MaxThreads {
			return 0, fmt.Errorf("nvm: thread region exhausted (max %d)", m.cfg.MaxThreads)
		}
		if atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(&m.head()[8])), cur, cur+1) {
			if err := m.Sync(); err != nil {
				return 0, err
			}
			off := int64(m.headPages)*int64(m.cfg.PageSize) + int64(cur)*int64(m.cfg.PageSize)
			return Addr(m.base) + Addr(off), nil
		}
	}
}

// Alloc reserves a free data block and marks it with the given type tag
// (1..255; 0 means "free" in the bitmap and must not be passed in).
// Returns the block's virtual address; the block is zero-filled.
func (m *Manager) Alloc(blockType byte) (Addr, error) {
	if blockType == 0 {
		return 0, fmt.Errorf("nvm: block type 0 is reserved for free pages")
	}

	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	page, err := m.popFreePage()
	if err != nil {
		return 0, err
	}

	bitmap := m.bitmap()
	bitmap[page] = blockType
	if err := m.FlushRange(m.bitmapByteAddr(page), 1); err != nil {
		return 0, err
	}

	// A page handed back by Free still holds its previous contents.
	clear(m.At(m.pageAddr(page), m.cfg.PageSize))

	debug.Log(nil, "alloc", "page %d type %d at %#x", page, blockType, m.pageAddr(page))
	return m.pageAddr(page), nil
}

// Free returns a previously allocated page to the bitmap. Callers must
// ensure (via epoch reclamation) that no reader can still observe the
// freed node before calling this.
func (m *Manager) Free(addr Addr) error {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	page, err := m.pageIndex(addr)
	if err != nil {
		return err
	}

	bitmap := m.bitmap()
	bitmap[page] = 0
	if err := m.FlushRange(m.bitmapByteAddr(page), 1); err != nil {
		return err
	}

	m.freeList = append(m.freeList, uint32(page))
	return nil
}

func (m *Manager) pageAddr(page int) Addr {
	return Addr(m.base) + Addr(m.dataOffset) + Addr(int64(page)*int64(m.cfg.PageSize))
}

// bitmapByteAddr returns the address of the allocation-bitmap byte that
// tracks page, so Alloc/Free can flush exactly the metadata they wrote
// rather than the data page it describes.
func (m *Manager) bitmapByteAddr(page int) Addr {
	return Addr(m.base) + Addr(headerFixedSize) + Addr(page)
}

func (m *Manager) pageIndex(addr Addr) (int, error) {
	off := int64(addr) - int64(m.base) - m.dataOffset
	if off < 0 || off%int64(m.cfg.PageSize) != 0 {
		return 0, fmt.Errorf("nvm: address %x is not a data page", addr)
	}
	page := int(off / int64(m.cfg.PageSize))
	if page >= m.dataPages {
		return 0, fmt.Errorf("nvm: address %x out of range", addr)
	}
	return page, nil
}

// popFreePage returns the next free page id, refilling the in-memory free
// list from the persistent bitmap (scanning from the saved cursor) when
// empty, and growing the backing file when the bitmap has nothing left.
//
// Must be called with allocMu held.
func (m *Manager) popFreePage() (int, error) {
	if len(m.freeList) > 0 {
		p := m.freeList[len(m.freeList)-1]
		m.freeList = m.freeList[:len(m.freeList)-1]
		return int(p), nil
	}

	if err := m.refillFreeList(); err != nil {
		return 0, err
	}
	if len(m.freeList) > 0 {
		p := m.freeList[len(m.freeList)-1]
		m.freeList = m.freeList[:len(m.freeList)-1]
		return int(p), nil
	}

	if err := m.grow(); err != nil {
		return 0, err
	}
	if err := m.refillFreeList(); err != nil {
		return 0, err
	}
	if len(m.freeList) == 0 {
		return 0, ErrOutOfSpace
	}
	p := m.freeList[len(m.freeList)-1]
	m.freeList = m.freeList[:len(m.freeList)-1]
	return int(p), nil
}

// refillFreeList scans the persistent bitmap starting at the saved cursor
// (wrapping to the start if nothing past the cursor is free) for free
// (zero) pages, batching up to 256 at a time to keep the
// allocator mutex's critical section short on the common path.
func (m *Manager) refillFreeList() error {
	bitmap := m.bitmap()
	start := int(m.freeBitOffset())

	const batch = 256
	found := 0
	i := start
	for ; i < len(bitmap) && found < batch; i++ {
		if bitmap[i] == 0 {
			m.freeList = append(m.freeList, uint32(i))
			found++
		}
	}
	if found == 0 && start > 0 {
		// Nothing free past the cursor: wrap around to the pages before it.
		for i = 0; i < start && found < batch; i++ {
			if bitmap[i] == 0 {
				m.freeList = append(m.freeList, uint32(i))
				found++
			}
		}
	}

	m.setFreeBitOffset(uint32(i % len(bitmap)))
	return nil
}

// grow extends the backing file by 10% (minimum one page) and remaps it.
// This only extends the data region's capacity; head/thread region sizing
// is fixed at Open time (re-laying those out on grow would move every
// absolute child pointer already written into the tree, which the
// fixed-address design forbids). The bitmap lives in that fixed head
// region too, so growth is capped at the page count it can track.
func (m *Manager) grow() error {
	pageSize := int64(m.cfg.PageSize)

	bitmapCap := m.headPages*m.cfg.PageSize - headerFixedSize
	if m.dataPages >= bitmapCap {
		return ErrOutOfSpace
	}

	extra := m.cfg.FileSize / 10
	if extra < pageSize {
		extra = pageSize
	}
	extra -= extra % pageSize
	if pages := int64(bitmapCap - m.dataPages); extra/pageSize > pages {
		extra = pages * pageSize
	}

	newSize := m.cfg.FileSize + extra

	if err := m.Sync(); err != nil {
		return err
	}
	if err := munmap(m.data); err != nil {
		return err
	}
	if err := m.file.Truncate(newSize); err != nil {
		return err
	}

	data, base, err := mmapFixed(m.file, m.base, newSize)
	if err != nil {
		return err
	}
	if base != m.base {
		return fmt.Errorf("nvm: remap landed at %x, want %x (fatal: stored pointers are absolute)", base, m.base)
	}

	m.data = data
	m.cfg.FileSize = newSize
	m.dataPages += int(extra / pageSize)

	debug.Log(nil, "grow", "extended to %d bytes (%d data pages)", newSize, m.dataPages)
	return nil
}
