package rp2

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

const MEM_FILE = "/dev/mem"

type region struct {
	base uint32
	size uint32
	mm   mmap.MMap
	offs uint32 // base - start of the mapping
}

// DevMem is a Bus over a memory-mapped file whose offsets are target physical
// addresses: /dev/mem on a host that shares the target's bus, or a sparse image
// file for dry runs.
type DevMem struct {
	f       *os.File
	regions []*region
	cpuHz   uint32
	log     *slog.Logger
}

// OpenDevMem opens path for mapping. cpuHz is used to turn DelayCycles into
// wall-clock time; 0 disables delays.
func OpenDevMem(path string, cpuHz uint32, log *slog.Logger) (*DevMem, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("couldn't open %s: %w", path, err)
	}
	return &DevMem{f: f, cpuHz: cpuHz, log: log}, nil
}

// Map maps size bytes at physical address base. Since the mapping has to start
// at a page boundary, base is rounded down and the difference remembered.
func (d *DevMem) Map(base, size uint32) error {
	if d.find(base) != nil {
		return nil
	}
	pagemask := ^uint32(unix.Getpagesize() - 1)
	mapAddr := base & pagemask
	n := int(size + base - mapAddr)
	mm, err := mmap.MapRegion(d.f, n, mmap.RDWR, 0, int64(mapAddr))
	if err != nil {
		return fmt.Errorf("couldn't map region (%08X, %d): %w", base, size, err)
	}
	d.log.Debug("mapped region", "base", fmt.Sprintf("%08X", base), "size", size, "offset", base-mapAddr)
	d.regions = append(d.regions, &region{base: base, size: size, mm: mm, offs: base - mapAddr})
	return nil
}

func (d *DevMem) find(addr uint32) *region {
	for _, r := range d.regions {
		if addr >= r.base && addr-r.base < r.size {
			return r
		}
	}
	return nil
}

func (d *DevMem) word(addr uint32) *uint32 {
	r := d.find(addr)
	if r == nil {
		panic(fmt.Sprintf("access to unmapped address %08X", addr))
	}
	return (*uint32)(unsafe.Pointer(&r.mm[r.offs+addr-r.base]))
}

func (d *DevMem) Read32(addr uint32) uint32 {
	return atomic.LoadUint32(d.word(addr))
}

func (d *DevMem) Write32(addr uint32, val uint32) {
	atomic.StoreUint32(d.word(addr), val)
}

// DelayCycles sleeps for at least n cycles of a cpuHz clock.
func (d *DevMem) DelayCycles(n uint32) {
	if d.cpuHz == 0 {
		return
	}
	time.Sleep(time.Duration(uint64(n)*uint64(time.Second)/uint64(d.cpuHz)) + 1)
}

func (d *DevMem) Close() error {
	var err error
	for _, r := range d.regions {
		te := r.mm.Unmap()
		if err == nil {
			err = te
		}
	}
	d.regions = nil
	te := d.f.Close()
	if err == nil {
		err = te
	}
	return err
}
