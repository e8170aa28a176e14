package disk

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Memory is an in-memory Device that models a volatile write cache: writes
// land in a volatile image and only reach the durable image on Sync. Crash
// returns a new device holding nothing but the durable image.
type Memory struct {
	mu       sync.Mutex
	volatile []byte
	durable  []byte
	sector   uint32
	pending  []extent
	locked   bool

	failWrite error
	failSync  error
	failRead  error
}

type extent struct {
	off, len int64
}

var _ Device = (*Memory)(nil)

func NewMemory(size uint64) *Memory {
	return &Memory{
		volatile: make([]byte, size),
		durable:  make([]byte, size),
		sector:   DirectIOAlignment,
	}
}

// MemoryOpener resolves device paths to the given in-memory devices.
func MemoryOpener(devices map[string]*Memory) Opener {
	return func(path string, _ bool) (Device, error) {
		d, ok := devices[path]
		if !ok {
			return nil, &DeviceError{Path: path, Op: "open", Err: errors.New("no such memory device")}
		}
		return d, nil
	}
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failRead; err != nil {
		m.failRead = nil
		return 0, err
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.volatile)) {
		return 0, io.ErrUnexpectedEOF
	}
	return copy(p, m.volatile[off:]), nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failWrite; err != nil {
		m.failWrite = nil
		return 0, err
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.volatile)) {
		return 0, errors.Errorf("memory device: write of %d bytes at %d out of range", len(p), off)
	}
	n := copy(m.volatile[off:], p)
	m.pending = append(m.pending, extent{off: off, len: int64(n)})
	return n, nil
}

func (m *Memory) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failSync; err != nil {
		m.failSync = nil
		return err
	}
	for _, e := range m.pending {
		copy(m.durable[e.off:e.off+e.len], m.volatile[e.off:e.off+e.len])
	}
	m.pending = m.pending[:0]
	return nil
}

func (m *Memory) Size() uint64 {
	return uint64(len(m.volatile))
}

func (m *Memory) SectorSize() uint32 {
	return m.sector
}

func (m *Memory) Lock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return &DeviceError{Path: "memory", Op: "lock", Err: errors.New("already locked")}
	}
	m.locked = true
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.locked = false
	m.mu.Unlock()
	return nil
}

// Crash returns a device with the durable contents of m. Writes that were
// never synced are lost.
func (m *Memory) Crash() *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &Memory{
		volatile: make([]byte, len(m.durable)),
		durable:  make([]byte, len(m.durable)),
		sector:   m.sector,
	}
	copy(c.volatile, m.durable)
	copy(c.durable, m.durable)
	return c
}

// FailNextWrite makes the next WriteAt fail with err.
func (m *Memory) FailNextWrite(err error) {
	m.mu.Lock()
	m.failWrite = err
	m.mu.Unlock()
}

// FailNextSync makes the next Sync fail with err.
func (m *Memory) FailNextSync(err error) {
	m.mu.Lock()
	m.failSync = err
	m.mu.Unlock()
}

// FailNextRead makes the next ReadAt fail with err.
func (m *Memory) FailNextRead(err error) {
	m.mu.Lock()
	m.failRead = err
	m.mu.Unlock()
}
