package disk

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
)

// Device is one opened storage device. Reads and writes are positional so
// that many of them can be in flight from different goroutines at once.
type Device interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	// Sync makes every completed write durable.
	Sync() error
	// Size returns the device size in bytes.
	Size() uint64
	// SectorSize returns the logical sector size of the device.
	SectorSize() uint32
	// Lock takes an exclusive advisory lock without blocking.
	Lock() error
}

// Opener opens the device at path.
type Opener func(path string, direct bool) (Device, error)

// DeviceError reports a failure to open, probe or lock a device.
type DeviceError struct {
	Path string
	Op   string
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("disk: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

func (e *DeviceError) Is(target error) bool {
	return target == ErrDevice
}

// File is a Device backed by a regular file or a block device. With direct
// I/O enabled it is opened with O_DIRECT, and buffers that are not suitably
// aligned go through an aligned bounce buffer.
type File struct {
	file   *os.File
	path   string
	direct bool
	size   uint64
	sector uint32
}

var _ Device = (*File)(nil)

// OpenFile opens path read-write and probes its size and sector size.
func OpenFile(path string, direct bool) (Device, error) {
	var (
		f   *os.File
		err error
	)
	if direct {
		f, err = directio.OpenFile(path, os.O_RDWR, 0)
	} else {
		f, err = os.OpenFile(path, os.O_RDWR, 0)
	}
	if err != nil {
		return nil, &DeviceError{Path: path, Op: "open", Err: err}
	}

	d := &File{file: f, path: path, direct: direct}
	if err = d.probe(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return d, nil
}

// probe reads the size from fstat for regular files and from the block
// device ioctls otherwise.
func (d *File) probe() error {
	var st unix.Stat_t
	fd := int(d.file.Fd())
	if err := unix.Fstat(fd, &st); err != nil {
		return &DeviceError{Path: d.path, Op: "stat", Err: err}
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		d.size = uint64(st.Size)
		d.sector = min(uint32(st.Blksize), DefaultDiskAlignment)
	case unix.S_IFBLK:
		var size uint64
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
		if errno != 0 {
			return &DeviceError{Path: d.path, Op: "get size of", Err: errno}
		}
		sect, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
		if err != nil {
			return &DeviceError{Path: d.path, Op: "get sector size of", Err: err}
		}
		d.size = size
		d.sector = uint32(sect)
	default:
		return &DeviceError{Path: d.path, Op: "open", Err: fmt.Errorf("not a block device or regular file")}
	}
	if d.sector == 0 {
		d.sector = DirectIOAlignment
	}
	return nil
}

func (d *File) ReadAt(p []byte, off int64) (int, error) {
	if !d.direct || len(p) == 0 || isAligned(p) {
		return d.file.ReadAt(p, off)
	}
	bounce := directio.AlignedBlock(len(p))
	n, err := d.file.ReadAt(bounce, off)
	copy(p, bounce[:n])
	return n, err
}

func (d *File) WriteAt(p []byte, off int64) (int, error) {
	if !d.direct || len(p) == 0 || isAligned(p) {
		return d.file.WriteAt(p, off)
	}
	bounce := directio.AlignedBlock(len(p))
	copy(bounce, p)
	return d.file.WriteAt(bounce, off)
}

// isAligned reports whether p starts on a directio.AlignSize boundary.
func isAligned(p []byte) bool {
	return uintptr(unsafe.Pointer(&p[0]))&uintptr(directio.AlignSize-1) == 0
}

func (d *File) Sync() error {
	return unix.Fdatasync(int(d.file.Fd()))
}

func (d *File) Size() uint64 {
	return d.size
}

func (d *File) SectorSize() uint32 {
	return d.sector
}

func (d *File) Lock() error {
	if err := unix.Flock(int(d.file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return &DeviceError{Path: d.path, Op: "lock", Err: err}
	}
	return nil
}

func (d *File) Close() error {
	return d.file.Close()
}
