package mmap

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// New maps size bytes of anonymous memory. The mapping is page aligned,
// which satisfies the buffer alignment of direct I/O, and it is not managed
// by the Go garbage collector: release it with Free.
func New(size int) ([]byte, error) {
	if size < 1 {
		return nil, errors.Errorf("mmap: invalid size; size must be greater than 0: %d", size)
	}

	// fd is -1 because the mapping has no backing file.
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap: map %d bytes", size)
	}
	return data, nil
}

func Free(data []byte) error {
	return unix.Munmap(data)
}
