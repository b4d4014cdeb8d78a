//go:build linux || darwin || freebsd

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultDir is where file backed segments are created when no directory is given
const DefaultDir = "/dev/shm"

// Create creates and maps a new file backed region of at least size bytes
// The file must not exist yet. When dir is not usable the system temp
// directory is used instead.
func Create(dir, name string, size int) (*SharedMemory, error) {
	if size <= HeaderSize {
		return nil, ErrInvalidSize
	}
	size = int(SizePages(uintptr(size)))
	if dir == "" {
		dir = DefaultDir
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	s := newMapped(f, name, path, data)
	s.owner = true
	s.initHeader()
	return s, nil
}

// Open maps an existing region created by Create
func Open(dir, name string) (*SharedMemory, error) {
	if dir == "" {
		dir = DefaultDir
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(os.TempDir(), name)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	if st.Size() <= HeaderSize {
		f.Close()
		return nil, ErrInvalidSize
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	s := newMapped(f, name, path, data)
	if err := s.validateHeader(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newMapped(f *os.File, name, path string, data []byte) *SharedMemory {
	s := &SharedMemory{
		name: name,
		size: len(data),
		fd:   f.Fd(),
		path: path,
		data: data,
	}
	s.unmap = func() error {
		err := unix.Munmap(data)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return s
}

// NewAnonymous maps a page-aligned region that is private to this process
// It is used when every port lives in the broker's own process and in tests.
// The mapping lives outside the Go heap so offsets can be turned back into
// pointers without tripping checkptr.
func NewAnonymous(name string, size int) (*SharedMemory, error) {
	if size <= HeaderSize {
		return nil, ErrInvalidSize
	}
	size = int(SizePages(uintptr(size)))
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap anonymous %s: %w", name, err)
	}

	s := &SharedMemory{
		name: name,
		size: size,
		data: data,
	}
	s.unmap = func() error { return unix.Munmap(data) }
	s.initHeader()
	return s, nil
}
