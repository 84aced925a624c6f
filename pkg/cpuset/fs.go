// Copyright (c) 2020 qemu-launcher authors
//
// SPDX-License-Identifier: Apache-2.0
//

package cpuset

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// FS is the narrow filesystem surface the controller drives. The cgroup
// pseudo-filesystem is privileged, so every operation is routed through
// this interface and the tests substitute an in-memory implementation.
type FS interface {
	// CreateDirAll creates a directory and any missing parents.
	CreateDirAll(path string) error

	// ReadToString returns the full contents of a file.
	ReadToString(path string) (string, error)

	// ReadFirstLine returns the first line of a file, including the
	// trailing newline if one is present.
	ReadFirstLine(path string) (string, error)

	// WriteFile writes data to an existing or new file.
	WriteFile(path string, data string) error

	// RemoveDir removes an empty directory.
	RemoveDir(path string) error

	// OpenLockedRW opens a file for read-write access and acquires an
	// advisory exclusive lock on the open handle. The lock is dropped
	// when the returned file is closed.
	OpenLockedRW(path string) (LockedFile, error)

	// SourceMountedAt reports whether a filesystem with the given
	// source device is mounted at target.
	SourceMountedAt(source, target string) (bool, error)

	// MountCpuset mounts the cgroup filesystem with the cpuset
	// subsystem at target.
	MountCpuset(target string) error
}

// LockedFile is an open, exclusively locked file handle used for the
// read-modify-write cycle on the shared pool CPU list.
type LockedFile interface {
	ReadString() (string, error)
	Truncate() error
	WriteString(data string) error
	Close() error
}

type hostFS struct{}

// NewHostFS returns an FS backed by the real filesystem.
func NewHostFS() FS {
	return &hostFS{}
}

func (hostFS) CreateDirAll(path string) error {
	return os.MkdirAll(path, 0o755)
}

func (hostFS) ReadToString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func (hostFS) ReadFirstLine(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	line, err := bufio.NewReader(file).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}

	return line, nil
}

func (hostFS) WriteFile(path string, data string) error {
	return os.WriteFile(path, []byte(data), 0o644)
}

func (hostFS) RemoveDir(path string) error {
	return os.Remove(path)
}

func (hostFS) OpenLockedRW(path string) (LockedFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		return nil, err
	}

	return &lockedFile{file: file}, nil
}

func (hostFS) SourceMountedAt(source, target string) (bool, error) {
	mounts, err := procfs.GetMounts()
	if err != nil {
		return false, err
	}

	target = filepath.Clean(target)
	for _, mount := range mounts {
		if mount.Source == source && mount.MountPoint == target {
			return true, nil
		}
	}

	return false, nil
}

func (hostFS) MountCpuset(target string) error {
	return unix.Mount("cgroup", target, "cgroup", 0, "cpuset")
}

type lockedFile struct {
	file *os.File
}

func (f *lockedFile) ReadString() (string, error) {
	data, err := io.ReadAll(f.file)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func (f *lockedFile) Truncate() error {
	if _, err := f.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return f.file.Truncate(0)
}

func (f *lockedFile) WriteString(data string) error {
	_, err := f.file.WriteString(data)
	return err
}

// Close releases the advisory lock along with the handle.
func (f *lockedFile) Close() error {
	return f.file.Close()
}
