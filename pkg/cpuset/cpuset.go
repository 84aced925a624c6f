// Copyright (c) 2020 qemu-launcher authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package cpuset grants exclusive ownership of host hardware threads by
// driving a cpuset control-group tree. The tree lives under
// <mount>/<prefix>/ and contains a shared "pool" group plus one group
// per isolated host thread. The pool CPU list is the only resource
// shared with other launcher processes; every read-modify-write of it
// happens under an advisory exclusive lock on the open file handle.
// Nothing prevents two launchers configured with the same host thread
// from racing on the per-thread group itself.
package cpuset

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var cpusetLog = logrus.WithField("source", "cpuset")

// SetLogger sets the logger for the cpuset package.
func SetLogger(logger *logrus.Entry) {
	cpusetLog = logger.WithField("source", "cpuset")
}

// CpuSet owns one launcher's view of the cpuset tree: the mount point,
// the group prefix and the set of host threads this session has split
// out of the shared pool. Once a pin succeeded, ReleaseThreads must run
// on every exit path or the isolated threads leak out of the pool.
type CpuSet struct {
	fs        FS
	mountPath string
	prefix    string
	isolated  []int
}

// New validates the mount path and prefix and returns a session with no
// isolated threads. It performs no I/O.
func New(fs FS, mountPath, prefix string) (*CpuSet, error) {
	if !filepath.IsAbs(mountPath) {
		return nil, errors.Errorf(
			"A mount point path must be absolute, got: `%s`.", mountPath)
	}

	if prefix == "" || strings.ContainsAny(prefix, "/\x00") {
		return nil, errors.Errorf(
			"A mount point prefix can not contain path separators, got: `%s`.", prefix)
	}

	return &CpuSet{
		fs:        fs,
		mountPath: mountPath,
		prefix:    prefix,
	}, nil
}

func (c *CpuSet) cpusetPath() string {
	return filepath.Join(c.mountPath, c.prefix)
}

// PinTask isolates the host thread into its own exclusive group and
// adds the task to it. Pinning more tasks to an already isolated thread
// skips re-isolation and only appends to the group's tasks file. The
// pin can succeed with a warning: the thread was already occupied by a
// task outside this session and is now double-booked.
func (c *CpuSet) PinTask(hostID, taskID int) (warn error, err error) {
	warn, err = c.isolateThread(hostID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to isolate the host cpu thread `%d`", hostID)
	}

	tasksPath := filepath.Join(c.cpusetPath(), strconv.Itoa(hostID), "tasks")
	if err := c.fs.WriteFile(tasksPath, strconv.Itoa(taskID)); err != nil {
		return nil, errors.Wrapf(err,
			"failed to pin the process id `%d` to the host cpu thread `%d`", taskID, hostID)
	}

	return warn, nil
}

func (c *CpuSet) isolateThread(id int) (warn error, err error) {
	if err := c.prepare(); err != nil {
		return nil, err
	}

	task, err := c.firstTask(id)
	if err != nil {
		// a missing group means the thread is not isolated yet
		if !os.IsNotExist(errors.Cause(err)) {
			return nil, err
		}
	}

	for _, isolated := range c.isolated {
		if isolated == id {
			return nil, nil
		}
	}

	if task != "" {
		// another launcher isolated this thread first; proceeding will
		// double-book it
		warn = errors.Errorf(
			"the host cpu thread `%d` is already busy with the task `%s`", id, task)
	}

	if err := c.splitThreadFromPool(id); err != nil {
		return nil, err
	}

	path := filepath.Join(c.cpusetPath(), strconv.Itoa(id))
	if err := c.fs.CreateDirAll(path); err != nil {
		return nil, err
	}

	mems, err := c.fs.ReadToString(filepath.Join(c.cpusetPath(), "cpuset.mems"))
	if err != nil {
		return nil, err
	}
	if err := c.fs.WriteFile(filepath.Join(path, "cpuset.mems"), strings.TrimSpace(mems)); err != nil {
		return nil, err
	}
	if err := c.fs.WriteFile(filepath.Join(path, "cpuset.cpu_exclusive"), "1"); err != nil {
		return nil, err
	}
	if err := c.fs.WriteFile(filepath.Join(path, "cpuset.cpus"), strconv.Itoa(id)); err != nil {
		return nil, err
	}

	c.isolated = append(c.isolated, id)

	return warn, nil
}

// prepare is idempotent and runs before every isolation: it mounts the
// cpuset hierarchy if needed, creates the prefix and pool groups and
// migrates every task out of the mount root into the pool.
func (c *CpuSet) prepare() error {
	if err := c.ensureMounted(); err != nil {
		return err
	}
	if err := c.configureCpuset(); err != nil {
		return err
	}

	return c.migrateTasks()
}

func (c *CpuSet) ensureMounted() error {
	if err := c.fs.CreateDirAll(c.mountPath); err != nil {
		return err
	}

	mounted, err := c.fs.SourceMountedAt("cgroup", c.mountPath)
	if err != nil {
		return errors.Wrap(err, "an error occurred while reading mounts")
	}
	if mounted {
		return nil
	}

	if err := c.fs.MountCpuset(c.mountPath); err != nil {
		return errors.Wrapf(err, "failed to mount cpuset to `%s`", c.mountPath)
	}

	return nil
}

func (c *CpuSet) configureCpuset() error {
	path := c.cpusetPath()
	if err := c.fs.CreateDirAll(path); err != nil {
		return err
	}
	if err := c.fs.WriteFile(filepath.Join(path, "cpuset.cpu_exclusive"), "1"); err != nil {
		return err
	}

	mems, err := c.seedFromRoot(filepath.Join(path, "cpuset.mems"), "cpuset.mems")
	if err != nil {
		return err
	}
	cpus, err := c.seedFromRoot(filepath.Join(path, "cpuset.cpus"), "cpuset.cpus")
	if err != nil {
		return err
	}

	pool := filepath.Join(path, "pool")
	if err := c.fs.CreateDirAll(pool); err != nil {
		return err
	}
	if err := c.fs.WriteFile(filepath.Join(pool, "cpuset.cpu_exclusive"), "1"); err != nil {
		return err
	}

	if err := c.seedIfEmpty(filepath.Join(pool, "cpuset.mems"), mems); err != nil {
		return err
	}

	return c.seedIfEmpty(filepath.Join(pool, "cpuset.cpus"), cpus)
}

// seedFromRoot copies the mount root value into path if path is empty
// and returns the effective value.
func (c *CpuSet) seedFromRoot(path, rootFile string) (string, error) {
	value, err := c.fs.ReadToString(path)
	if err != nil {
		return "", err
	}

	value = strings.TrimSpace(value)
	if value != "" {
		return value, nil
	}

	value, err = c.fs.ReadToString(filepath.Join(c.mountPath, rootFile))
	if err != nil {
		return "", err
	}

	value = strings.TrimSpace(value)
	if err := c.fs.WriteFile(path, value); err != nil {
		return "", err
	}

	return value, nil
}

func (c *CpuSet) seedIfEmpty(path, value string) error {
	current, err := c.fs.ReadToString(path)
	if err != nil {
		return err
	}

	if strings.TrimSpace(current) != "" {
		return nil
	}

	return c.fs.WriteFile(path, value)
}

func (c *CpuSet) migrateTasks() error {
	tasks, err := c.fs.ReadToString(filepath.Join(c.mountPath, "tasks"))
	if err != nil {
		return err
	}

	path := filepath.Join(c.cpusetPath(), "pool", "tasks")
	for _, task := range strings.Fields(tasks) {
		// a task may exit between the read and the write; skip it
		_ = c.fs.WriteFile(path, task)
	}

	return nil
}

func (c *CpuSet) splitThreadFromPool(id int) error {
	return c.updatePoolCPUs(func(cpus []int) []int {
		remaining := cpus[:0]
		for _, cpu := range cpus {
			if cpu != id {
				remaining = append(remaining, cpu)
			}
		}

		return remaining
	})
}

func (c *CpuSet) returnThreadToPool(id int) error {
	return c.updatePoolCPUs(func(cpus []int) []int {
		return append(cpus, id)
	})
}

// updatePoolCPUs performs the locked read-modify-write cycle on the
// shared pool CPU list. The advisory lock serializes parallel launchers
// for the duration of the cycle only.
func (c *CpuSet) updatePoolCPUs(update func([]int) []int) error {
	file, err := c.fs.OpenLockedRW(filepath.Join(c.cpusetPath(), "pool", "cpuset.cpus"))
	if err != nil {
		return err
	}
	defer file.Close()

	data, err := file.ReadString()
	if err != nil {
		return err
	}

	cpus, err := ParseCPUsList(strings.TrimSpace(data))
	if err != nil {
		return err
	}

	if err := file.Truncate(); err != nil {
		return err
	}

	return file.WriteString(FormatCPUsList(update(cpus)))
}

// ReleaseThreads returns every isolated host thread to the shared pool.
// Threads whose group still holds a task are skipped. The session's
// isolated set is cleared regardless of the outcome.
func (c *CpuSet) ReleaseThreads() error {
	var failed *multierror.Error

	for _, id := range c.isolated {
		if err := c.releaseThread(id); err != nil {
			failed = multierror.Append(failed, err)
		}
	}

	c.isolated = nil

	if err := failed.ErrorOrNil(); err != nil {
		cpusetLog.WithError(err).Error("unable to release isolated host cpu threads")
		return errors.New("Failed to release some of the pinned threads.")
	}

	return nil
}

func (c *CpuSet) releaseThread(id int) error {
	task, err := c.firstTask(id)
	if err != nil {
		return errors.Wrapf(err, "failed to check whether the host cpu thread `%d` is busy", id)
	}
	if task != "" {
		return errors.Errorf("host cpu thread `%d` is still busy with the task `%s`", id, task)
	}

	if err := c.fs.RemoveDir(filepath.Join(c.cpusetPath(), strconv.Itoa(id))); err != nil {
		return errors.Wrapf(err, "failed to remove the host cpu thread `%d` group", id)
	}

	if err := c.returnThreadToPool(id); err != nil {
		return errors.Wrapf(err, "failed to return the host cpu thread `%d` to the pool", id)
	}

	return nil
}

// firstTask reads the first line of the per-thread tasks file. The
// probe only sees line one; a group with tasks beyond the first line
// reports the same occupant.
func (c *CpuSet) firstTask(id int) (string, error) {
	line, err := c.fs.ReadFirstLine(filepath.Join(c.cpusetPath(), strconv.Itoa(id), "tasks"))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(line), nil
}
