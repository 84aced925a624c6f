// Copyright (c) 2020 qemu-launcher authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package launcher spawns the hypervisor child process and performs the
// post-spawn vCPU affinity and scheduling work: it asks the monitor for
// the vCPU topology, pins each configured vCPU thread to its host
// thread and optionally applies a real-time scheduling class through
// chrt. Pinning is best-effort; a failure to pin one entry never stops
// the others, and the hypervisor keeps running even when the whole step
// is abandoned.
package launcher

import (
	"io"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/filakhtov/qemu-launcher-sub000/pkg/config"
	"github.com/filakhtov/qemu-launcher-sub000/pkg/qmp"
)

var launcherLog = logrus.WithField("source", "launcher")

// SetLogger sets the logger for the launcher package.
func SetLogger(logger *logrus.Entry) {
	launcherLog = logger.WithField("source", "launcher")
}

// CpuSet is the slice of the cpuset controller the launcher drives.
// PinTask reports three outcomes: success, success with a warning (the
// host thread was already occupied and is now double-booked), or
// failure.
type CpuSet interface {
	PinTask(hostID, taskID int) (warn error, err error)
	ReleaseThreads() error
}

// runOneshot is replaced in the tests to avoid executing chrt.
var runOneshot = Oneshot

// Launcher ties one configuration to one cpuset session and one child
// process.
type Launcher struct {
	config *config.Config
	cpuset CpuSet
}

// New returns a launcher for the given configuration.
func New(cfg *config.Config, cpuset CpuSet) *Launcher {
	return &Launcher{
		config: cfg,
		cpuset: cpuset,
	}
}

// Run spawns the hypervisor, pins its vCPU threads if the configuration
// asks for it and waits for the child to exit. The cpuset session is
// released on every exit path once the child was spawned.
func (l *Launcher) Run() (err error) {
	process := &Process{
		Path:     l.config.QemuBinaryPath(),
		Args:     l.config.CommandLineOptions(),
		ClearEnv: l.config.ShouldClearEnv(),
		Env:      l.config.EnvVars(),
	}
	if uid, ok := l.config.User(); ok {
		process.User = &uid
	}
	if gid, ok := l.config.Group(); ok {
		process.Group = &gid
	}

	child, spawnErr := process.Spawn()
	if spawnErr != nil {
		return errors.Wrapf(spawnErr, "failed to run the `%s` child process", l.config.QemuBinaryPath())
	}

	defer func() {
		if releaseErr := l.cpuset.ReleaseThreads(); releaseErr != nil {
			launcherLog.WithError(releaseErr).Error("failed to release pinned host cpu threads")
			if err == nil {
				err = releaseErr
			}
		}
	}()

	if l.config.HasCPUPinning() {
		stdout, stdin := child.Stdio()
		l.pinVCPUs(stdout, stdin)
	}

	if waitErr := child.Wait(); waitErr != nil {
		return errors.Wrapf(waitErr, "the `%s` child process", l.config.QemuBinaryPath())
	}

	return nil
}

// pinVCPUs performs the affinity step over the monitor bound to the
// child's standard streams. Every failure here is a diagnostic, not a
// launcher error: the machine is already running.
func (l *Launcher) pinVCPUs(stdout io.Reader, stdin io.Writer) {
	topology, err := qmp.ReadVCPUInfo(stdout, stdin)
	if err != nil {
		launcherLog.WithError(err).Error("failed to obtain vCPU mapping info from QEMU")
		return
	}

	for _, pin := range l.config.CPUPinning() {
		entry := launcherLog.WithFields(logrus.Fields{
			"socket": pin.Socket,
			"core":   pin.Core,
			"thread": pin.Thread,
			"host":   pin.Host,
		})

		taskID, ok := topology.GetThreadID(pin.Socket, pin.Core, pin.Thread)
		if !ok {
			entry.Warningf("the vCPU `%d.%d.%d` does not exist, skipping", pin.Socket, pin.Core, pin.Thread)
			continue
		}

		warn, err := l.cpuset.PinTask(pin.Host, taskID)
		if err != nil {
			entry.WithField("task", taskID).Errorf(
				"failed to pin the vCPU `%d.%d.%d` with the task ID `%d` to the host CPU `%d`: %v",
				pin.Socket, pin.Core, pin.Thread, taskID, pin.Host, err)
			continue
		}
		if warn != nil {
			entry.WithField("task", taskID).Warningf(
				"pinning the vCPU `%d.%d.%d` with the task ID `%d` to the host CPU `%d`: %v",
				pin.Socket, pin.Core, pin.Thread, taskID, pin.Host, warn)
			continue
		}

		entry.WithField("task", taskID).Debug("pinned the vCPU thread")
	}

	if l.config.HasScheduling() {
		l.applyScheduling(topology)
	}
}

// applyScheduling sets the scheduling class and priority of every vCPU
// worker thread through the chrt utility.
func (l *Launcher) applyScheduling(topology *qmp.Topology) {
	scheduler := l.config.Scheduler()
	priority, _ := l.config.Priority()

	for _, taskID := range topology.GetTaskIDs() {
		err := runOneshot("chrt",
			"--"+scheduler, "--pid", strconv.Itoa(int(priority)), strconv.Itoa(taskID))
		if err != nil {
			launcherLog.WithField("task", taskID).WithError(err).
				Error("failed to change the vCPU thread priority")
		}
	}
}
