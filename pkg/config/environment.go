// Copyright (c) 2020 qemu-launcher authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"strings"

	"github.com/pkg/errors"
)

const (
	defaultConfigDirectory = "/usr/local/etc/qemu-launcher"
	defaultCpusetMountPath = "/sys/fs/cgroup/cpuset"
	defaultCpusetPrefix    = "qemu"
)

// Environment holds the launcher's install-time settings discovered
// from the process environment.
type Environment struct {
	configDirectory string
	cpusetMountPath string
	cpusetPrefix    string
}

// NewEnvironment discovers the launcher settings from a list of
// KEY=VALUE pairs, as returned by os.Environ. Unknown variables are
// ignored.
func NewEnvironment(vars []string) (*Environment, error) {
	env := &Environment{
		configDirectory: defaultConfigDirectory,
		cpusetMountPath: defaultCpusetMountPath,
		cpusetPrefix:    defaultCpusetPrefix,
	}

	for _, entry := range vars {
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}

		switch name {
		case "QEMU_LAUNCHER_CONFIG_DIR":
			env.configDirectory = value
		case "QEMU_LAUNCHER_CPUSET_MOUNT_PATH":
			env.cpusetMountPath = value
		case "QEMU_LAUNCHER_CPUSET_PREFIX":
			env.cpusetPrefix = value
		}
	}

	if strings.ContainsAny(env.cpusetPrefix, "/\x00") {
		return nil, errors.New(
			"`QEMU_LAUNCHER_CPUSET_PREFIX` environment variable has invalid characters")
	}

	return env, nil
}

// ConfigDirectory returns the directory holding per-VM configuration
// files.
func (e *Environment) ConfigDirectory() string {
	return e.configDirectory
}

// CpusetMountPath returns the cpuset cgroup mount point.
func (e *Environment) CpusetMountPath() string {
	return e.cpusetMountPath
}

// CpusetPrefix returns the group directory created under the mount
// point.
func (e *Environment) CpusetPrefix() string {
	return e.cpusetPrefix
}
