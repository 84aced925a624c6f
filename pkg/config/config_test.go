// Copyright (c) 2020 qemu-launcher authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const fullDocument = `
launcher:
  user: 100
  group: 200
  vcpu_pinning:
    0:
      0:
        0: 2
        1: 6
      1:
        0: 3
        1: 7
  binary: /usr/bin/qemu-kvm
  clear_env: true
  env:
    STRING: "bar"
    INTEGER: 1
    BOOLEAN: true
  priority: 1
  scheduler: fifo

qemu:
- realtime
- cpu: host
- smp: [ cpus: 1, cores: 2, threads: 2 ]
- m: [ 4096, slots: 2 ]
- numa: 1
- seed: 1.234
- device: [ vfio-pci, multifunction: "on", addr: 0.1 ]
`

func TestNewParsesFullDocument(t *testing.T) {
	config, err := New(fullDocument)
	assert.NoError(t, err)

	user, ok := config.User()
	assert.True(t, ok)
	assert.Equal(t, uint16(100), user)

	group, ok := config.Group()
	assert.True(t, ok)
	assert.Equal(t, uint16(200), group)

	assert.Equal(t, "/usr/bin/qemu-kvm", config.QemuBinaryPath())
	assert.True(t, config.ShouldClearEnv())

	assert.True(t, config.HasEnvVars())
	assert.Equal(t, map[string]string{
		"STRING":  "bar",
		"INTEGER": "1",
		"BOOLEAN": "true",
	}, config.EnvVars())

	priority, ok := config.Priority()
	assert.True(t, ok)
	assert.Equal(t, uint8(1), priority)
	assert.Equal(t, "fifo", config.Scheduler())
	assert.True(t, config.HasScheduling())

	assert.True(t, config.HasCPUPinning())
	assert.Equal(t, []PinEntry{
		{Socket: 0, Core: 0, Thread: 0, Host: 2},
		{Socket: 0, Core: 0, Thread: 1, Host: 6},
		{Socket: 0, Core: 1, Thread: 0, Host: 3},
		{Socket: 0, Core: 1, Thread: 1, Host: 7},
	}, config.CPUPinning())
}

func TestCommandLineOptionsRendering(t *testing.T) {
	config, err := New(fullDocument)
	assert.NoError(t, err)

	assert.Equal(t, []string{
		"-realtime",
		"-cpu", "host",
		"-smp", "cpus=1,cores=2,threads=2",
		"-m", "4096,slots=2",
		"-numa", "1",
		"-seed", "1.234",
		"-device", "vfio-pci,multifunction=on,addr=0.1",
		"-qmp", "stdio",
	}, config.CommandLineOptions())
}

func TestNewAppendsQmpStdioToMinimalCommandLine(t *testing.T) {
	config, err := New(`
launcher:
  binary: /usr/bin/hv
qemu:
- sda: /dev/sdb
`)
	assert.NoError(t, err)

	assert.Equal(t, []string{"-sda", "/dev/sdb", "-qmp", "stdio"}, config.CommandLineOptions())
	assert.False(t, config.HasCPUPinning())
	assert.False(t, config.HasScheduling())
	assert.False(t, config.ShouldClearEnv())
	assert.False(t, config.HasEnvVars())

	_, ok := config.User()
	assert.False(t, ok)
	_, ok = config.Group()
	assert.False(t, ok)
}

func TestNewRejectsEmptyDocument(t *testing.T) {
	for _, document := range []string{"", "---\n"} {
		_, err := New(document)
		assert.Error(t, err, "document %q", document)
		assert.Contains(t, err.Error(), "Supplied configuration is empty.")
	}
}

func TestNewRejectsMissingBinary(t *testing.T) {
	_, err := New("launcher:\n  user: 1\nqemu: []\n")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "`launcher.binary`")
}

func TestNewRejectsMissingCommandLine(t *testing.T) {
	_, err := New("launcher:\n  binary: /usr/bin/qemu\n")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to parse qemu command line options")
}

func TestNewValidatesLauncherSection(t *testing.T) {
	tests := []struct {
		name     string
		document string
		expected string
	}{
		{
			"clear_env must be boolean",
			"launcher:\n  binary: /b\n  clear_env: 5\nqemu: []\n",
			"Invalid value for `launcher.clear_env` value: a boolean is expected.",
		},
		{
			"user must be an integer",
			"launcher:\n  binary: /b\n  user: root\nqemu: []\n",
			"Invalid value for `launcher.user` option: unsigned 16-bit integer expected.",
		},
		{
			"user out of bounds",
			"launcher:\n  binary: /b\n  user: 65536\nqemu: []\n",
			"Invalid value for `launcher.user` option: given value is out of bounds",
		},
		{
			"group out of bounds",
			"launcher:\n  binary: /b\n  group: -1\nqemu: []\n",
			"Invalid value for `launcher.group` option: given value is out of bounds",
		},
		{
			"priority must be an integer",
			"launcher:\n  binary: /b\n  priority: high\nqemu: []\n",
			"Failed to parse `launcher.priority`: an integer expected.",
		},
		{
			"priority out of bounds",
			"launcher:\n  binary: /b\n  priority: 256\nqemu: []\n",
			"Wrong value for `launcher.priority`: value out of bounds.",
		},
		{
			"scheduler must be a string",
			"launcher:\n  binary: /b\n  scheduler: 5\nqemu: []\n",
			"Failed to parse `launcher.scheduler`: string expected.",
		},
		{
			"scheduler must be a known class",
			"launcher:\n  binary: /b\n  scheduler: turbo\nqemu: []\n",
			"Failed to parse `launcher.scheduler`:",
		},
		{
			"env must be a hash",
			"launcher:\n  binary: /b\n  env: PATH\nqemu: []\n",
			"Invalid value for the `launcher.env` key: a hash expected.",
		},
		{
			"env values must be scalars",
			"launcher:\n  binary: /b\n  env:\n    LIST: [1]\nqemu: []\n",
			"Invalid value for the `LIST` environment variable.",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := New(test.document)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), test.expected)
		})
	}
}

func TestNewValidatesVCPUPinning(t *testing.T) {
	tests := []struct {
		name     string
		document string
		expected string
	}{
		{
			"pinning must be a hash",
			"launcher:\n  binary: /b\n  vcpu_pinning: [1]\nqemu: []\n",
			"Failed to parse `launcher.vcpu_pinning` configuration: a hash is expected.",
		},
		{
			"socket id must be an integer",
			"launcher:\n  binary: /b\n  vcpu_pinning:\n    one: {}\nqemu: []\n",
			"the socket ID must be an integer greater or equal to zero.",
		},
		{
			"cores must be a hash",
			"launcher:\n  binary: /b\n  vcpu_pinning:\n    0: 5\nqemu: []\n",
			"Failed to parse `launcher.vcpu_pinning.0`: a hash expected.",
		},
		{
			"core id must be an integer",
			"launcher:\n  binary: /b\n  vcpu_pinning:\n    0:\n      one: {}\nqemu: []\n",
			"the core ID must be an integer greater or equal to zero.",
		},
		{
			"threads must be a hash",
			"launcher:\n  binary: /b\n  vcpu_pinning:\n    0:\n      0: 5\nqemu: []\n",
			"Failed to parse `launcher.vcpu_pinning.0.0`: a hash expected.",
		},
		{
			"thread id must be an integer",
			"launcher:\n  binary: /b\n  vcpu_pinning:\n    0:\n      0:\n        one: 5\nqemu: []\n",
			"the thread ID must be an integer greater or equal to zero.",
		},
		{
			"host id must be an integer",
			"launcher:\n  binary: /b\n  vcpu_pinning:\n    0:\n      0:\n        0: host\nqemu: []\n",
			"the host core ID must be an integer greater or equal to zero.",
		},
		{
			"host ids must be unique",
			"launcher:\n  binary: /b\n  vcpu_pinning:\n    0:\n      0:\n        0: 5\n        1: 5\nqemu: []\n",
			"Duplicate host cpu thread `5`",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := New(test.document)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), test.expected)
		})
	}
}

func TestNewValidatesCommandLineOptions(t *testing.T) {
	tests := []struct {
		name     string
		document string
		expected string
	}{
		{
			"option must be a string or a hash",
			"launcher:\n  binary: /b\nqemu:\n- 5\n",
			"Failed to parse qemu command line option 1.",
		},
		{
			"parameter hash must have one pair",
			"launcher:\n  binary: /b\nqemu:\n- { cpu: host, smp: 2 }\n",
			"Found a command line argument 1 with 2 pairs in the hash, but exactly one is expected.",
		},
		{
			"parameter name must be a string",
			"launcher:\n  binary: /b\nqemu:\n- 5: host\n",
			"Argument 1 name must be a string.",
		},
		{
			"parameter value must be a scalar or array",
			"launcher:\n  binary: /b\nqemu:\n- cpu: true\n",
			"Invalid value for `cpu` qemu argument 1",
		},
		{
			"array value must not be empty",
			"launcher:\n  binary: /b\nqemu:\n- device: []\n",
			"Empty value for `device` argument, consider using a string instead of an array.",
		},
		{
			"array parts must be scalars or hashes",
			"launcher:\n  binary: /b\nqemu:\n- device: [ [1] ]\n",
			"Invalid value for `device` option: must be a hash with a single pair or a string",
		},
		{
			"part hash must have one pair",
			"launcher:\n  binary: /b\nqemu:\n- device: [ { a: 1, b: 2 } ]\n",
			"Failed to parse a value for `device` argument: a hash with multiple pairs found.",
		},
		{
			"part value must be a scalar",
			"launcher:\n  binary: /b\nqemu:\n- device: [ a: [1] ]\n",
			"Failed to parse a value for `device/a` argument: value must be either a string or a number.",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := New(test.document)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), test.expected)
		})
	}
}
