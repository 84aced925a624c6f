// Copyright (c) 2020 qemu-launcher authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package config decodes the declarative per-VM configuration document.
// A document has two top level sections: `launcher` describes how to run
// the hypervisor (identities, environment, vCPU pinning, scheduling) and
// `qemu` lists the command line options to pass to it.
package config

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// schedulers are the scheduling classes understood by chrt.
var schedulers = map[string]bool{
	"batch":    true,
	"deadline": true,
	"fifo":     true,
	"idle":     true,
	"other":    true,
	"rr":       true,
}

type argument struct {
	name  string
	value string
	flag  bool
}

// PinEntry maps one guest vCPU position to a host hardware thread.
type PinEntry struct {
	Socket int
	Core   int
	Thread int
	Host   int
}

// Config is the decoded and validated per-VM configuration.
type Config struct {
	user        *uint16
	group       *uint16
	cpuPinning  []PinEntry
	qemuBinary  string
	clearEnv    bool
	env         map[string]string
	priority    *uint8
	scheduler   string
	commandLine []argument
}

// New decodes a configuration document and validates every field.
func New(document string) (*Config, error) {
	var doc yaml.MapSlice
	if err := yaml.Unmarshal([]byte(document), &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse the configuration document")
	}

	if len(doc) == 0 {
		return nil, errors.New("Supplied configuration is empty.")
	}

	launcher, _ := lookup(doc, "launcher").(yaml.MapSlice)

	user, err := parseUint16(launcher, "user")
	if err != nil {
		return nil, err
	}

	group, err := parseUint16(launcher, "group")
	if err != nil {
		return nil, err
	}

	cpuPinning, err := parseCPUPinning(launcher)
	if err != nil {
		return nil, err
	}

	qemuBinary, err := parseQemuBinary(launcher)
	if err != nil {
		return nil, err
	}

	clearEnv, err := parseClearEnv(launcher)
	if err != nil {
		return nil, err
	}

	env, err := parseEnv(launcher)
	if err != nil {
		return nil, err
	}

	priority, err := parsePriority(launcher)
	if err != nil {
		return nil, err
	}

	scheduler, err := parseScheduler(launcher)
	if err != nil {
		return nil, err
	}

	commandLine, err := parseCommandLine(doc)
	if err != nil {
		return nil, err
	}

	return &Config{
		user:        user,
		group:       group,
		cpuPinning:  cpuPinning,
		qemuBinary:  qemuBinary,
		clearEnv:    clearEnv,
		env:         env,
		priority:    priority,
		scheduler:   scheduler,
		commandLine: commandLine,
	}, nil
}

// User returns the effective user id for the child, if one is set.
func (c *Config) User() (uint16, bool) {
	if c.user == nil {
		return 0, false
	}

	return *c.user, true
}

// Group returns the effective group id for the child, if one is set.
func (c *Config) Group() (uint16, bool) {
	if c.group == nil {
		return 0, false
	}

	return *c.group, true
}

// CPUPinning returns the pinning entries in document order.
func (c *Config) CPUPinning() []PinEntry {
	return c.cpuPinning
}

// HasCPUPinning reports whether any pinning entry is configured.
func (c *Config) HasCPUPinning() bool {
	return len(c.cpuPinning) > 0
}

// QemuBinaryPath returns the path of the hypervisor executable.
func (c *Config) QemuBinaryPath() string {
	return c.qemuBinary
}

// ShouldClearEnv reports whether the child starts with an empty
// environment.
func (c *Config) ShouldClearEnv() bool {
	return c.clearEnv
}

// EnvVars returns the additional environment variables for the child.
func (c *Config) EnvVars() map[string]string {
	return c.env
}

// HasEnvVars reports whether any additional environment variable is
// configured.
func (c *Config) HasEnvVars() bool {
	return len(c.env) > 0
}

// HasScheduling reports whether a real-time scheduling pass was
// requested. Scheduling is applied only when both the class and the
// priority are present.
func (c *Config) HasScheduling() bool {
	return c.scheduler != "" && c.priority != nil
}

// Priority returns the configured scheduling priority, if one is set.
func (c *Config) Priority() (uint8, bool) {
	if c.priority == nil {
		return 0, false
	}

	return *c.priority, true
}

// Scheduler returns the configured scheduling class, or the empty
// string.
func (c *Config) Scheduler() string {
	return c.scheduler
}

// CommandLineOptions renders the configured options as the argument
// vector for the child: flags as `-flag`, parameters as `-name value`.
func (c *Config) CommandLineOptions() []string {
	var options []string

	for _, option := range c.commandLine {
		options = append(options, "-"+option.name)
		if !option.flag {
			options = append(options, option.value)
		}
	}

	return options
}

func lookup(mapping yaml.MapSlice, key string) interface{} {
	for _, item := range mapping {
		if name, ok := item.Key.(string); ok && name == key {
			return item.Value
		}
	}

	return nil
}

func parseClearEnv(launcher yaml.MapSlice) (bool, error) {
	value := lookup(launcher, "clear_env")
	if value == nil {
		return false, nil
	}

	clear, ok := value.(bool)
	if !ok {
		return false, errors.New(
			"Invalid value for `launcher.clear_env` value: a boolean is expected.")
	}

	return clear, nil
}

func parseQemuBinary(launcher yaml.MapSlice) (string, error) {
	binary, ok := lookup(launcher, "binary").(string)
	if !ok {
		return "", errors.New(
			"qemu binary path is not specified, missing or the `launcher.binary` key has an invalid type.")
	}

	return binary, nil
}

func parseEnv(launcher yaml.MapSlice) (map[string]string, error) {
	value := lookup(launcher, "env")
	if value == nil {
		return map[string]string{}, nil
	}

	env, ok := value.(yaml.MapSlice)
	if !ok {
		return nil, errors.New("Invalid value for the `launcher.env` key: a hash expected.")
	}

	envVars := map[string]string{}
	for _, item := range env {
		name, ok := item.Key.(string)
		if !ok {
			return nil, errors.New("Environment variable name must be a string.")
		}

		switch value := item.Value.(type) {
		case bool:
			envVars[name] = strconv.FormatBool(value)
		case int:
			envVars[name] = strconv.Itoa(value)
		case float64:
			envVars[name] = strconv.FormatFloat(value, 'g', -1, 64)
		case string:
			envVars[name] = value
		default:
			return nil, errors.Errorf("Invalid value for the `%s` environment variable.", name)
		}
	}

	return envVars, nil
}

func parseUint16(launcher yaml.MapSlice, key string) (*uint16, error) {
	value := lookup(launcher, key)
	if value == nil {
		return nil, nil
	}

	number, ok := value.(int)
	if !ok {
		return nil, errors.Errorf(
			"Invalid value for `launcher.%s` option: unsigned 16-bit integer expected.", key)
	}

	if number < 0 || number > math.MaxUint16 {
		return nil, errors.Errorf(
			"Invalid value for `launcher.%s` option: given value is out of bounds, expected an unsigned 16-bit integer.", key)
	}

	id := uint16(number)

	return &id, nil
}

func parsePriority(launcher yaml.MapSlice) (*uint8, error) {
	value := lookup(launcher, "priority")
	if value == nil {
		return nil, nil
	}

	number, ok := value.(int)
	if !ok {
		return nil, errors.New("Failed to parse `launcher.priority`: an integer expected.")
	}

	if number < 0 || number > math.MaxUint8 {
		return nil, errors.New("Wrong value for `launcher.priority`: value out of bounds.")
	}

	priority := uint8(number)

	return &priority, nil
}

func parseScheduler(launcher yaml.MapSlice) (string, error) {
	value := lookup(launcher, "scheduler")
	if value == nil {
		return "", nil
	}

	scheduler, ok := value.(string)
	if !ok {
		return "", errors.New("Failed to parse `launcher.scheduler`: string expected.")
	}

	if !schedulers[scheduler] {
		return "", errors.New(
			"Failed to parse `launcher.scheduler`: Expected one of `batch`, `deadline`, `fifo`, `idle`, `other` or `rr`.")
	}

	return scheduler, nil
}

func parseCPUPinning(launcher yaml.MapSlice) ([]PinEntry, error) {
	value := lookup(launcher, "vcpu_pinning")
	if value == nil {
		return nil, nil
	}

	sockets, ok := value.(yaml.MapSlice)
	if !ok {
		return nil, errors.New(
			"Failed to parse `launcher.vcpu_pinning` configuration: a hash is expected.")
	}

	var pinning []PinEntry
	for _, socket := range sockets {
		socketID, ok := asNonNegativeInt(socket.Key)
		if !ok {
			return nil, errors.New(
				"Failed to parse `launcher.vcpu_pinning`: the socket ID must be an integer greater or equal to zero.")
		}

		cores, ok := socket.Value.(yaml.MapSlice)
		if !ok {
			return nil, errors.Errorf(
				"Failed to parse `launcher.vcpu_pinning.%d`: a hash expected.", socketID)
		}

		socketPinning, err := parseCPUPinningCores(socketID, cores)
		if err != nil {
			return nil, err
		}

		pinning = append(pinning, socketPinning...)
	}

	if err := checkHostUniqueness(pinning); err != nil {
		return nil, err
	}

	return pinning, nil
}

func parseCPUPinningCores(socketID int, cores yaml.MapSlice) ([]PinEntry, error) {
	var pinning []PinEntry

	for _, core := range cores {
		coreID, ok := asNonNegativeInt(core.Key)
		if !ok {
			return nil, errors.Errorf(
				"Failed to parse `launcher.vcpu_pinning.%d`: the core ID must be an integer greater or equal to zero.", socketID)
		}

		threads, ok := core.Value.(yaml.MapSlice)
		if !ok {
			return nil, errors.Errorf(
				"Failed to parse `launcher.vcpu_pinning.%d.%d`: a hash expected.", socketID, coreID)
		}

		corePinning, err := parseCPUPinningThreads(socketID, coreID, threads)
		if err != nil {
			return nil, err
		}

		pinning = append(pinning, corePinning...)
	}

	return pinning, nil
}

func parseCPUPinningThreads(socketID, coreID int, threads yaml.MapSlice) ([]PinEntry, error) {
	var pinning []PinEntry

	for _, thread := range threads {
		threadID, ok := asNonNegativeInt(thread.Key)
		if !ok {
			return nil, errors.Errorf(
				"Failed to parse `launcher.vcpu_pinning.%d.%d`: the thread ID must be an integer greater or equal to zero.", socketID, coreID)
		}

		hostID, ok := asNonNegativeInt(thread.Value)
		if !ok {
			return nil, errors.Errorf(
				"Failed to parse `launcher.vcpu_pinning.%d.%d.%d`: the host core ID must be an integer greater or equal to zero.",
				socketID, coreID, threadID)
		}

		pinning = append(pinning, PinEntry{
			Socket: socketID,
			Core:   coreID,
			Thread: threadID,
			Host:   hostID,
		})
	}

	return pinning, nil
}

// checkHostUniqueness rejects configurations where two guest threads
// would contend for one host thread.
func checkHostUniqueness(pinning []PinEntry) error {
	seen := map[int]bool{}

	for _, entry := range pinning {
		if seen[entry.Host] {
			return errors.Errorf(
				"Duplicate host cpu thread `%d` in `launcher.vcpu_pinning`: every vCPU must be pinned to a distinct host thread.",
				entry.Host)
		}
		seen[entry.Host] = true
	}

	return nil
}

func parseCommandLine(doc yaml.MapSlice) ([]argument, error) {
	options, ok := lookup(doc, "qemu").([]interface{})
	if !ok {
		return nil, errors.New(
			"Failed to parse qemu command line options: missing or invalid value, array expected.")
	}

	var arguments []argument
	for i, option := range options {
		position := i + 1

		switch option := option.(type) {
		case string:
			arguments = append(arguments, argument{name: option, flag: true})
		case yaml.MapSlice:
			parameter, err := parseParameter(option, position)
			if err != nil {
				return nil, err
			}
			arguments = append(arguments, parameter)
		default:
			return nil, errors.Errorf(
				"Failed to parse qemu command line option %d. Every option must be either a string or a hash.", position)
		}
	}

	// the monitor is always bound to the child's standard streams
	arguments = append(arguments, argument{name: "qmp", value: "stdio"})

	return arguments, nil
}

func parseParameter(option yaml.MapSlice, position int) (argument, error) {
	if len(option) != 1 {
		return argument{}, errors.Errorf(
			"Found a command line argument %d with %d pairs in the hash, but exactly one is expected.",
			position, len(option))
	}

	name, ok := option[0].Key.(string)
	if !ok {
		return argument{}, errors.Errorf("Argument %d name must be a string.", position)
	}

	var value string
	switch optionValue := option[0].Value.(type) {
	case int:
		value = strconv.Itoa(optionValue)
	case float64:
		value = strconv.FormatFloat(optionValue, 'g', -1, 64)
	case string:
		value = optionValue
	case []interface{}:
		parsed, err := parseParameterValue(name, optionValue)
		if err != nil {
			return argument{}, err
		}
		value = parsed
	default:
		return argument{}, errors.Errorf(
			"Invalid value for `%s` qemu argument %d: expected a string, number or a hash with a single pair.",
			name, position)
	}

	return argument{name: name, value: value}, nil
}

func parseParameterValue(name string, values []interface{}) (string, error) {
	if len(values) == 0 {
		return "", errors.Errorf(
			"Empty value for `%s` argument, consider using a string instead of an array.", name)
	}

	var parts []string
	for _, value := range values {
		switch value := value.(type) {
		case string:
			parts = append(parts, value)
		case int:
			parts = append(parts, strconv.Itoa(value))
		case float64:
			parts = append(parts, strconv.FormatFloat(value, 'g', -1, 64))
		case yaml.MapSlice:
			part, err := parseParameterValuePart(name, value)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		default:
			return "", errors.Errorf(
				"Invalid value for `%s` option: must be a hash with a single pair or a string", name)
		}
	}

	return strings.Join(parts, ","), nil
}

func parseParameterValuePart(name string, part yaml.MapSlice) (string, error) {
	if len(part) != 1 {
		return "", errors.Errorf(
			"Failed to parse a value for `%s` argument: a hash with multiple pairs found.", name)
	}

	partName, ok := part[0].Key.(string)
	if !ok {
		return "", errors.Errorf(
			"Failed to parse a value for `%s` argument: a property name must be a string.", name)
	}

	switch value := part[0].Value.(type) {
	case string:
		return partName + "=" + value, nil
	case int:
		return partName + "=" + strconv.Itoa(value), nil
	case float64:
		return partName + "=" + strconv.FormatFloat(value, 'g', -1, 64), nil
	default:
		return "", errors.Errorf(
			"Failed to parse a value for `%s/%s` argument: value must be either a string or a number.",
			name, partName)
	}
}

func asNonNegativeInt(value interface{}) (int, bool) {
	number, ok := value.(int)
	if !ok || number < 0 {
		return 0, false
	}

	return number, true
}
