// Copyright (c) 2020 qemu-launcher authors
//
// SPDX-License-Identifier: Apache-2.0
//

package qmp

import (
	"io"
	"math"

	"github.com/pkg/errors"
)

// Topology maps a guest vCPU position (socket, core, SMT thread) to the
// host OS task id backing it, as reported by query-cpus-fast. The inner
// thread id is the guest SMT index; the OS task id is the kernel-visible
// identifier of the hypervisor worker thread.
type Topology struct {
	topology map[int]map[int]map[int]int
}

// GetThreadID returns the OS task id of the vCPU at the given position.
func (t *Topology) GetThreadID(socketID, coreID, threadID int) (int, bool) {
	cores, ok := t.topology[socketID]
	if !ok {
		return 0, false
	}

	threads, ok := cores[coreID]
	if !ok {
		return 0, false
	}

	taskID, ok := threads[threadID]

	return taskID, ok
}

// GetTaskIDs returns the OS task ids of every vCPU, in no particular
// order.
func (t *Topology) GetTaskIDs() []int {
	var taskIDs []int

	for _, cores := range t.topology {
		for _, threads := range cores {
			for _, taskID := range threads {
				taskIDs = append(taskIDs, taskID)
			}
		}
	}

	return taskIDs
}

// ReadVCPUInfo queries the vCPU topology over a fresh QMP session bound
// to the child's standard streams.
func ReadVCPUInfo(stdout io.Reader, stdin io.Writer) (*Topology, error) {
	cpus, err := NewSession(stdout, stdin).QueryCPUsFast()
	if err != nil {
		return nil, err
	}

	return transformVCPUInfo(cpus)
}

func transformVCPUInfo(cpus []interface{}) (*Topology, error) {
	topology := map[int]map[int]map[int]int{}

	for i, cpu := range cpus {
		entry, ok := cpu.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf(
				"`return.%d` is invalid, an object is expected, but got: `%v`", i, cpu)
		}

		taskID, ok := nonNegativeInt(entry["thread-id"])
		if !ok {
			return nil, errors.Errorf(
				"`return.%d.thread-id` is invalid, a non-negative integer is expected, but got: `%v`",
				i, entry["thread-id"])
		}

		props, ok := entry["props"].(map[string]interface{})
		if !ok {
			return nil, errors.Errorf(
				"invalid vCPU info, expected `props` to be an object, but got: `%v`", entry["props"])
		}

		socketID, ok := nonNegativeInt(props["socket-id"])
		if !ok {
			return nil, errors.Errorf(
				"`return.%d.props.socket-id` is invalid, a non-negative integer is expected, but got: `%v`",
				i, props["socket-id"])
		}

		coreID, ok := nonNegativeInt(props["core-id"])
		if !ok {
			return nil, errors.Errorf(
				"`return.%d.props.core-id` is invalid, a non-negative integer is expected, but got: `%v`",
				i, props["core-id"])
		}

		threadID, ok := nonNegativeInt(props["thread-id"])
		if !ok {
			return nil, errors.Errorf(
				"`return.%d.props.thread-id` is invalid, a non-negative integer is expected, but got: `%v`",
				i, props["thread-id"])
		}

		if topology[socketID] == nil {
			topology[socketID] = map[int]map[int]int{}
		}
		if topology[socketID][coreID] == nil {
			topology[socketID][coreID] = map[int]int{}
		}
		topology[socketID][coreID][threadID] = taskID
	}

	return &Topology{topology: topology}, nil
}

// nonNegativeInt accepts the integral, non-negative numbers produced by
// decoding QMP JSON documents.
func nonNegativeInt(value interface{}) (int, bool) {
	number, ok := value.(float64)
	if !ok || number < 0 || number != math.Trunc(number) {
		return 0, false
	}

	return int(number), true
}
