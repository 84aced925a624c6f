// Copyright (c) 2020 qemu-launcher authors
//
// SPDX-License-Identifier: Apache-2.0
//

package qmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func vcpuEntry(taskID, socketID, coreID, threadID interface{}) map[string]interface{} {
	return map[string]interface{}{
		"thread-id": taskID,
		"props": map[string]interface{}{
			"socket-id": socketID,
			"core-id":   coreID,
			"thread-id": threadID,
		},
	}
}

func TestTransformVCPUInfoBuildsSparseTopology(t *testing.T) {
	topology, err := transformVCPUInfo([]interface{}{
		vcpuEntry(float64(1000), float64(0), float64(0), float64(0)),
		vcpuEntry(float64(2000), float64(1), float64(3), float64(1)),
	})
	assert.NoError(t, err)

	taskID, ok := topology.GetThreadID(1, 3, 1)
	assert.True(t, ok)
	assert.Equal(t, 2000, taskID)

	_, ok = topology.GetThreadID(1, 0, 0)
	assert.False(t, ok)
}

func TestTransformVCPUInfoRejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name     string
		cpus     []interface{}
		expected string
	}{
		{
			"non-object entry",
			[]interface{}{"cpu"},
			"`return.0` is invalid",
		},
		{
			"missing task id",
			[]interface{}{map[string]interface{}{"props": map[string]interface{}{}}},
			"`return.0.thread-id` is invalid",
		},
		{
			"negative task id",
			[]interface{}{vcpuEntry(float64(-1), float64(0), float64(0), float64(0))},
			"`return.0.thread-id` is invalid",
		},
		{
			"fractional task id",
			[]interface{}{vcpuEntry(float64(1.5), float64(0), float64(0), float64(0))},
			"`return.0.thread-id` is invalid",
		},
		{
			"missing props",
			[]interface{}{map[string]interface{}{"thread-id": float64(1)}},
			"expected `props` to be an object",
		},
		{
			"invalid socket id",
			[]interface{}{vcpuEntry(float64(1), "zero", float64(0), float64(0))},
			"`return.0.props.socket-id` is invalid",
		},
		{
			"invalid core id",
			[]interface{}{vcpuEntry(float64(1), float64(0), nil, float64(0))},
			"`return.0.props.core-id` is invalid",
		},
		{
			"invalid thread id",
			[]interface{}{vcpuEntry(float64(1), float64(0), float64(0), float64(-2))},
			"`return.0.props.thread-id` is invalid",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := transformVCPUInfo(test.cpus)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), test.expected)
		})
	}
}

func TestTopologyGetTaskIDsEmpty(t *testing.T) {
	topology, err := transformVCPUInfo(nil)
	assert.NoError(t, err)
	assert.Empty(t, topology.GetTaskIDs())
}
