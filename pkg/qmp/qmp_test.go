// Copyright (c) 2020 qemu-launcher authors
//
// SPDX-License-Identifier: Apache-2.0
//

package qmp

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const qmpGreeting = `{"QMP":{"version":{"qemu":{"micro":0,"minor":6,"major":1},"package":""},"capabilities":[]}}` + "\n"

const twoCPUsPayload = `{"return":[` +
	`{"cpu-index":0,"qom-path":"/machine/unattached/device[0]","thread-id":25627,` +
	`"target":"x86_64","props":{"socket-id":0,"core-id":0,"thread-id":0}},` +
	`{"cpu-index":1,"qom-path":"/machine/unattached/device[2]","thread-id":25628,` +
	`"target":"x86_64","props":{"socket-id":0,"core-id":0,"thread-id":1}}]}` + "\n"

func qmpTranscript(messages ...string) (*bytes.Buffer, *bytes.Buffer) {
	return bytes.NewBufferString(strings.Join(messages, "")), &bytes.Buffer{}
}

func TestReadVCPUInfoTopology(t *testing.T) {
	stdout, stdin := qmpTranscript(qmpGreeting, `{"return":{}}`+"\n", twoCPUsPayload)

	topology, err := ReadVCPUInfo(stdout, stdin)
	assert.NoError(t, err)

	assert.Equal(t,
		`{"execute":"qmp_capabilities"}{"execute":"query-cpus-fast"}`,
		stdin.String())

	taskID, ok := topology.GetThreadID(0, 0, 0)
	assert.True(t, ok)
	assert.Equal(t, 25627, taskID)

	taskID, ok = topology.GetThreadID(0, 0, 1)
	assert.True(t, ok)
	assert.Equal(t, 25628, taskID)

	_, ok = topology.GetThreadID(1, 0, 0)
	assert.False(t, ok)
	_, ok = topology.GetThreadID(0, 1, 0)
	assert.False(t, ok)
	_, ok = topology.GetThreadID(0, 0, 2)
	assert.False(t, ok)

	assert.ElementsMatch(t, []int{25627, 25628}, topology.GetTaskIDs())
}

func TestSessionNegotiationIsMemoized(t *testing.T) {
	stdout, stdin := qmpTranscript(
		qmpGreeting,
		`{"return":{}}`+"\n",
		`{"return":[]}`+"\n",
		`{"return":[]}`+"\n",
	)

	session := NewSession(stdout, stdin)

	_, err := session.QueryCPUsFast()
	assert.NoError(t, err)

	// the greeting was consumed once; the second query only issues the
	// command itself
	_, err = session.QueryCPUsFast()
	assert.NoError(t, err)

	assert.Equal(t,
		`{"execute":"qmp_capabilities"}{"execute":"query-cpus-fast"}{"execute":"query-cpus-fast"}`,
		stdin.String())
}

func TestSessionRejectsWelcomeWithoutCapabilities(t *testing.T) {
	stdout, stdin := qmpTranscript(`{"QMP":{"version":{}}}` + "\n")

	_, err := NewSession(stdout, stdin).QueryCPUsFast()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "QMP.capabilities")
	assert.Empty(t, stdin.String())
}

func TestSessionReportsReadFailure(t *testing.T) {
	stdout, stdin := qmpTranscript()

	_, err := NewSession(stdout, stdin).QueryCPUsFast()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read a message from the QMP socket")
}

func TestSessionReportsUnparsableResponse(t *testing.T) {
	stdout, stdin := qmpTranscript("not a json document\n")

	_, err := NewSession(stdout, stdin).QueryCPUsFast()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse the QMP response `not a json document`")
}

func TestSessionReportsErrorResponse(t *testing.T) {
	stdout, stdin := qmpTranscript(
		qmpGreeting,
		`{"error":{"class":"GenericError","desc":"command is not supported"}}`+"\n",
	)

	_, err := NewSession(stdout, stdin).QueryCPUsFast()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "command is not supported")
}

func TestSessionReportsMissingReturnField(t *testing.T) {
	stdout, stdin := qmpTranscript(
		qmpGreeting,
		`{"event":"POWERDOWN"}`+"\n",
	)

	_, err := NewSession(stdout, stdin).QueryCPUsFast()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "missing `return` field")
}

func TestQueryCPUsFastRejectsNonArrayReturn(t *testing.T) {
	stdout, stdin := qmpTranscript(
		qmpGreeting,
		`{"return":{}}`+"\n",
		`{"return":{"cpus":[]}}`+"\n",
	)

	_, err := NewSession(stdout, stdin).QueryCPUsFast()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "an array is expected")
}
