// Copyright (c) 2020 qemu-launcher authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package qmp implements the small slice of the QEMU machine protocol
// the launcher needs: capability negotiation on the monitor bound to
// the child's standard streams, and the query-cpus-fast topology query.
package qmp

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Session is a QMP session over the hypervisor's standard streams. Each
// message read from the hypervisor is a single JSON document terminated
// by a line feed; commands are written without a trailing line feed. The
// capability negotiation is performed once per session; subsequent
// commands reuse the negotiated state.
type Session struct {
	reader     *bufio.Reader
	writer     io.Writer
	negotiated bool
}

// NewSession wraps the child's stdout (read side) and stdin (write
// side) into a QMP session.
func NewSession(stdout io.Reader, stdin io.Writer) *Session {
	return &Session{
		reader: bufio.NewReader(stdout),
		writer: stdin,
	}
}

func (s *Session) negotiate() error {
	if s.negotiated {
		return nil
	}

	greeting, raw, err := s.readMessage()
	if err != nil {
		return err
	}

	welcome, ok := greeting["QMP"].(map[string]interface{})
	if !ok || welcome["capabilities"] == nil {
		return errors.Errorf(
			"missing `QMP.capabilities` field in the welcome QMP message: `%s`", raw)
	}

	if _, err := s.command("qmp_capabilities"); err != nil {
		return err
	}

	s.negotiated = true

	return nil
}

func (s *Session) readMessage() (map[string]interface{}, string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return nil, "", errors.Errorf("failed to read a message from the QMP socket: `%v`", err)
	}

	line = strings.TrimSpace(line)

	var message map[string]interface{}
	if err := json.Unmarshal([]byte(line), &message); err != nil {
		return nil, "", errors.Errorf("failed to parse the QMP response `%s`: `%v`", line, err)
	}

	return message, line, nil
}

func (s *Session) command(execute string) (interface{}, error) {
	request, err := json.Marshal(struct {
		Execute string `json:"execute"`
	}{execute})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode the `%s` QMP command", execute)
	}

	if _, err := s.writer.Write(request); err != nil {
		return nil, errors.Wrapf(err, "failed to send the `%s` QMP command", execute)
	}

	response, raw, err := s.readMessage()
	if err != nil {
		return nil, err
	}

	if response["error"] != nil {
		desc := response["error"]
		if details, ok := desc.(map[string]interface{}); ok {
			desc = details["desc"]
		}

		return nil, errors.Errorf("received an error QMP response: `%v`", desc)
	}

	result, ok := response["return"]
	if !ok {
		return nil, errors.Errorf("missing `return` field in the QMP response: `%s`", raw)
	}

	return result, nil
}

// QueryCPUsFast negotiates capabilities if needed and returns the raw
// vCPU descriptions reported by the hypervisor.
func (s *Session) QueryCPUsFast() ([]interface{}, error) {
	if err := s.negotiate(); err != nil {
		return nil, err
	}

	result, err := s.command("query-cpus-fast")
	if err != nil {
		return nil, err
	}

	cpus, ok := result.([]interface{})
	if !ok {
		return nil, errors.Errorf(
			"unexpected `query-cpus-fast` response, an array is expected, but got: `%v`", result)
	}

	return cpus, nil
}
