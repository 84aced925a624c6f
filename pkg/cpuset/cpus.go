// Copyright (c) 2020 qemu-launcher authors
//
// SPDX-License-Identifier: Apache-2.0
//

package cpuset

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseCPUsList expands the kernel cpuset list notation ("0-3,5,7-9")
// into the ordered slice of CPU ids it denotes. The empty string denotes
// the empty set. The input always originates from a cpuset.cpus file, so
// any shape the kernel would not produce is reported as an error rather
// than being skipped over.
func ParseCPUsList(spec string) ([]int, error) {
	if len(spec) == 0 {
		return []int{}, nil
	}

	var cpus []int

	for _, group := range strings.Split(spec, ",") {
		bounds := strings.Split(group, "-")

		switch len(bounds) {
		case 1:
			cpu, err := strconv.Atoi(bounds[0])
			if err != nil {
				return nil, errors.Errorf("malformed cpu core specification: %s", spec)
			}
			cpus = append(cpus, cpu)
		case 2:
			first, err := strconv.Atoi(bounds[0])
			if err != nil {
				return nil, errors.Errorf("malformed cpu core specification: %s", spec)
			}
			last, err := strconv.Atoi(bounds[1])
			if err != nil {
				return nil, errors.Errorf("malformed cpu core specification: %s", spec)
			}
			for cpu := first; cpu <= last; cpu++ {
				cpus = append(cpus, cpu)
			}
		default:
			return nil, errors.Errorf("malformed cpu core specification: %s", spec)
		}
	}

	return cpus, nil
}

// FormatCPUsList renders a list of CPU ids in the expanded form the
// kernel accepts for cpuset.cpus writes. Ranges are not coalesced.
func FormatCPUsList(cpus []int) string {
	elements := make([]string, len(cpus))
	for i, cpu := range cpus {
		elements[i] = strconv.Itoa(cpu)
	}

	return strings.Join(elements, ",")
}
