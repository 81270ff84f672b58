// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topics implements topic names and wildcard topic filters used to
// resolve publish/subscribe fan-out.
//
// Topics are '/'-separated levels. Filters may contain '+' (exactly one
// level) and a trailing '#' (zero or more remaining levels).
package topics

import "strings"

const (
	separator   = "/"
	singleLevel = "+"
	multiLevel  = "#"
)

// Match reports whether topic is matched by filter.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}
	if !HasWildcard(filter) {
		return false
	}

	filterLevels := strings.Split(filter, separator)
	topicLevels := strings.Split(topic, separator)

	for i, f := range filterLevels {
		if f == multiLevel {
			// "a/#" matches "a" as well as everything below it.
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if f != singleLevel && f != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}

// HasWildcard reports whether filter contains a wildcard level.
func HasWildcard(filter string) bool {
	return strings.ContainsAny(filter, singleLevel+multiLevel)
}
