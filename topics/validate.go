// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Validation errors.
var (
	ErrInvalidTopic  = errors.New("invalid topic: empty, contains wildcards or illegal characters")
	ErrInvalidFilter = errors.New("invalid topic filter")
)

// ValidateTopic checks a concrete topic name a message is published to.
func ValidateTopic(topic string) error {
	if !validText(topic) {
		return ErrInvalidTopic
	}
	if HasWildcard(topic) {
		return ErrInvalidTopic
	}
	return nil
}

// ValidateFilter checks a subscription filter. A '+' must occupy a whole
// level and '#' must be the last level.
func ValidateFilter(filter string) error {
	if !validText(filter) {
		return ErrInvalidFilter
	}

	levels := strings.Split(filter, separator)
	for i, level := range levels {
		switch {
		case level == multiLevel:
			if i != len(levels)-1 {
				return ErrInvalidFilter
			}
		case level == singleLevel:
		case HasWildcard(level):
			return ErrInvalidFilter
		}
	}
	return nil
}

func validText(s string) bool {
	return s != "" && utf8.ValidString(s) && !strings.Contains(s, "\u0000")
}
