// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"testing"

	"github.com/absmach/netsim/topics"
	"github.com/stretchr/testify/assert"
)

func TestValidateTopic(t *testing.T) {
	assert.NoError(t, topics.ValidateTopic("chat"))
	assert.NoError(t, topics.ValidateTopic("room/a"))
	assert.ErrorIs(t, topics.ValidateTopic(""), topics.ErrInvalidTopic)
	assert.ErrorIs(t, topics.ValidateTopic("room/+"), topics.ErrInvalidTopic)
	assert.ErrorIs(t, topics.ValidateTopic("room/#"), topics.ErrInvalidTopic)
	assert.ErrorIs(t, topics.ValidateTopic("a\u0000b"), topics.ErrInvalidTopic)
}

func TestValidateFilter(t *testing.T) {
	valid := []string{"chat", "room/+", "room/#", "#", "+/b/#"}
	for _, f := range valid {
		assert.NoError(t, topics.ValidateFilter(f), f)
	}

	invalid := []string{"", "room/#/a", "room/a+", "room/#b", "a\u0000"}
	for _, f := range invalid {
		assert.ErrorIs(t, topics.ValidateFilter(f), topics.ErrInvalidFilter, f)
	}
}
