// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry_test

import (
	"sync"
	"testing"

	"github.com/absmach/netsim/registry"
	"github.com/absmach/netsim/testutil"
	"github.com/absmach/netsim/topics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateNodeID(t *testing.T) {
	cases := []struct {
		id    string
		valid bool
	}{
		{"A", true},
		{"node-1", true},
		{"room/alice", true},
		{"", false},
		{" A", false},
		{"A ", false},
		{"a+b", false},
		{"a/#", false},
	}

	for _, tc := range cases {
		t.Run(tc.id, func(t *testing.T) {
			err := registry.ValidateNodeID(tc.id)
			if tc.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, registry.ErrInvalidNodeID)
		})
	}
}

func TestRegisterLookup(t *testing.T) {
	r := registry.New(nil)
	c1 := testutil.NewConn("10.0.0.1:5000")

	prev, err := r.Register("A", c1)
	require.NoError(t, err)
	assert.Nil(t, prev)

	conn, ok := r.Lookup("A")
	require.True(t, ok)
	assert.Same(t, c1, conn)

	_, ok = r.Lookup("B")
	assert.False(t, ok)

	_, err = r.Register("", c1)
	assert.ErrorIs(t, err, registry.ErrInvalidNodeID)
	assert.Equal(t, 1, r.Len())
}

func TestReRegisterReplacesConnection(t *testing.T) {
	r := registry.New(nil)
	c1 := testutil.NewConn("c1")
	c2 := testutil.NewConn("c2")

	_, err := r.Register("A", c1)
	require.NoError(t, err)
	require.NoError(t, r.Subscribe("A", "chat"))

	prev, err := r.Register("A", c2)
	require.NoError(t, err)
	assert.Same(t, c1, prev)

	// Re-registering the same connection is a no-op replacement.
	prev, err = r.Register("A", c2)
	require.NoError(t, err)
	assert.Nil(t, prev)

	info, ok := r.Node("A")
	require.True(t, ok)
	assert.Equal(t, "c2", info.RemoteAddr)
	assert.Equal(t, []string{"chat"}, info.Topics)

	// The stale connection must not remove the new registration.
	assert.False(t, r.Unregister("A", c1))
	_, ok = r.Lookup("A")
	assert.True(t, ok)

	assert.True(t, r.Unregister("A", c2))
	_, ok = r.Lookup("A")
	assert.False(t, ok)
	assert.False(t, r.Unregister("A", nil))
}

func TestSubscribe(t *testing.T) {
	r := registry.New(nil)
	for _, id := range []string{"A", "B", "C"} {
		_, err := r.Register(id, testutil.NewConn(id))
		require.NoError(t, err)
	}

	require.NoError(t, r.Subscribe("A", "chat"))
	require.NoError(t, r.Subscribe("B", "chat"))
	require.NoError(t, r.Subscribe("C", "sensors/+/temp"))
	require.NoError(t, r.Subscribe("B", "sensors/#"))

	assert.Equal(t, []string{"A", "B"}, r.SubscribersOf("chat"))
	assert.Equal(t, []string{"B", "C"}, r.SubscribersOf("sensors/kitchen/temp"))
	assert.Equal(t, []string{"B"}, r.SubscribersOf("sensors/kitchen/humidity"))
	assert.Empty(t, r.SubscribersOf("news"))

	// A node is always reachable through its own id as a topic.
	assert.Equal(t, []string{"C"}, r.SubscribersOf("C"))

	r.Unsubscribe("A", "chat")
	r.Unsubscribe("A", "never-subscribed")
	assert.Equal(t, []string{"B"}, r.SubscribersOf("chat"))

	assert.ErrorIs(t, r.Subscribe("A", "bad/#/filter"), topics.ErrInvalidFilter)
	assert.ErrorIs(t, r.Subscribe("Z", "chat"), registry.ErrInvalidNodeID)
}

func TestNodesSorted(t *testing.T) {
	r := registry.New(nil)
	for _, id := range []string{"C", "A", "B"} {
		_, err := r.Register(id, testutil.NewConn(id))
		require.NoError(t, err)
	}

	nodes := r.Nodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, "A", nodes[0].ID)
	assert.Equal(t, "B", nodes[1].ID)
	assert.Equal(t, "C", nodes[2].ID)
	assert.False(t, nodes[0].RegisteredAt.IsZero())
}

func TestConcurrentAccess(t *testing.T) {
	r := registry.New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26))
			conn := testutil.NewConn(id)
			_, _ = r.Register(id, conn)
			_ = r.Subscribe(id, "chat")
			_ = r.SubscribersOf("chat")
			_ = r.Nodes()
			r.Unregister(id, conn)
		}(i)
	}
	wg.Wait()
}
