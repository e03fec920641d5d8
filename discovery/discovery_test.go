/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronvark/o2/protocol"
)

func TestEngineBackoffGeometricUpToCap(t *testing.T) {
	e := NewEngine(protocol.Discovery{PeerID: "p1"})
	now := time.Now()

	require.True(t, e.DueToSend(now))
	e.MarkSent(now)
	assert.Equal(t, 200*time.Millisecond, e.interval)

	for i := 0; i < 10; i++ {
		e.MarkSent(now)
	}
	assert.Equal(t, backoffCap, e.interval)
}

func TestEngineNotDueBeforeInterval(t *testing.T) {
	e := NewEngine(protocol.Discovery{PeerID: "p1"})
	now := time.Now()
	e.MarkSent(now)
	assert.False(t, e.DueToSend(now.Add(50*time.Millisecond)))
	assert.True(t, e.DueToSend(now.Add(250*time.Millisecond)))
}

func TestShouldInitiateConnectionLowerIDWins(t *testing.T) {
	assert.True(t, ShouldInitiateConnection("alpha", "beta"))
	assert.False(t, ShouldInitiateConnection("beta", "alpha"))
	assert.False(t, ShouldInitiateConnection("same", "same"))
}

func TestCompatibleSameMajor(t *testing.T) {
	ok, err := Compatible("1.2.0", "1.0.0")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompatibleDifferentMajorRejected(t *testing.T) {
	ok, err := Compatible("1.0.0", "2.0.0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompatibleTooOldRejected(t *testing.T) {
	ok, err := Compatible("1.5.0", "0.9.0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplicatorFullThenIncremental(t *testing.T) {
	r := NewReplicator()

	added, removed := r.Diff("peer1", []string{"synth", "drums"})
	assert.ElementsMatch(t, []string{"synth", "drums"}, added)
	assert.Empty(t, removed)

	added, removed = r.Diff("peer1", []string{"synth", "drums"})
	assert.Empty(t, added)
	assert.Empty(t, removed)

	added, removed = r.Diff("peer1", []string{"synth", "bass"})
	assert.Equal(t, []string{"bass"}, added)
	assert.Equal(t, []string{"drums"}, removed)
}

func TestReplicatorForgetResetsFull(t *testing.T) {
	r := NewReplicator()
	r.Diff("peer1", []string{"synth"})
	r.Forget("peer1")

	added, _ := r.Diff("peer1", []string{"synth"})
	assert.Equal(t, []string{"synth"}, added)
}
