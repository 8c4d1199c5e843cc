// Copyright 2022 The livecount Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package room

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/alwitt/livecount/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func exerciseSummaryStore(t *testing.T, uut SummaryStore) {
	assert := assert.New(t)
	utCtxt := context.Background()

	// Case 0: unknown room
	{
		_, found, err := uut.Get(utCtxt, "x")
		assert.Nil(err)
		assert.False(found)
	}

	// Case 1: write then read
	{
		summary := common.ConnectionSummary{"b": 2, "c": 0}
		assert.Nil(uut.Put(utCtxt, "x", summary))
		// caller mutation does not leak into the store
		summary["b"] = 9
		stored, found, err := uut.Get(utCtxt, "x")
		assert.Nil(err)
		assert.True(found)
		assert.Equal(common.ConnectionSummary{"b": 2, "c": 0}, stored)
		// reader mutation does not leak into the store
		stored["d"] = 1
		stored, _, err = uut.Get(utCtxt, "x")
		assert.Nil(err)
		assert.Equal(common.ConnectionSummary{"b": 2, "c": 0}, stored)
	}

	// Case 2: replace
	{
		assert.Nil(uut.Put(utCtxt, "x", common.ConnectionSummary{"b": 3}))
		stored, found, err := uut.Get(utCtxt, "x")
		assert.Nil(err)
		assert.True(found)
		assert.Equal(common.ConnectionSummary{"b": 3}, stored)
	}

	// Case 3: touch
	{
		found, err := uut.Touch(utCtxt, "x")
		assert.Nil(err)
		assert.True(found)
		found, err = uut.Touch(utCtxt, "unknown")
		assert.Nil(err)
		assert.False(found)
	}

	// Case 4: delete
	{
		assert.Nil(uut.Delete(utCtxt, "x"))
		_, found, err := uut.Get(utCtxt, "x")
		assert.Nil(err)
		assert.False(found)
		// deleting again is fine
		assert.Nil(uut.Delete(utCtxt, "x"))
	}
}

func TestMemorySummaryStore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	_, err := GetMemorySummaryStore(0)
	assert.NotNil(err)

	uut, err := GetMemorySummaryStore(2)
	assert.Nil(err)
	exerciseSummaryStore(t, uut)

	// Capacity bound: a full store rejects new rooms, and never evicts a cached one
	utCtxt := context.Background()
	assert.Nil(uut.Put(utCtxt, "a", common.ConnectionSummary{"b": 1}))
	assert.Nil(uut.Put(utCtxt, "b", common.ConnectionSummary{"a": 1}))
	err = uut.Put(utCtxt, "c", common.ConnectionSummary{"a": 1})
	assert.True(errors.Is(err, ErrStoreFull))
	_, found, err := uut.Get(utCtxt, "a")
	assert.Nil(err)
	assert.True(found)
	_, found, err = uut.Get(utCtxt, "c")
	assert.Nil(err)
	assert.False(found)
	// Rooms already cached can still be replaced
	assert.Nil(uut.Put(utCtxt, "a", common.ConnectionSummary{"b": 2}))
	// Room freed up
	assert.Nil(uut.Delete(utCtxt, "b"))
	assert.Nil(uut.Put(utCtxt, "c", common.ConnectionSummary{"a": 1}))
}

func TestRedisSummaryStore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err := GetRedisSummaryStore(client, RedisStoreParams{KeyPrefix: "ut"})
	assert.NotNil(err)

	uut, err := GetRedisSummaryStore(
		client, RedisStoreParams{KeyPrefix: "ut", TTL: time.Minute},
	)
	assert.Nil(err)
	exerciseSummaryStore(t, uut)

	// Key layout and TTL
	utCtxt := context.Background()
	assert.Nil(uut.Put(utCtxt, "x", common.ConnectionSummary{"y": 5}))
	assert.True(mr.Exists("ut:x"))
	assert.Equal(time.Minute, mr.TTL("ut:x"))
	// Touch restores the full TTL
	mr.FastForward(time.Second * 40)
	found, err := uut.Touch(utCtxt, "x")
	assert.Nil(err)
	assert.True(found)
	assert.Equal(time.Minute, mr.TTL("ut:x"))
	mr.FastForward(time.Second * 40)
	_, found, err = uut.Get(utCtxt, "x")
	assert.Nil(err)
	assert.True(found)
	// Untouched keys expire
	mr.FastForward(time.Minute * 2)
	_, found, err = uut.Get(utCtxt, "x")
	assert.Nil(err)
	assert.False(found)
	found, err = uut.Touch(utCtxt, "x")
	assert.Nil(err)
	assert.False(found)

	// Corrupt value
	assert.Nil(mr.Set("ut:z", "not json"))
	_, _, err = uut.Get(utCtxt, "z")
	assert.NotNil(err)
}
