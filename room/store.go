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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livecount/common"
	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// SummaryStore storage of the connection count summary cached by each room
type SummaryStore interface {
	/*
		Get fetch the cached summary of a room

		 @param ctxt context.Context - context of the caller
		 @param roomID string - the room
		 @return the summary, whether it was found, or error
	*/
	Get(ctxt context.Context, roomID string) (common.ConnectionSummary, bool, error)

	/*
		Put record the cached summary of a room, replacing the previous one

		 @param ctxt context.Context - context of the caller
		 @param roomID string - the room
		 @param summary common.ConnectionSummary - the summary
	*/
	Put(ctxt context.Context, roomID string, summary common.ConnectionSummary) error

	/*
		Touch mark the cached summary of a room as still in use, so the store keeps it

		 @param ctxt context.Context - context of the caller
		 @param roomID string - the room
		 @return whether the room has a cached summary, or error
	*/
	Touch(ctxt context.Context, roomID string) (bool, error)

	// Delete remove the cached summary of a room
	Delete(ctxt context.Context, roomID string) error
}

// ErrStoreFull the store holds as many rooms as it may, and will not evict one in use
var ErrStoreFull = errors.New("summary store full")

// ===============================================================================

// memorySummaryStore in-process SummaryStore bounded by an LRU. Summaries are only removed
// through Delete: a full store rejects new rooms instead of evicting one.
type memorySummaryStore struct {
	common.Component
	maxRooms int
	// lock makes the capacity check and the insert one step
	lock  sync.Mutex
	cache *lru.Cache[string, common.ConnectionSummary]
}

// GetMemorySummaryStore define an in-process summary store holding at most maxRooms summaries
func GetMemorySummaryStore(maxRooms int) (SummaryStore, error) {
	logTags := log.Fields{
		"module": "room", "component": "summary-store", "instance": "memory",
	}
	cache, err := lru.New[string, common.ConnectionSummary](maxRooms)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define LRU cache")
		return nil, err
	}
	return &memorySummaryStore{
		Component: common.Component{LogTags: logTags},
		maxRooms:  maxRooms,
		cache:     cache,
	}, nil
}

func (s *memorySummaryStore) Get(
	_ context.Context, roomID string,
) (common.ConnectionSummary, bool, error) {
	summary, ok := s.cache.Get(roomID)
	if !ok {
		return nil, false, nil
	}
	return summary.Copy(), true, nil
}

func (s *memorySummaryStore) Put(
	_ context.Context, roomID string, summary common.ConnectionSummary,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.cache.Contains(roomID) && s.cache.Len() >= s.maxRooms {
		log.WithFields(s.LogTags).Errorf("Summary store full, unable to cache %s", roomID)
		return fmt.Errorf("%w: %d rooms cached", ErrStoreFull, s.maxRooms)
	}
	s.cache.Add(roomID, summary.Copy())
	return nil
}

func (s *memorySummaryStore) Touch(_ context.Context, roomID string) (bool, error) {
	return s.cache.Contains(roomID), nil
}

func (s *memorySummaryStore) Delete(_ context.Context, roomID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.cache.Remove(roomID)
	return nil
}

// ===============================================================================

// RedisStoreParams redis summary store parameters
type RedisStoreParams struct {
	// KeyPrefix prefix of every summary key
	KeyPrefix string `validate:"required"`
	// TTL expiry of each summary key, refreshed on every write and Touch. The room expires
	// its cache itself, this is only a backstop for rooms whose process went away.
	TTL time.Duration `validate:"gt=0"`
}

// redisSummaryStore SummaryStore backed by redis
type redisSummaryStore struct {
	common.Component
	client redis.UniversalClient
	params RedisStoreParams
}

// GetRedisSummaryStore define a summary store backed by redis
func GetRedisSummaryStore(
	client redis.UniversalClient, params RedisStoreParams,
) (SummaryStore, error) {
	logTags := log.Fields{
		"module": "room", "component": "summary-store", "instance": "redis",
	}
	if err := common.GetValidator().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid redis store parameters")
		return nil, err
	}
	return &redisSummaryStore{
		Component: common.Component{LogTags: logTags},
		client:    client,
		params:    params,
	}, nil
}

func (s *redisSummaryStore) key(roomID string) string {
	return fmt.Sprintf("%s:%s", s.params.KeyPrefix, roomID)
}

func (s *redisSummaryStore) Get(
	ctxt context.Context, roomID string,
) (common.ConnectionSummary, bool, error) {
	raw, err := s.client.Get(ctxt, s.key(roomID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to read summary of %s", roomID)
		return nil, false, err
	}
	summary := common.ConnectionSummary{}
	if err := json.Unmarshal(raw, &summary); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Stored summary of %s is corrupt", roomID)
		return nil, false, err
	}
	return summary, true, nil
}

func (s *redisSummaryStore) Put(
	ctxt context.Context, roomID string, summary common.ConnectionSummary,
) error {
	raw, err := json.Marshal(&summary)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctxt, s.key(roomID), raw, s.params.TTL).Err(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to write summary of %s", roomID)
		return err
	}
	return nil
}

func (s *redisSummaryStore) Touch(ctxt context.Context, roomID string) (bool, error) {
	found, err := s.client.Expire(ctxt, s.key(roomID), s.params.TTL).Result()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to refresh summary of %s", roomID)
		return false, err
	}
	return found, nil
}

func (s *redisSummaryStore) Delete(ctxt context.Context, roomID string) error {
	if err := s.client.Del(ctxt, s.key(roomID)).Err(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to delete summary of %s", roomID)
		return err
	}
	return nil
}
