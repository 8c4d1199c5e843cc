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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livecount/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Joiner connects client sessions to rooms
type Joiner interface {
	/*
		Join connect a session to a room, starting the room if needed

		 @param ctxt context.Context - context of the caller
		 @param roomID string - the room
		 @param session ClientSession - the joining client
		 @return the room joined
	*/
	Join(ctxt context.Context, roomID string, session ClientSession) (Aggregator, error)
}

// SessionParams websocket client session parameters
type SessionParams struct {
	// ReadLimit max size of one inbound message in bytes
	ReadLimit int64 `validate:"gte=512"`
	// PingInterval interval between keep-alive pings
	PingInterval time.Duration `validate:"gt=0"`
	// WriteTimeout max duration of one write
	WriteTimeout time.Duration `validate:"gt=0"`
	// SendQueueDepth number of outbound messages buffered
	SendQueueDepth int `validate:"gte=1"`
}

// WSSession a client connected over websocket
type WSSession struct {
	common.Component
	id        string
	conn      *websocket.Conn
	params    SessionParams
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// GetWSSession wrap an upgraded websocket connection
func GetWSSession(conn *websocket.Conn, params SessionParams) (*WSSession, error) {
	id := uuid.NewString()
	logTags := log.Fields{
		"module": "room", "component": "ws-session", "instance": id,
	}
	if err := common.GetValidator().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid session parameters")
		return nil, err
	}
	return &WSSession{
		Component: common.Component{LogTags: logTags},
		id:        id,
		conn:      conn,
		params:    params,
		send:      make(chan []byte, params.SendQueueDepth),
		done:      make(chan struct{}),
	}, nil
}

// ID the session ID
func (s *WSSession) ID() string {
	return s.id
}

// TrySend queue a message for the client. Fails if the queue is full or the session closed.
func (s *WSSession) TrySend(msg []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("session %s closed", s.id)
	default:
	}
	select {
	case s.send <- msg:
		return nil
	default:
		return fmt.Errorf("session %s send queue full", s.id)
	}
}

func (s *WSSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Websocket close failed")
		}
	})
}

/*
Serve join the room, and pump messages until the client goes away or ctxt is cancelled

	@param ctxt context.Context - lifetime of the session
	@param rooms Joiner - the rooms hosted by this process
	@param roomID string - the room to join
*/
func (s *WSSession) Serve(ctxt context.Context, rooms Joiner, roomID string) error {
	logTags := s.CopyLogTags()
	logTags["room"] = roomID

	room, err := rooms.Join(ctxt, roomID, s)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to join room")
		s.close()
		return err
	}
	log.WithFields(logTags).Debug("Joined room")

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(ctxt, logTags)
	}()

	s.readPump(ctxt, room, logTags)
	s.close()
	wg.Wait()

	// The session context may be gone already
	leaveCtxt, cancel := context.WithTimeout(context.Background(), s.params.WriteTimeout)
	defer cancel()
	if err := room.OnDisconnect(leaveCtxt, s.id); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to leave room")
		return err
	}
	log.WithFields(logTags).Debug("Left room")
	return nil
}

func (s *WSSession) pongWait() time.Duration {
	return s.params.PingInterval * 10 / 9
}

func (s *WSSession) readPump(ctxt context.Context, room Aggregator, logTags log.Fields) {
	s.conn.SetReadLimit(s.params.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait()))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait()))
	})
	for {
		msgType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			) {
				log.WithError(err).WithFields(logTags).Error("Websocket read failed")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := room.OnMessage(ctxt, s.id, payload); err != nil {
			log.WithError(err).WithFields(logTags).Error("Message processing failed")
		}
	}
}

func (s *WSSession) writePump(ctxt context.Context, logTags log.Fields) {
	ticker := time.NewTicker(s.params.PingInterval)
	defer ticker.Stop()
	defer s.close()
	for {
		select {
		case <-ctxt.Done():
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(s.params.WriteTimeout),
			)
			return
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.params.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.WithError(err).WithFields(logTags).Error("Websocket write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.params.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).WithFields(logTags).Error("Websocket ping failed")
				return
			}
		}
	}
}
