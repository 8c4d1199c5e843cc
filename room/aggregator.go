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
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/livecount/common"
	"github.com/alwitt/livecount/hub"
	"github.com/alwitt/livecount/metrics"
	"github.com/apex/log"
)

// ClientSession a client connected to a room
type ClientSession interface {
	// ID the session ID, unique within the room
	ID() string
	// TrySend queue a message for the client without blocking
	TrySend(msg []byte) error
}

// Aggregator the per-room connection count aggregator. All events of one room are processed
// in submission order by a single event loop.
type Aggregator interface {
	// RoomID the room served
	RoomID() string

	/*
		OnConnect register a new client and report the new client tally to the hub

		 @param ctxt context.Context - context of the caller
		 @param session ClientSession - the new client
	*/
	OnConnect(ctxt context.Context, session ClientSession) error

	/*
		OnDisconnect remove a client and report the new client tally to the hub

		 @param ctxt context.Context - context of the caller
		 @param sessionID string - ID of the departing client
	*/
	OnDisconnect(ctxt context.Context, sessionID string) error

	/*
		OnMessage process a message from a client. Messages which are not valid JSON or which
		carry no recognized type are ignored.

		 @param ctxt context.Context - context of the caller
		 @param sessionID string - ID of the sending client
		 @param payload []byte - the raw message
	*/
	OnMessage(ctxt context.Context, sessionID string, payload []byte) error

	/*
		OnUpdate process a connection count change pushed by the hub

		 @param ctxt context.Context - context of the caller
		 @param update common.ConnectionCountUpdate - the change
	*/
	OnUpdate(ctxt context.Context, update common.ConnectionCountUpdate) error

	// Summary fetch the cached summary, if one exists
	Summary(ctxt context.Context) (common.ConnectionSummary, bool, error)

	/*
		Retire retire the room if it has no clients and no cache. A retired room refuses new
		clients with ErrRoomRetired.

		 @param ctxt context.Context - context of the caller
		 @return whether the room is retired
	*/
	Retire(ctxt context.Context) (bool, error)

	// Stop stop the aggregator
	Stop() error
}

// AggregatorParams room aggregator parameters
type AggregatorParams struct {
	// RoomID the room
	RoomID string `validate:"required,room_id"`
	// ExpiryDelay delay between a cache write, or the last expiry check, and the next check
	ExpiryDelay time.Duration `validate:"gt=0"`
	// EventQueueDepth number of pending events buffered
	EventQueueDepth int `validate:"gte=1"`
	// HubRequestTimeout max duration of one hub request
	HubRequestTimeout time.Duration `validate:"gt=0"`
	// OnIdle optional callback, called when an expiry check finds the room without clients
	// and without cache
	OnIdle func(room Aggregator)
}

// ErrRoomRetired the room was retired and accepts no more clients
var ErrRoomRetired = errors.New("room retired")

// aggregatorImpl implements Aggregator
type aggregatorImpl struct {
	common.Component
	params   AggregatorParams
	hub      hub.Client
	store    SummaryStore
	metrics  *metrics.Collectors
	tp       common.TaskProcessor
	timer    common.IntervalTimer
	reporter *countReporter
	ctxt     context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup

	// Only accessed from within the event loop
	clients          map[string]ClientSession
	expiryGeneration uint64
	expiryArmed      bool
	retired          bool
}

// GetAggregator define a new room aggregator and start its event loop
func GetAggregator(
	parentCtxt context.Context,
	params AggregatorParams,
	hubClient hub.Client,
	store SummaryStore,
	collectors *metrics.Collectors,
	wg *sync.WaitGroup,
) (Aggregator, error) {
	logTags := log.Fields{
		"module": "room", "component": "aggregator", "instance": params.RoomID,
	}
	if err := common.GetValidator().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid aggregator parameters")
		return nil, err
	}

	ctxt, cancel := context.WithCancel(parentCtxt)
	tp, err := common.GetNewTaskProcessorInstance(params.RoomID, params.EventQueueDepth, ctxt)
	if err != nil {
		cancel()
		return nil, err
	}
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s.expiry", params.RoomID), ctxt, wg,
	)
	if err != nil {
		cancel()
		return nil, err
	}

	instance := &aggregatorImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		hub:       hubClient,
		store:     store,
		metrics:   collectors,
		tp:        tp,
		timer:     timer,
		ctxt:      ctxt,
		cancel:    cancel,
		wg:        wg,
		clients:   make(map[string]ClientSession),
	}
	instance.reporter = startCountReporter(
		ctxt, params.RoomID, hubClient, params.HubRequestTimeout, collectors, wg,
	)

	handlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(aggConnectRequest{}):    instance.processConnect,
		reflect.TypeOf(aggDisconnectRequest{}): instance.processDisconnect,
		reflect.TypeOf(aggMessageRequest{}):    instance.processMessage,
		reflect.TypeOf(aggUpdateRequest{}):     instance.processUpdate,
		reflect.TypeOf(aggSummaryRequest{}):    instance.processSummary,
		reflect.TypeOf(aggExpiryCheck{}):       instance.processExpiryCheck,
		reflect.TypeOf(aggRetireRequest{}):     instance.processRetire,
	}
	if err := tp.SetTaskExecutionMap(handlers); err != nil {
		cancel()
		return nil, err
	}
	// A room nobody joins goes idle after one expiry delay
	if err := instance.armExpiryTimer(); err != nil {
		cancel()
		return nil, err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		cancel()
		log.WithError(err).WithFields(logTags).Error("Unable to start event loop")
		return nil, err
	}
	return instance, nil
}

func (a *aggregatorImpl) RoomID() string {
	return a.params.RoomID
}

func (a *aggregatorImpl) Stop() error {
	if err := a.timer.Stop(); err != nil {
		log.WithError(err).WithFields(a.LogTags).Error("Unable to stop expiry timer")
	}
	err := a.tp.StopEventLoop()
	a.cancel()
	return err
}

// submitAndWait submit a request to the event loop, and wait for its result
func (a *aggregatorImpl) submitAndWait(
	ctxt context.Context, request interface{}, result chan error,
) error {
	if err := a.tp.Submit(ctxt, request); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctxt.Done():
		return ctxt.Err()
	case <-a.ctxt.Done():
		return fmt.Errorf("room %s stopped", a.params.RoomID)
	}
}

// =========================================================================

type aggConnectRequest struct {
	session  ClientSession
	resultCB func(err error)
}

func (a *aggregatorImpl) OnConnect(ctxt context.Context, session ClientSession) error {
	result := make(chan error, 1)
	request := aggConnectRequest{
		session: session, resultCB: func(err error) { result <- err },
	}
	return a.submitAndWait(ctxt, request, result)
}

func (a *aggregatorImpl) processConnect(param interface{}) error {
	request, ok := param.(aggConnectRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for connect", reflect.TypeOf(param))
	}
	err := a.ProcessConnect(request.session)
	request.resultCB(err)
	return err
}

// ProcessConnect register a new client. Runs in the event loop.
func (a *aggregatorImpl) ProcessConnect(session ClientSession) error {
	if a.retired {
		return fmt.Errorf("%w: %s", ErrRoomRetired, a.params.RoomID)
	}
	if _, ok := a.clients[session.ID()]; ok {
		return fmt.Errorf("session %s already connected to %s", session.ID(), a.params.RoomID)
	}
	a.clients[session.ID()] = session
	log.WithFields(a.LogTags).Debugf("Session %s connected, %d clients", session.ID(), len(a.clients))
	a.clientCountChanged()
	return nil
}

// =========================================================================

type aggDisconnectRequest struct {
	sessionID string
	resultCB  func(err error)
}

func (a *aggregatorImpl) OnDisconnect(ctxt context.Context, sessionID string) error {
	result := make(chan error, 1)
	request := aggDisconnectRequest{
		sessionID: sessionID, resultCB: func(err error) { result <- err },
	}
	return a.submitAndWait(ctxt, request, result)
}

func (a *aggregatorImpl) processDisconnect(param interface{}) error {
	request, ok := param.(aggDisconnectRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for disconnect", reflect.TypeOf(param))
	}
	err := a.ProcessDisconnect(request.sessionID)
	request.resultCB(err)
	return err
}

// ProcessDisconnect remove a client. Runs in the event loop.
func (a *aggregatorImpl) ProcessDisconnect(sessionID string) error {
	if _, ok := a.clients[sessionID]; !ok {
		log.WithFields(a.LogTags).Debugf("Session %s is not connected", sessionID)
		return nil
	}
	delete(a.clients, sessionID)
	log.WithFields(a.LogTags).Debugf("Session %s disconnected, %d clients", sessionID, len(a.clients))
	// An empty room keeps its cache until the next expiry check
	a.clientCountChanged()
	if len(a.clients) == 0 && !a.expiryArmed {
		return a.armExpiryTimer()
	}
	return nil
}

func (a *aggregatorImpl) clientCountChanged() {
	a.metrics.SetRoomConnections(a.params.RoomID, len(a.clients))
	a.reporter.report(len(a.clients))
}

// =========================================================================

type aggMessageRequest struct {
	sessionID string
	payload   []byte
	resultCB  func(err error)
}

func (a *aggregatorImpl) OnMessage(ctxt context.Context, sessionID string, payload []byte) error {
	result := make(chan error, 1)
	request := aggMessageRequest{
		sessionID: sessionID, payload: payload, resultCB: func(err error) { result <- err },
	}
	return a.submitAndWait(ctxt, request, result)
}

func (a *aggregatorImpl) processMessage(param interface{}) error {
	request, ok := param.(aggMessageRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for message", reflect.TypeOf(param))
	}
	err := a.ProcessMessage(request.sessionID, request.payload)
	request.resultCB(err)
	return err
}

// ProcessMessage process a client message. Runs in the event loop.
func (a *aggregatorImpl) ProcessMessage(sessionID string, payload []byte) error {
	var msg common.ClientRequest
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.WithFields(a.LogTags).Debugf("Ignoring non-JSON message from %s", sessionID)
		return nil
	}
	switch msg.Type {
	case common.ClientMsgInit, common.ClientMsgSubscribe:
		return a.subscribe(sessionID, msg.Links)
	default:
		log.WithFields(a.LogTags).Debugf("Ignoring message type '%s' from %s", msg.Type, sessionID)
		return nil
	}
}

// subscribe subscribe to the linked rooms, merge the hub's answer into the cache, and
// reply to the requesting client with the full summary
func (a *aggregatorImpl) subscribe(sessionID string, links []string) error {
	roomIDs := make([]string, 0, len(links))
	seen := map[string]bool{}
	for _, link := range links {
		if seen[link] {
			continue
		}
		seen[link] = true
		if err := common.ValidateRoomID(link); err != nil {
			log.WithFields(a.LogTags).Debugf("Ignoring invalid link '%s' from %s", link, sessionID)
			continue
		}
		roomIDs = append(roomIDs, link)
	}
	sort.Strings(roomIDs)

	ctxt, cancel := context.WithTimeout(a.ctxt, a.params.HubRequestTimeout)
	defer cancel()

	counts, err := a.hub.Subscribe(ctxt, a.params.RoomID, roomIDs)
	a.metrics.HubRequest(common.HubActionSubscribe, err)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Errorf("Subscribe to %v failed", roomIDs)
		return err
	}

	summary, found, err := a.store.Get(ctxt, a.params.RoomID)
	if err != nil {
		return err
	}
	if !found {
		summary = common.ConnectionSummary{}
	}
	summary.Merge(counts)
	if err := a.writeCache(ctxt, summary); err != nil {
		return err
	}

	client, ok := a.clients[sessionID]
	if !ok {
		log.WithFields(a.LogTags).Debugf("Session %s left before subscribe completed", sessionID)
		return nil
	}
	msg, err := encodeClientUpdate(summary)
	if err != nil {
		return err
	}
	if err := client.TrySend(msg); err != nil {
		a.metrics.BroadcastDropped(1)
		log.WithError(err).WithFields(a.LogTags).Errorf("Unable to send summary to %s", sessionID)
	}
	return nil
}

// =========================================================================

type aggUpdateRequest struct {
	update   common.ConnectionCountUpdate
	resultCB func(err error)
}

func (a *aggregatorImpl) OnUpdate(ctxt context.Context, update common.ConnectionCountUpdate) error {
	result := make(chan error, 1)
	request := aggUpdateRequest{update: update, resultCB: func(err error) { result <- err }}
	return a.submitAndWait(ctxt, request, result)
}

func (a *aggregatorImpl) processUpdate(param interface{}) error {
	request, ok := param.(aggUpdateRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for update", reflect.TypeOf(param))
	}
	err := a.ProcessUpdate(request.update)
	request.resultCB(err)
	return err
}

// ProcessUpdate merge a hub pushed count change into the cache. Runs in the event loop.
func (a *aggregatorImpl) ProcessUpdate(update common.ConnectionCountUpdate) error {
	summary, found, err := a.store.Get(a.ctxt, a.params.RoomID)
	if err != nil {
		return err
	}
	if !found {
		// No cache means nobody here is interested
		log.WithFields(a.LogTags).Debugf("No cache, dropping %s", update)
		return nil
	}
	summary[update.ID] = update.ConnectionCount
	if err := a.writeCache(a.ctxt, summary); err != nil {
		return err
	}
	log.WithFields(a.LogTags).Debugf("Applied %s", update)
	return a.broadcast(summary)
}

// broadcast send the summary to every connected client
func (a *aggregatorImpl) broadcast(summary common.ConnectionSummary) error {
	msg, err := encodeClientUpdate(summary)
	if err != nil {
		return err
	}
	dropped := 0
	for sessionID, client := range a.clients {
		if err := client.TrySend(msg); err != nil {
			dropped++
			log.WithError(err).WithFields(a.LogTags).Debugf("Dropped update to %s", sessionID)
		}
	}
	a.metrics.BroadcastDropped(dropped)
	return nil
}

func encodeClientUpdate(summary common.ConnectionSummary) ([]byte, error) {
	return json.Marshal(&common.ClientUpdate{
		Type: common.ClientMsgUpdate, Connections: summary,
	})
}

// =========================================================================

type aggSummaryRequest struct {
	resultCB func(summary common.ConnectionSummary, found bool, err error)
}

type summaryResult struct {
	summary common.ConnectionSummary
	found   bool
	err     error
}

func (a *aggregatorImpl) Summary(ctxt context.Context) (common.ConnectionSummary, bool, error) {
	result := make(chan summaryResult, 1)
	request := aggSummaryRequest{
		resultCB: func(summary common.ConnectionSummary, found bool, err error) {
			result <- summaryResult{summary: summary, found: found, err: err}
		},
	}
	if err := a.tp.Submit(ctxt, request); err != nil {
		return nil, false, err
	}
	select {
	case r := <-result:
		return r.summary, r.found, r.err
	case <-ctxt.Done():
		return nil, false, ctxt.Err()
	case <-a.ctxt.Done():
		return nil, false, fmt.Errorf("room %s stopped", a.params.RoomID)
	}
}

func (a *aggregatorImpl) processSummary(param interface{}) error {
	request, ok := param.(aggSummaryRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for summary", reflect.TypeOf(param))
	}
	summary, found, err := a.store.Get(a.ctxt, a.params.RoomID)
	request.resultCB(summary, found, err)
	return err
}

// =========================================================================

// aggExpiryCheck expiry timer fired. Checks from a superseded timer schedule are ignored.
type aggExpiryCheck struct {
	generation uint64
}

// writeCache store the summary and re-arm the expiry timer
func (a *aggregatorImpl) writeCache(ctxt context.Context, summary common.ConnectionSummary) error {
	if err := a.store.Put(ctxt, a.params.RoomID, summary); err != nil {
		log.WithError(err).WithFields(a.LogTags).Error("Unable to write cache")
		return err
	}
	return a.armExpiryTimer()
}

func (a *aggregatorImpl) armExpiryTimer() error {
	a.expiryArmed = true
	a.expiryGeneration++
	check := aggExpiryCheck{generation: a.expiryGeneration}
	return a.timer.Start(a.params.ExpiryDelay, func() error {
		return a.tp.Submit(a.ctxt, check)
	}, true)
}

func (a *aggregatorImpl) processExpiryCheck(param interface{}) error {
	check, ok := param.(aggExpiryCheck)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for expiry", reflect.TypeOf(param))
	}
	if check.generation != a.expiryGeneration {
		return nil
	}
	a.expiryArmed = false

	if len(a.clients) > 0 {
		// Keep the store from dropping a cache still in use
		found, err := a.store.Touch(a.ctxt, a.params.RoomID)
		if err != nil {
			log.WithError(err).WithFields(a.LogTags).Error("Unable to refresh cache")
			if armErr := a.armExpiryTimer(); armErr != nil {
				return armErr
			}
			return err
		}
		if !found {
			// Checks resume when the last client leaves
			return nil
		}
		log.WithFields(a.LogTags).Debugf("Cache still used by %d clients", len(a.clients))
		return a.armExpiryTimer()
	}

	_, found, err := a.store.Get(a.ctxt, a.params.RoomID)
	if err != nil {
		if armErr := a.armExpiryTimer(); armErr != nil {
			return armErr
		}
		return err
	}
	if found {
		if err := a.store.Delete(a.ctxt, a.params.RoomID); err != nil {
			log.WithError(err).WithFields(a.LogTags).Error("Unable to purge cache")
			if armErr := a.armExpiryTimer(); armErr != nil {
				return armErr
			}
			return err
		}
		a.metrics.CachePurged()
		log.WithFields(a.LogTags).Info("Purged unused cache")
	}
	a.signalIdle()
	return nil
}

// signalIdle tell the owner the room is idle. Never blocks the event loop.
func (a *aggregatorImpl) signalIdle() {
	if a.params.OnIdle == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.params.OnIdle(a)
	}()
}

// =========================================================================

type aggRetireRequest struct {
	resultCB func(retired bool)
}

func (a *aggregatorImpl) Retire(ctxt context.Context) (bool, error) {
	result := make(chan bool, 1)
	request := aggRetireRequest{resultCB: func(retired bool) { result <- retired }}
	if err := a.tp.Submit(ctxt, request); err != nil {
		return false, err
	}
	select {
	case retired := <-result:
		return retired, nil
	case <-ctxt.Done():
		return false, ctxt.Err()
	case <-a.ctxt.Done():
		return false, fmt.Errorf("room %s stopped", a.params.RoomID)
	}
}

func (a *aggregatorImpl) processRetire(param interface{}) error {
	request, ok := param.(aggRetireRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for retire", reflect.TypeOf(param))
	}
	// A pending expiry check means the room was used since it went idle
	if len(a.clients) == 0 && !a.expiryArmed {
		a.retired = true
	}
	request.resultCB(a.retired)
	return nil
}

// =========================================================================

// countReporter reports the room's client tally to the hub. Reports are coalesced: while
// one report is in flight, later tallies replace each other and only the latest is sent
// next, so the hub always ends up with the current tally.
type countReporter struct {
	common.Component
	roomID  string
	hub     hub.Client
	timeout time.Duration
	metrics *metrics.Collectors
	lock    sync.Mutex
	latest  int
	pending chan struct{}
}

func startCountReporter(
	ctxt context.Context,
	roomID string,
	hubClient hub.Client,
	timeout time.Duration,
	collectors *metrics.Collectors,
	wg *sync.WaitGroup,
) *countReporter {
	r := &countReporter{
		Component: common.Component{LogTags: log.Fields{
			"module": "room", "component": "count-reporter", "instance": roomID,
		}},
		roomID:  roomID,
		hub:     hubClient,
		timeout: timeout,
		metrics: collectors,
		pending: make(chan struct{}, 1),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctxt.Done():
				return
			case <-r.pending:
				r.send(ctxt)
			}
		}
	}()
	return r
}

// report record the latest tally and wake the sender. Never blocks.
func (r *countReporter) report(count int) {
	r.lock.Lock()
	r.latest = count
	r.lock.Unlock()
	select {
	case r.pending <- struct{}{}:
	default:
	}
}

func (r *countReporter) send(ctxt context.Context) {
	r.lock.Lock()
	count := r.latest
	r.lock.Unlock()
	reqCtxt, cancel := context.WithTimeout(ctxt, r.timeout)
	defer cancel()
	err := r.hub.ReportConnectionCount(reqCtxt, r.roomID, count)
	r.metrics.HubRequest(common.HubActionUpdate, err)
	if err != nil {
		// Not retried. The next tally change reports again.
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to report count %d", count)
	}
}
