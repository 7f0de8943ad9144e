package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/instbase/relay/protocol"
)

type SyncEngineSettings struct {
	// outbound queue capacity per connection
	SendQueueSize int
	// payloads larger than this are sent out-of-band through the blob
	// collaborator
	MaxInlinePayloadByteCount ByteCount
	RateLimit                 *RateLimitSettings
}

func DefaultSyncEngineSettings() *SyncEngineSettings {
	return &SyncEngineSettings{
		SendQueueSize:             256,
		MaxInlinePayloadByteCount: kib(96),
		RateLimit:                 DefaultRateLimitSettings(),
	}
}

// SyncEngine is the branch synchronization state machine. One engine
// is shared by all connections; the transport calls `HandleEvent`
// sequentially per connection so each connection's own requests stay
// causally ordered. Different connections run concurrently.
type SyncEngine struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry *ConnectionRegistry
	store    *TieredUpdateStore
	gate     *AuthorizationGate
	verifier TokenVerifier
	blob     BlobClient

	settings *SyncEngineSettings

	stateLock sync.Mutex
	clients   map[Id]*ClientConnection

	// serializes append+fanout per branch key so every watcher sees
	// updates in append order
	branchLocksLock sync.Mutex
	branchLocks     map[BranchKey]*sync.Mutex

	slowDisconnectCount atomic.Int64
}

func NewSyncEngineWithDefaults(
	ctx context.Context,
	registry *ConnectionRegistry,
	store *TieredUpdateStore,
	gate *AuthorizationGate,
	verifier TokenVerifier,
	blob BlobClient,
) *SyncEngine {
	return NewSyncEngine(ctx, registry, store, gate, verifier, blob, DefaultSyncEngineSettings())
}

func NewSyncEngine(
	ctx context.Context,
	registry *ConnectionRegistry,
	store *TieredUpdateStore,
	gate *AuthorizationGate,
	verifier TokenVerifier,
	blob BlobClient,
	settings *SyncEngineSettings,
) *SyncEngine {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SyncEngine{
		ctx:         cancelCtx,
		cancel:      cancel,
		registry:    registry,
		store:       store,
		gate:        gate,
		verifier:    verifier,
		blob:        blob,
		settings:    settings,
		clients:     map[Id]*ClientConnection{},
		branchLocks: map[BranchKey]*sync.Mutex{},
	}
}

func (self *SyncEngine) branchLock(branchKey BranchKey) *sync.Mutex {
	self.branchLocksLock.Lock()
	defer self.branchLocksLock.Unlock()

	lock, ok := self.branchLocks[branchKey]
	if !ok {
		lock = &sync.Mutex{}
		self.branchLocks[branchKey] = lock
	}
	return lock
}

// ClientConnection is the engine-side endpoint of one transport
// session. The transport drains `Events` into the socket and calls
// `HandleEvent` for each inbound message, one at a time.
type ClientConnection struct {
	engine *SyncEngine

	connectionId Id

	ctx    context.Context
	cancel context.CancelFunc

	limiter *rateLimiter

	sendLock  sync.Mutex
	sendQueue chan []byte
	closed    bool
}

func (self *ClientConnection) ConnectionId() Id {
	return self.connectionId
}

func (self *ClientConnection) Events() <-chan []byte {
	return self.sendQueue
}

func (self *ClientConnection) Done() <-chan struct{} {
	return self.ctx.Done()
}

// send enqueues without blocking. A full queue means the consumer is
// persistently backed up, which forces a disconnect rather than
// buffering without bound or stalling the sender.
func (self *ClientConnection) send(eventBytes []byte) bool {
	self.sendLock.Lock()
	if self.closed {
		self.sendLock.Unlock()
		return false
	}
	select {
	case self.sendQueue <- eventBytes:
		self.sendLock.Unlock()
		return true
	default:
		self.sendLock.Unlock()
		glog.Infof("[h]backpressure disconnect %s\n", self.connectionId)
		self.engine.slowDisconnectCount.Add(1)
		self.engine.Disconnect(self)
		return false
	}
}

func (self *ClientConnection) close() {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	if self.closed {
		return
	}
	self.closed = true
	close(self.sendQueue)
	self.cancel()
}

// Connect opens an engine endpoint for a new transport session. The
// session has no identity until a login message arrives.
func (self *SyncEngine) Connect() *ClientConnection {
	cancelCtx, cancel := context.WithCancel(self.ctx)
	client := &ClientConnection{
		engine:       self,
		connectionId: NewId(),
		ctx:          cancelCtx,
		cancel:       cancel,
		limiter:      newRateLimiter(self.settings.RateLimit),
		sendQueue:    make(chan []byte, self.settings.SendQueueSize),
	}

	self.stateLock.Lock()
	self.clients[client.connectionId] = client
	self.stateLock.Unlock()

	glog.V(1).Infof("[h]connect %s\n", client.connectionId)
	return client
}

// Disconnect tears down the session: the connection record and all of
// its edges are removed atomically, disconnect notifications go out to
// presence watchers, and delivery to the connection halts.
func (self *SyncEngine) Disconnect(client *ClientConnection) {
	self.stateLock.Lock()
	_, ok := self.clients[client.connectionId]
	delete(self.clients, client.connectionId)
	self.stateLock.Unlock()
	if !ok {
		return
	}

	connection, watchedBranches := self.registry.DeleteConnection(client.connectionId)
	client.close()

	if connection != nil {
		for _, branchKey := range watchedBranches {
			self.notifyPresence(branchKey, connection, false)
		}
	}
	glog.V(1).Infof("[h]disconnect %s\n", client.connectionId)
}

func (self *SyncEngine) client(connectionId Id) *ClientConnection {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.clients[connectionId]
}

func (self *SyncEngine) Close() {
	self.stateLock.Lock()
	clients := make([]*ClientConnection, 0, len(self.clients))
	for _, client := range self.clients {
		clients = append(clients, client)
	}
	self.stateLock.Unlock()

	for _, client := range clients {
		self.Disconnect(client)
	}
	self.cancel()
}

// SlowDisconnectCount is the number of connections force-disconnected
// for backpressure since start.
func (self *SyncEngine) SlowDisconnectCount() int64 {
	return self.slowDisconnectCount.Load()
}

// HandleEvent processes one inbound envelope. Validation,
// authorization, and store failures are answered with an error event
// to this connection only.
func (self *SyncEngine) HandleEvent(ctx context.Context, client *ClientConnection, eventBytes []byte) {
	receiveTime := time.Now()

	event, err := protocol.DecodeEvent(eventBytes)
	if err != nil {
		self.sendError(client, 0, protocol.NewErrorInfo(protocol.ErrorCodeUnacceptableRequest, err.Error()))
		return
	}

	switch event.Type {
	case protocol.EventTypeMessage:
		if allowed, retryAfter, totalHits := client.limiter.Allow(); !allowed {
			errorInfo := protocol.NewErrorInfo(
				protocol.ErrorCodeRateLimitExceeded,
				fmt.Sprintf("rate limit exceeded (%d hits)", totalHits),
			)
			errorInfo.RetryAfter = retryAfter.Milliseconds()
			self.sendError(client, event.RequestId, errorInfo)
			return
		}
		self.handleMessage(ctx, client, event.RequestId, event.Message, receiveTime)
	case protocol.EventTypeUploadRequest:
		self.handleUploadRequest(ctx, client, event.RequestId)
	case protocol.EventTypeDownloadRequest:
		self.handleDownloadRequest(ctx, client, event.RequestId, event.DownloadUrl, receiveTime)
	default:
		self.sendError(client, event.RequestId, protocol.NewErrorInfo(
			protocol.ErrorCodeUnacceptableRequest,
			fmt.Sprintf("unexpected event type %d", event.Type),
		))
	}
}

func (self *SyncEngine) handleMessage(ctx context.Context, client *ClientConnection, requestId int64, messageBytes []byte, receiveTime time.Time) {
	message, err := protocol.DecodeMessage(messageBytes)
	if err != nil {
		self.sendError(client, requestId, protocol.NewErrorInfo(protocol.ErrorCodeUnacceptableRequest, err.Error()))
		return
	}

	glog.V(2).Infof("[h]%s<- %s\n", client.connectionId, message.MessageType())

	switch v := message.(type) {
	case *protocol.Login:
		self.handleLogin(ctx, client, requestId, v)
	case *protocol.WatchBranch:
		self.handleWatchBranch(ctx, client, requestId, v)
	case *protocol.AddUpdates:
		self.handleAddUpdates(ctx, client, requestId, v)
	case *protocol.GetUpdates:
		self.handleGetUpdates(ctx, client, requestId, v)
	case *protocol.UnwatchBranch:
		self.handleUnwatchBranch(ctx, client, requestId, v)
	case *protocol.WatchBranchDevices:
		self.handleWatchBranchDevices(ctx, client, requestId, v)
	case *protocol.UnwatchBranchDevices:
		self.handleUnwatchBranchDevices(ctx, client, requestId, v)
	case *protocol.SendAction:
		self.handleSendAction(ctx, client, requestId, v)
	case *protocol.ConnectionCount:
		self.handleConnectionCount(ctx, client, requestId, v)
	case *protocol.SyncTime:
		self.handleSyncTime(client, requestId, v, receiveTime)
	default:
		self.sendError(client, requestId, protocol.NewErrorInfo(
			protocol.ErrorCodeUnacceptableRequest,
			fmt.Sprintf("unexpected message type %s", message.MessageType()),
		))
	}
}

func (self *SyncEngine) handleLogin(ctx context.Context, client *ClientConnection, requestId int64, login *protocol.Login) {
	connection := &Connection{
		ServerConnectionId: client.connectionId,
	}

	switch {
	case login.ConnectionToken != "":
		connectionToken, err := self.verifier.VerifyConnectionToken(login.ConnectionToken)
		if err != nil {
			self.sendError(client, requestId, protocol.NewErrorInfo(protocol.ErrorCodeInvalidKey, err.Error()))
			return
		}
		connection.ClientConnectionId = connectionToken.ConnectionId
		connection.UserId = connectionToken.UserId
		connection.SessionId = connectionToken.SessionId
		connection.Token = login.ConnectionToken
	case login.ConnectionId != "":
		// anonymous login
		connection.ClientConnectionId = login.ConnectionId
	default:
		self.sendError(client, requestId, protocol.NewErrorInfo(
			protocol.ErrorCodeUnacceptableConnectionId,
			"login requires a connection token or a connection id",
		))
		return
	}

	// a re-login over the same transport session overwrites the record
	self.registry.AddConnection(connection)

	glog.V(1).Infof("[h]login %s as %s\n", client.connectionId, connection.ClientConnectionId)
	self.sendMessage(ctx, client, requestId, &protocol.LoginResult{
		Type: protocol.MessageTypeLoginResult,
		Info: connection.Info(),
	})
}

// requireConnection resolves the registry record for the session, or
// answers with an error when the session has not logged in.
func (self *SyncEngine) requireConnection(client *ClientConnection, requestId int64) *Connection {
	connection := self.registry.GetConnection(client.connectionId)
	if connection == nil {
		self.sendError(client, requestId, protocol.NewErrorInfo(
			protocol.ErrorCodeUnacceptableRequest,
			"login required",
		))
	}
	return connection
}

func (self *SyncEngine) handleWatchBranch(ctx context.Context, client *ClientConnection, requestId int64, watch *protocol.WatchBranch) {
	connection := self.requireConnection(client, requestId)
	if connection == nil {
		return
	}
	branchKey := BranchKey{
		RecordName: watch.RecordName,
		Inst:       watch.Inst,
		Branch:     watch.Branch,
	}
	if !self.authorize(ctx, client, requestId, branchKey, connection, PermissionInstRead) {
		return
	}

	// hold the branch fanout lock across edge creation and the initial
	// snapshot so there is no gap or overlap with concurrent appends
	lock := self.branchLock(branchKey)
	lock.Lock()

	created := self.registry.SaveWatch(client.connectionId, branchKey, WatchKindBranch)

	updates, err := self.store.GetCurrentUpdates(ctx, branchKey)
	if err != nil {
		lock.Unlock()
		glog.Infof("[h]watch read error %s = %s\n", branchKey, err)
		self.sendError(client, requestId, protocol.NewErrorInfo(protocol.ErrorCodeServerError, "failed to read branch"))
		return
	}
	self.sendMessage(ctx, client, requestId, &protocol.AddUpdates{
		Type:       protocol.MessageTypeAddUpdates,
		RecordName: branchKey.RecordName,
		Inst:       branchKey.Inst,
		Branch:     branchKey.Branch,
		Updates:    updates.Updates,
		Initial:    true,
	})
	lock.Unlock()

	if created {
		self.notifyPresence(branchKey, connection, true)
	}
}

func (self *SyncEngine) handleUnwatchBranch(ctx context.Context, client *ClientConnection, requestId int64, unwatch *protocol.UnwatchBranch) {
	connection := self.requireConnection(client, requestId)
	if connection == nil {
		return
	}
	branchKey := BranchKey{
		RecordName: unwatch.RecordName,
		Inst:       unwatch.Inst,
		Branch:     unwatch.Branch,
	}

	lock := self.branchLock(branchKey)
	lock.Lock()
	removed := self.registry.DeleteWatch(client.connectionId, branchKey, WatchKindBranch)
	lock.Unlock()

	if removed {
		self.notifyPresence(branchKey, connection, false)
	}
}

func (self *SyncEngine) handleAddUpdates(ctx context.Context, client *ClientConnection, requestId int64, addUpdates *protocol.AddUpdates) {
	connection := self.requireConnection(client, requestId)
	if connection == nil {
		return
	}
	branchKey := BranchKey{
		RecordName: addUpdates.RecordName,
		Inst:       addUpdates.Inst,
		Branch:     addUpdates.Branch,
	}

	exists, err := self.store.Exists(ctx, branchKey)
	if err != nil {
		self.sendError(client, requestId, protocol.NewErrorInfo(protocol.ErrorCodeServerError, "failed to read branch"))
		return
	}
	permission := PermissionInstUpdateData
	if !exists {
		permission = PermissionInstCreate
	}
	if !self.authorize(ctx, client, requestId, branchKey, connection, permission) {
		return
	}

	lock := self.branchLock(branchKey)
	lock.Lock()

	if _, err := self.store.AddUpdates(ctx, branchKey, addUpdates.Updates); err != nil {
		lock.Unlock()
		// the append failed atomically: no ack, no broadcast
		glog.Infof("[h]append error %s = %s\n", branchKey, err)
		self.sendError(client, requestId, protocol.NewErrorInfo(protocol.ErrorCodeServerError, "failed to store updates"))
		return
	}

	broadcast := &protocol.AddUpdates{
		Type:       protocol.MessageTypeAddUpdates,
		RecordName: branchKey.RecordName,
		Inst:       branchKey.Inst,
		Branch:     branchKey.Branch,
		Updates:    addUpdates.Updates,
	}
	for _, watcher := range self.registry.ListWatchers(branchKey, WatchKindBranch) {
		if watcher.ServerConnectionId == client.connectionId {
			continue
		}
		if target := self.client(watcher.ServerConnectionId); target != nil {
			self.sendMessage(ctx, target, 0, broadcast)
		}
	}
	lock.Unlock()

	glog.V(2).Infof("[h]add %s n=%d\n", branchKey, len(addUpdates.Updates))
	self.sendMessage(ctx, client, requestId, &protocol.UpdatesReceived{
		Type:       protocol.MessageTypeUpdatesReceived,
		RecordName: branchKey.RecordName,
		Inst:       branchKey.Inst,
		Branch:     branchKey.Branch,
		UpdateId:   addUpdates.UpdateId,
	})
}

func (self *SyncEngine) handleGetUpdates(ctx context.Context, client *ClientConnection, requestId int64, getUpdates *protocol.GetUpdates) {
	connection := self.requireConnection(client, requestId)
	if connection == nil {
		return
	}
	branchKey := BranchKey{
		RecordName: getUpdates.RecordName,
		Inst:       getUpdates.Inst,
		Branch:     getUpdates.Branch,
	}
	if !self.authorize(ctx, client, requestId, branchKey, connection, PermissionInstRead) {
		return
	}

	updates, err := self.store.GetCurrentUpdates(ctx, branchKey)
	if err != nil {
		self.sendError(client, requestId, protocol.NewErrorInfo(protocol.ErrorCodeServerError, "failed to read branch"))
		return
	}
	timestamps := make([]int64, len(updates.Timestamps))
	for i, timestamp := range updates.Timestamps {
		timestamps[i] = timestamp.UnixMilli()
	}
	self.sendMessage(ctx, client, requestId, &protocol.AddUpdates{
		Type:       protocol.MessageTypeAddUpdates,
		RecordName: branchKey.RecordName,
		Inst:       branchKey.Inst,
		Branch:     branchKey.Branch,
		Updates:    updates.Updates,
		Timestamps: timestamps,
	})
}

func (self *SyncEngine) handleWatchBranchDevices(ctx context.Context, client *ClientConnection, requestId int64, watch *protocol.WatchBranchDevices) {
	connection := self.requireConnection(client, requestId)
	if connection == nil {
		return
	}
	branchKey := BranchKey{
		RecordName: watch.RecordName,
		Inst:       watch.Inst,
		Branch:     watch.Branch,
	}
	if !self.authorize(ctx, client, requestId, branchKey, connection, PermissionInstRead) {
		return
	}
	self.registry.SaveWatch(client.connectionId, branchKey, WatchKindDevice)
}

func (self *SyncEngine) handleUnwatchBranchDevices(ctx context.Context, client *ClientConnection, requestId int64, unwatch *protocol.UnwatchBranchDevices) {
	connection := self.requireConnection(client, requestId)
	if connection == nil {
		return
	}
	branchKey := BranchKey{
		RecordName: unwatch.RecordName,
		Inst:       unwatch.Inst,
		Branch:     unwatch.Branch,
	}
	self.registry.DeleteWatch(client.connectionId, branchKey, WatchKindDevice)
}

// notifyPresence emits exactly one connected/disconnected notification
// per watch edge transition to every presence watcher other than the
// transitioning connection itself.
func (self *SyncEngine) notifyPresence(branchKey BranchKey, connection *Connection, connected bool) {
	var message protocol.Message
	if connected {
		message = &protocol.ConnectedToBranch{
			Type:       protocol.MessageTypeConnectedToBranch,
			Broadcast:  false,
			RecordName: branchKey.RecordName,
			Inst:       branchKey.Inst,
			Branch:     branchKey.Branch,
			Connection: connection.Info(),
		}
	} else {
		message = &protocol.DisconnectedFromBranch{
			Type:       protocol.MessageTypeDisconnectedFromBranch,
			Broadcast:  false,
			RecordName: branchKey.RecordName,
			Inst:       branchKey.Inst,
			Branch:     branchKey.Branch,
			Connection: connection.Info(),
		}
	}

	for _, watcher := range self.registry.ListWatchers(branchKey, WatchKindDevice) {
		if watcher.ServerConnectionId == connection.ServerConnectionId {
			continue
		}
		if target := self.client(watcher.ServerConnectionId); target != nil {
			self.sendMessage(self.ctx, target, 0, message)
		}
	}
}

func (self *SyncEngine) handleSendAction(ctx context.Context, client *ClientConnection, requestId int64, sendAction *protocol.SendAction) {
	connection := self.requireConnection(client, requestId)
	if connection == nil {
		return
	}
	branchKey := BranchKey{
		RecordName: sendAction.RecordName,
		Inst:       sendAction.Inst,
		Branch:     sendAction.Branch,
	}
	if !self.authorize(ctx, client, requestId, branchKey, connection, PermissionInstSendAction) {
		return
	}

	receiveAction := &protocol.ReceiveAction{
		Type:       protocol.MessageTypeReceiveAction,
		RecordName: branchKey.RecordName,
		Inst:       branchKey.Inst,
		Branch:     branchKey.Branch,
		Action:     sendAction.Action,
		Connection: connection.Info(),
	}

	// no matching target is a no-op, not an error
	for _, watcher := range self.registry.ListWatchers(branchKey, WatchKindBranch) {
		if sendAction.ConnectionId != "" {
			if watcher.ClientConnectionId != sendAction.ConnectionId {
				continue
			}
		} else if watcher.ServerConnectionId == client.connectionId {
			// broadcast excludes the sender
			continue
		}
		if target := self.client(watcher.ServerConnectionId); target != nil {
			self.sendMessage(ctx, target, 0, receiveAction)
		}
	}
}

func (self *SyncEngine) handleConnectionCount(ctx context.Context, client *ClientConnection, requestId int64, connectionCount *protocol.ConnectionCount) {
	connection := self.requireConnection(client, requestId)
	if connection == nil {
		return
	}
	branchKey := BranchKey{
		RecordName: connectionCount.RecordName,
		Inst:       connectionCount.Inst,
		Branch:     connectionCount.Branch,
	}
	if !self.authorize(ctx, client, requestId, branchKey, connection, PermissionInstRead) {
		return
	}

	self.sendMessage(ctx, client, requestId, &protocol.ConnectionCount{
		Type:       protocol.MessageTypeConnectionCount,
		RecordName: branchKey.RecordName,
		Inst:       branchKey.Inst,
		Branch:     branchKey.Branch,
		Count:      self.registry.CountWatchers(branchKey),
	})
}

func (self *SyncEngine) handleSyncTime(client *ClientConnection, requestId int64, syncTime *protocol.SyncTime, receiveTime time.Time) {
	// no authorization and no persistence: pure clock exchange
	self.sendMessageInline(client, requestId, &protocol.SyncTime{
		Type:               protocol.MessageTypeSyncTime,
		Id:                 syncTime.Id,
		ClientRequestTime:  syncTime.ClientRequestTime,
		ServerReceiveTime:  receiveTime.UnixMilli(),
		ServerTransmitTime: time.Now().UnixMilli(),
	})
}

func (self *SyncEngine) handleUploadRequest(ctx context.Context, client *ClientConnection, requestId int64) {
	if self.blob == nil {
		self.sendError(client, requestId, protocol.NewErrorInfo(
			protocol.ErrorCodeNotSupported,
			"blob transfer is not configured",
		))
		return
	}
	uploadInfo, err := self.blob.IssueUploadUrl(ctx)
	if err != nil {
		self.sendError(client, requestId, protocol.NewErrorInfo(protocol.ErrorCodeServerError, "failed to issue upload url"))
		return
	}
	eventBytes, err := protocol.EncodeUploadResponseEvent(requestId, uploadInfo.Url, uploadInfo.Method)
	if err != nil {
		return
	}
	client.send(eventBytes)
}

// handleDownloadRequest resolves an out-of-band payload and processes
// it as if it had arrived inline.
func (self *SyncEngine) handleDownloadRequest(ctx context.Context, client *ClientConnection, requestId int64, downloadUrl string, receiveTime time.Time) {
	if self.blob == nil {
		self.sendError(client, requestId, protocol.NewErrorInfo(
			protocol.ErrorCodeNotSupported,
			"blob transfer is not configured",
		))
		return
	}
	payload, err := self.blob.Download(ctx, downloadUrl)
	if err != nil {
		self.sendError(client, requestId, protocol.NewErrorInfo(protocol.ErrorCodeUnacceptableRequest, "failed to resolve payload"))
		return
	}
	self.handleMessage(ctx, client, requestId, payload, receiveTime)
}

// authorize gates one privileged operation. Returns false after
// answering with the structured denial.
func (self *SyncEngine) authorize(ctx context.Context, client *ClientConnection, requestId int64, branchKey BranchKey, connection *Connection, permission string) bool {
	reason, err := self.gate.Authorize(ctx, branchKey, connection, permission)
	if err != nil {
		self.sendError(client, requestId, protocol.NewErrorInfo(protocol.ErrorCodeServerError, "authorization failed"))
		return false
	}
	if reason != nil {
		errorInfo := protocol.NewErrorInfo(
			protocol.ErrorCodeNotAuthorized,
			fmt.Sprintf("%s denied %s", reason.Kind, permission),
		)
		errorInfo.Reason = reason
		self.sendError(client, requestId, errorInfo)
		return false
	}
	return true
}

// sendMessage encodes and enqueues a message event, switching to
// out-of-band delivery when the payload is too large to inline.
func (self *SyncEngine) sendMessage(ctx context.Context, client *ClientConnection, requestId int64, message protocol.Message) {
	eventBytes, err := protocol.EncodeMessageEvent(requestId, message)
	if err != nil {
		glog.Infof("[h]encode error = %s\n", err)
		return
	}
	if self.blob != nil && self.settings.MaxInlinePayloadByteCount < ByteCount(len(eventBytes)) {
		// ship the message payload out-of-band. The peer downloads it
		// and processes it as if it had arrived inline
		messageJson, err := json.Marshal(message)
		if err != nil {
			return
		}
		downloadUrl, err := self.blob.Upload(ctx, messageJson)
		if err != nil {
			glog.Infof("[h]oob upload error = %s\n", err)
			return
		}
		downloadEvent, err := protocol.EncodeDownloadRequestEvent(requestId, downloadUrl)
		if err != nil {
			return
		}
		client.send(downloadEvent)
		return
	}
	client.send(eventBytes)
}

func (self *SyncEngine) sendMessageInline(client *ClientConnection, requestId int64, message protocol.Message) {
	eventBytes, err := protocol.EncodeMessageEvent(requestId, message)
	if err != nil {
		return
	}
	client.send(eventBytes)
}

func (self *SyncEngine) sendError(client *ClientConnection, requestId int64, errorInfo *protocol.ErrorInfo) {
	eventBytes, err := protocol.EncodeErrorEvent(requestId, errorInfo)
	if err != nil {
		return
	}
	glog.V(1).Infof("[h]%s-> error %s\n", client.connectionId, errorInfo.ErrorCode)
	client.send(eventBytes)
}
