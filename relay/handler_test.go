package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/instbase/relay/protocol"
)

var testSecret = []byte("test-secret")

func newTestEngine(t *testing.T, policy PolicyClient) *SyncEngine {
	return newTestEngineWithSettings(t, policy, DefaultSyncEngineSettings())
}

func newTestEngineWithSettings(t *testing.T, policy PolicyClient, settings *SyncEngineSettings) *SyncEngine {
	ctx, cancel := context.WithCancel(context.Background())
	engine := NewSyncEngine(
		ctx,
		NewConnectionRegistry(),
		NewTieredUpdateStore(nil),
		NewAuthorizationGate(policy),
		NewHmacTokenVerifier(testSecret),
		NewMemoryBlobClient(),
		settings,
	)
	t.Cleanup(func() {
		engine.Close()
		cancel()
	})
	return engine
}

func sendMessage(engine *SyncEngine, client *ClientConnection, requestId int64, message protocol.Message) {
	engine.HandleEvent(context.Background(), client, protocol.RequireEncodeMessageEvent(requestId, message))
}

func nextEvent(t *testing.T, client *ClientConnection) *protocol.Event {
	select {
	case eventBytes, ok := <-client.Events():
		if !ok {
			t.Fatal("send queue closed")
		}
		event, err := protocol.DecodeEvent(eventBytes)
		assert.Equal(t, err, nil)
		return event
	case <-time.After(1 * time.Second):
		t.Fatal("no event")
	}
	return nil
}

func nextMessage(t *testing.T, client *ClientConnection) protocol.Message {
	event := nextEvent(t, client)
	assert.Equal(t, protocol.EventTypeMessage, event.Type)
	message, err := protocol.DecodeMessage(event.Message)
	assert.Equal(t, err, nil)
	return message
}

func assertNoEvent(t *testing.T, client *ClientConnection) {
	select {
	case eventBytes, ok := <-client.Events():
		if ok {
			t.Fatalf("unexpected event: %s", string(eventBytes))
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func loginAnonymous(t *testing.T, engine *SyncEngine, client *ClientConnection, connectionId string) {
	sendMessage(engine, client, 1, &protocol.Login{
		Type:         protocol.MessageTypeLogin,
		ConnectionId: connectionId,
	})
	result, ok := nextMessage(t, client).(*protocol.LoginResult)
	assert.Equal(t, true, ok)
	assert.Equal(t, connectionId, result.Info.ConnectionId)
}

func TestLoginRequiresIdentity(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())
	client := engine.Connect()

	sendMessage(engine, client, 1, &protocol.Login{
		Type: protocol.MessageTypeLogin,
	})
	event := nextEvent(t, client)
	assert.Equal(t, protocol.EventTypeError, event.Type)
	assert.Equal(t, protocol.ErrorCodeUnacceptableConnectionId, event.Err.ErrorCode)
}

func TestLoginWithToken(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())
	client := engine.Connect()

	token, err := SignConnectionToken(testSecret, &ConnectionToken{
		ConnectionId: "client-1",
		RecordName:   "r",
		Inst:         "inst",
		UserId:       "u1",
		SessionId:    "s1",
	}, 1*time.Hour)
	assert.Equal(t, err, nil)

	sendMessage(engine, client, 1, &protocol.Login{
		Type:            protocol.MessageTypeLogin,
		ConnectionToken: token,
	})
	result, ok := nextMessage(t, client).(*protocol.LoginResult)
	assert.Equal(t, true, ok)
	assert.Equal(t, "client-1", result.Info.ConnectionId)
	assert.Equal(t, "u1", result.Info.UserId)
	assert.Equal(t, "s1", result.Info.SessionId)
}

func TestLoginBadToken(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())
	client := engine.Connect()

	sendMessage(engine, client, 1, &protocol.Login{
		Type:            protocol.MessageTypeLogin,
		ConnectionToken: "not-a-token",
	})
	event := nextEvent(t, client)
	assert.Equal(t, protocol.EventTypeError, event.Type)
	assert.Equal(t, protocol.ErrorCodeInvalidKey, event.Err.ErrorCode)
}

func TestReloginOverwrites(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())
	client := engine.Connect()

	loginAnonymous(t, engine, client, "client-1")
	loginAnonymous(t, engine, client, "client-1b")

	assert.Equal(t, 1, engine.registry.ConnectionCount())
	connection := engine.registry.GetConnection(client.ConnectionId())
	assert.Equal(t, "client-1b", connection.ClientConnectionId)
}

func TestMessagesRequireLogin(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())
	client := engine.Connect()

	sendMessage(engine, client, 1, &protocol.WatchBranch{
		Type:   protocol.MessageTypeWatchBranch,
		Inst:   "inst",
		Branch: "main",
	})
	event := nextEvent(t, client)
	assert.Equal(t, protocol.EventTypeError, event.Type)
	assert.Equal(t, protocol.ErrorCodeUnacceptableRequest, event.Err.ErrorCode)
}

func TestWatchBranchInitialEmpty(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())
	client := engine.Connect()
	loginAnonymous(t, engine, client, "a")

	sendMessage(engine, client, 2, &protocol.WatchBranch{
		Type:   protocol.MessageTypeWatchBranch,
		Inst:   "inst",
		Branch: "main",
	})
	addUpdates, ok := nextMessage(t, client).(*protocol.AddUpdates)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, addUpdates.Initial)
	assert.Equal(t, 0, len(addUpdates.Updates))
	assert.Equal(t, "inst", addUpdates.Inst)
	assert.Equal(t, "main", addUpdates.Branch)
}

func TestAddUpdatesAckAndBroadcast(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())

	a := engine.Connect()
	loginAnonymous(t, engine, a, "a")
	b := engine.Connect()
	loginAnonymous(t, engine, b, "b")

	watch := &protocol.WatchBranch{
		Type:   protocol.MessageTypeWatchBranch,
		Inst:   "inst",
		Branch: "main",
	}
	sendMessage(engine, a, 2, watch)
	initial, ok := nextMessage(t, a).(*protocol.AddUpdates)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, initial.Initial)

	sendMessage(engine, b, 2, &protocol.AddUpdates{
		Type:     protocol.MessageTypeAddUpdates,
		Inst:     "inst",
		Branch:   "main",
		Updates:  []string{"abc"},
		UpdateId: 3,
	})

	// the sender gets exactly one ack carrying its own updateId
	received, ok := nextMessage(t, b).(*protocol.UpdatesReceived)
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(3), received.UpdateId)

	// the watcher gets the broadcast, not tagged initial
	broadcast, ok := nextMessage(t, a).(*protocol.AddUpdates)
	assert.Equal(t, true, ok)
	assert.Equal(t, false, broadcast.Initial)
	assert.Equal(t, []string{"abc"}, broadcast.Updates)

	// the sender does not receive its own broadcast
	assertNoEvent(t, b)
}

func TestWatchBranchInitialSnapshot(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())

	a := engine.Connect()
	loginAnonymous(t, engine, a, "a")
	sendMessage(engine, a, 2, &protocol.AddUpdates{
		Type:    protocol.MessageTypeAddUpdates,
		Inst:    "inst",
		Branch:  "main",
		Updates: []string{"abc", "def"},
	})
	nextMessage(t, a)

	b := engine.Connect()
	loginAnonymous(t, engine, b, "b")
	sendMessage(engine, b, 2, &protocol.WatchBranch{
		Type:   protocol.MessageTypeWatchBranch,
		Inst:   "inst",
		Branch: "main",
	})
	initial, ok := nextMessage(t, b).(*protocol.AddUpdates)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, initial.Initial)
	assert.Equal(t, []string{"abc", "def"}, initial.Updates)
}

func TestBroadcastOrderMatchesAppendOrder(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())

	a := engine.Connect()
	loginAnonymous(t, engine, a, "a")
	b := engine.Connect()
	loginAnonymous(t, engine, b, "b")
	c := engine.Connect()
	loginAnonymous(t, engine, c, "c")

	watch := &protocol.WatchBranch{
		Type:   protocol.MessageTypeWatchBranch,
		Inst:   "inst",
		Branch: "main",
	}
	sendMessage(engine, a, 2, watch)
	nextMessage(t, a)
	sendMessage(engine, b, 2, watch)
	nextMessage(t, b)

	n := 20
	for i := 0; i < n; i += 1 {
		sendMessage(engine, c, int64(10+i), &protocol.AddUpdates{
			Type:     protocol.MessageTypeAddUpdates,
			Inst:     "inst",
			Branch:   "main",
			Updates:  []string{fmt.Sprintf("u%d", i)},
			UpdateId: int64(i),
		})
		received, ok := nextMessage(t, c).(*protocol.UpdatesReceived)
		assert.Equal(t, true, ok)
		assert.Equal(t, int64(i), received.UpdateId)
	}

	// both watchers observe the same append order
	for _, watcher := range []*ClientConnection{a, b} {
		for i := 0; i < n; i += 1 {
			broadcast, ok := nextMessage(t, watcher).(*protocol.AddUpdates)
			assert.Equal(t, true, ok)
			assert.Equal(t, []string{fmt.Sprintf("u%d", i)}, broadcast.Updates)
		}
	}
}

func TestUnwatchStopsDelivery(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())

	a := engine.Connect()
	loginAnonymous(t, engine, a, "a")
	b := engine.Connect()
	loginAnonymous(t, engine, b, "b")

	sendMessage(engine, a, 2, &protocol.WatchBranch{
		Type:   protocol.MessageTypeWatchBranch,
		Inst:   "inst",
		Branch: "main",
	})
	nextMessage(t, a)

	sendMessage(engine, a, 3, &protocol.UnwatchBranch{
		Type:   protocol.MessageTypeUnwatchBranch,
		Inst:   "inst",
		Branch: "main",
	})

	sendMessage(engine, b, 2, &protocol.AddUpdates{
		Type:    protocol.MessageTypeAddUpdates,
		Inst:    "inst",
		Branch:  "main",
		Updates: []string{"def"},
	})
	nextMessage(t, b)

	assertNoEvent(t, a)
}

func TestPresenceNotifications(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())

	a := engine.Connect()
	loginAnonymous(t, engine, a, "a")
	b := engine.Connect()
	loginAnonymous(t, engine, b, "b")

	sendMessage(engine, a, 2, &protocol.WatchBranchDevices{
		Type:   protocol.MessageTypeWatchBranchDevices,
		Inst:   "inst",
		Branch: "main",
	})

	sendMessage(engine, b, 2, &protocol.WatchBranch{
		Type:   protocol.MessageTypeWatchBranch,
		Inst:   "inst",
		Branch: "main",
	})
	nextMessage(t, b)

	// exactly one connected notification naming b
	connected, ok := nextMessage(t, a).(*protocol.ConnectedToBranch)
	assert.Equal(t, true, ok)
	assert.Equal(t, "b", connected.Connection.ConnectionId)
	assert.Equal(t, "inst", connected.Inst)
	assert.Equal(t, "main", connected.Branch)

	// a repeated watch is idempotent and does not re-notify
	sendMessage(engine, b, 3, &protocol.WatchBranch{
		Type:   protocol.MessageTypeWatchBranch,
		Inst:   "inst",
		Branch: "main",
	})
	nextMessage(t, b)
	assertNoEvent(t, a)

	sendMessage(engine, b, 4, &protocol.UnwatchBranch{
		Type:   protocol.MessageTypeUnwatchBranch,
		Inst:   "inst",
		Branch: "main",
	})
	disconnected, ok := nextMessage(t, a).(*protocol.DisconnectedFromBranch)
	assert.Equal(t, true, ok)
	assert.Equal(t, "b", disconnected.Connection.ConnectionId)
}

func TestDisconnectNotifiesPresence(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())

	a := engine.Connect()
	loginAnonymous(t, engine, a, "a")
	b := engine.Connect()
	loginAnonymous(t, engine, b, "b")

	sendMessage(engine, a, 2, &protocol.WatchBranchDevices{
		Type:   protocol.MessageTypeWatchBranchDevices,
		Inst:   "inst",
		Branch: "main",
	})
	sendMessage(engine, b, 2, &protocol.WatchBranch{
		Type:   protocol.MessageTypeWatchBranch,
		Inst:   "inst",
		Branch: "main",
	})
	nextMessage(t, b)
	nextMessage(t, a)

	engine.Disconnect(b)

	disconnected, ok := nextMessage(t, a).(*protocol.DisconnectedFromBranch)
	assert.Equal(t, true, ok)
	assert.Equal(t, "b", disconnected.Connection.ConnectionId)
	assert.Equal(t, engine.registry.GetConnection(b.ConnectionId()), nil)
}

func TestSendActionTargets(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())

	a := engine.Connect()
	loginAnonymous(t, engine, a, "a")
	b := engine.Connect()
	loginAnonymous(t, engine, b, "b")
	c := engine.Connect()
	loginAnonymous(t, engine, c, "c")

	watch := &protocol.WatchBranch{
		Type:   protocol.MessageTypeWatchBranch,
		Inst:   "inst",
		Branch: "main",
	}
	for _, client := range []*ClientConnection{a, b, c} {
		sendMessage(engine, client, 2, watch)
		nextMessage(t, client)
	}

	// broadcast reaches every other watcher, wrapped with the sender
	sendMessage(engine, a, 3, &protocol.SendAction{
		Type:   protocol.MessageTypeSendAction,
		Inst:   "inst",
		Branch: "main",
		Action: json.RawMessage(`{"op": "ping"}`),
	})
	for _, client := range []*ClientConnection{b, c} {
		receiveAction, ok := nextMessage(t, client).(*protocol.ReceiveAction)
		assert.Equal(t, true, ok)
		assert.Equal(t, "a", receiveAction.Connection.ConnectionId)
	}
	assertNoEvent(t, a)

	// targeted delivery reaches only the named connection
	sendMessage(engine, a, 4, &protocol.SendAction{
		Type:         protocol.MessageTypeSendAction,
		Inst:         "inst",
		Branch:       "main",
		Action:       json.RawMessage(`{"op": "ping"}`),
		ConnectionId: "b",
	})
	_, ok := nextMessage(t, b).(*protocol.ReceiveAction)
	assert.Equal(t, true, ok)
	assertNoEvent(t, c)

	// no matching target is a no-op, not an error
	sendMessage(engine, a, 5, &protocol.SendAction{
		Type:         protocol.MessageTypeSendAction,
		Inst:         "inst",
		Branch:       "main",
		Action:       json.RawMessage(`{"op": "ping"}`),
		ConnectionId: "nobody",
	})
	assertNoEvent(t, a)
}

func TestConnectionCount(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())

	a := engine.Connect()
	loginAnonymous(t, engine, a, "a")
	b := engine.Connect()
	loginAnonymous(t, engine, b, "b")

	sendMessage(engine, b, 2, &protocol.WatchBranch{
		Type:   protocol.MessageTypeWatchBranch,
		Inst:   "inst",
		Branch: "main",
	})
	nextMessage(t, b)

	sendMessage(engine, a, 2, &protocol.ConnectionCount{
		Type:   protocol.MessageTypeConnectionCount,
		Inst:   "inst",
		Branch: "main",
	})
	count, ok := nextMessage(t, a).(*protocol.ConnectionCount)
	assert.Equal(t, true, ok)
	assert.Equal(t, 1, count.Count)
}

func TestSyncTime(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())
	client := engine.Connect()

	// no login and no authorization required
	before := time.Now().UnixMilli()
	sendMessage(engine, client, 1, &protocol.SyncTime{
		Type:              protocol.MessageTypeSyncTime,
		Id:                9,
		ClientRequestTime: 12345,
	})
	syncTime, ok := nextMessage(t, client).(*protocol.SyncTime)
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(9), syncTime.Id)
	assert.Equal(t, int64(12345), syncTime.ClientRequestTime)
	if syncTime.ServerReceiveTime < before || syncTime.ServerTransmitTime < syncTime.ServerReceiveTime {
		t.Fatalf("bad server times: %d %d", syncTime.ServerReceiveTime, syncTime.ServerTransmitTime)
	}
}

func TestGetUpdates(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())
	client := engine.Connect()
	loginAnonymous(t, engine, client, "a")

	sendMessage(engine, client, 2, &protocol.AddUpdates{
		Type:    protocol.MessageTypeAddUpdates,
		Inst:    "inst",
		Branch:  "main",
		Updates: []string{"abc"},
	})
	nextMessage(t, client)

	sendMessage(engine, client, 3, &protocol.GetUpdates{
		Type:   protocol.MessageTypeGetUpdates,
		Inst:   "inst",
		Branch: "main",
	})
	addUpdates, ok := nextMessage(t, client).(*protocol.AddUpdates)
	assert.Equal(t, true, ok)
	assert.Equal(t, []string{"abc"}, addUpdates.Updates)
	assert.Equal(t, 1, len(addUpdates.Timestamps))
	assert.Equal(t, false, addUpdates.Initial)

	// get_updates does not create a watch edge
	assert.Equal(t, 0, engine.registry.CountWatchers(BranchKey{Inst: "inst", Branch: "main"}))
}

func TestNotAuthorized(t *testing.T) {
	policy := NewMemoryPolicy()
	// u1 can read but not write. The inst subject can do both
	policy.SetMarkers("r", "inst", []string{"secret"})
	policy.Grant("r", Subject{Kind: SubjectKindUser, Id: "u1"}, PermissionInstRead)
	policy.Grant("r", Subject{Kind: SubjectKindInst, Id: "inst"},
		PermissionInstRead, PermissionInstUpdateData, PermissionInstCreate)

	engine := newTestEngine(t, policy)
	client := engine.Connect()

	token, err := SignConnectionToken(testSecret, &ConnectionToken{
		ConnectionId: "client-1",
		RecordName:   "r",
		Inst:         "inst",
		UserId:       "u1",
	}, 1*time.Hour)
	assert.Equal(t, err, nil)
	sendMessage(engine, client, 1, &protocol.Login{
		Type:            protocol.MessageTypeLogin,
		ConnectionToken: token,
	})
	nextMessage(t, client)

	// read allowed
	sendMessage(engine, client, 2, &protocol.WatchBranch{
		Type:       protocol.MessageTypeWatchBranch,
		RecordName: "r",
		Inst:       "inst",
		Branch:     "main",
	})
	initial, ok := nextMessage(t, client).(*protocol.AddUpdates)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, initial.Initial)

	// write denied for the user subject, and the log is untouched
	sendMessage(engine, client, 3, &protocol.AddUpdates{
		Type:       protocol.MessageTypeAddUpdates,
		RecordName: "r",
		Inst:       "inst",
		Branch:     "main",
		Updates:    []string{"abc"},
		UpdateId:   1,
	})
	event := nextEvent(t, client)
	assert.Equal(t, protocol.EventTypeError, event.Type)
	assert.Equal(t, protocol.ErrorCodeNotAuthorized, event.Err.ErrorCode)
	assert.Equal(t, SubjectKindUser, event.Err.Reason.Kind)
	assert.Equal(t, "u1", event.Err.Reason.Id)
	assert.Equal(t, "secret", event.Err.Reason.Marker)

	updates, err := engine.store.GetCurrentUpdates(context.Background(), BranchKey{RecordName: "r", Inst: "inst", Branch: "main"})
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(updates.Updates))
}

func TestNotAuthorizedInstSubject(t *testing.T) {
	policy := NewMemoryPolicy()
	// the user passes but the inst subject does not
	policy.Grant("r", Subject{Kind: SubjectKindUser, Id: "u1"}, PermissionInstRead)

	engine := newTestEngine(t, policy)
	client := engine.Connect()

	token, err := SignConnectionToken(testSecret, &ConnectionToken{
		ConnectionId: "client-1",
		RecordName:   "r",
		Inst:         "inst",
		UserId:       "u1",
	}, 1*time.Hour)
	assert.Equal(t, err, nil)
	sendMessage(engine, client, 1, &protocol.Login{
		Type:            protocol.MessageTypeLogin,
		ConnectionToken: token,
	})
	nextMessage(t, client)

	sendMessage(engine, client, 2, &protocol.WatchBranch{
		Type:       protocol.MessageTypeWatchBranch,
		RecordName: "r",
		Inst:       "inst",
		Branch:     "main",
	})
	event := nextEvent(t, client)
	assert.Equal(t, protocol.EventTypeError, event.Type)
	assert.Equal(t, protocol.ErrorCodeNotAuthorized, event.Err.ErrorCode)
	assert.Equal(t, SubjectKindInst, event.Err.Reason.Kind)
	assert.Equal(t, "inst", event.Err.Reason.Id)
}

func TestAnonymousBranchSkipsPolicy(t *testing.T) {
	// a policy that denies everything still admits anonymous branches
	engine := newTestEngine(t, NewMemoryPolicy())
	client := engine.Connect()
	loginAnonymous(t, engine, client, "a")

	sendMessage(engine, client, 2, &protocol.AddUpdates{
		Type:     protocol.MessageTypeAddUpdates,
		Inst:     "inst",
		Branch:   "main",
		Updates:  []string{"abc"},
		UpdateId: 1,
	})
	received, ok := nextMessage(t, client).(*protocol.UpdatesReceived)
	assert.Equal(t, true, ok)
	assert.Equal(t, int64(1), received.UpdateId)
}

func TestBackpressureForcesDisconnect(t *testing.T) {
	settings := DefaultSyncEngineSettings()
	settings.SendQueueSize = 2
	engine := newTestEngineWithSettings(t, NewAllowAllPolicy(), settings)

	a := engine.Connect()
	loginAnonymous(t, engine, a, "a")
	b := engine.Connect()
	loginAnonymous(t, engine, b, "b")

	sendMessage(engine, a, 2, &protocol.WatchBranch{
		Type:   protocol.MessageTypeWatchBranch,
		Inst:   "inst",
		Branch: "main",
	})
	nextMessage(t, a)

	// a stops draining. Its queue fills and the engine force
	// disconnects it rather than stalling b
	for i := 0; i < 5; i += 1 {
		sendMessage(engine, b, int64(10+i), &protocol.AddUpdates{
			Type:    protocol.MessageTypeAddUpdates,
			Inst:    "inst",
			Branch:  "main",
			Updates: []string{"u"},
		})
		nextMessage(t, b)
	}

	assert.Equal(t, engine.registry.GetConnection(a.ConnectionId()), nil)
	assert.Equal(t, int64(1), engine.SlowDisconnectCount())
}

func TestMalformedEvent(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())
	client := engine.Connect()

	engine.HandleEvent(context.Background(), client, []byte("not json"))
	event := nextEvent(t, client)
	assert.Equal(t, protocol.EventTypeError, event.Type)
	assert.Equal(t, protocol.ErrorCodeUnacceptableRequest, event.Err.ErrorCode)

	// the connection stays open and usable
	loginAnonymous(t, engine, client, "a")
}

func TestRateLimit(t *testing.T) {
	settings := DefaultSyncEngineSettings()
	settings.RateLimit = &RateLimitSettings{
		Enabled:           true,
		MessagesPerSecond: 1,
		Burst:             2,
	}
	engine := newTestEngineWithSettings(t, NewAllowAllPolicy(), settings)
	client := engine.Connect()

	loginAnonymous(t, engine, client, "a")
	sendMessage(engine, client, 2, &protocol.SyncTime{
		Type: protocol.MessageTypeSyncTime,
		Id:   1,
	})
	nextMessage(t, client)

	sendMessage(engine, client, 3, &protocol.SyncTime{
		Type: protocol.MessageTypeSyncTime,
		Id:   2,
	})
	event := nextEvent(t, client)
	assert.Equal(t, protocol.EventTypeError, event.Type)
	assert.Equal(t, protocol.ErrorCodeRateLimitExceeded, event.Err.ErrorCode)
	if event.Err.RetryAfter <= 0 {
		t.Fatalf("expected retry after guidance, got %d", event.Err.RetryAfter)
	}
}

func TestUploadRequest(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())
	client := engine.Connect()

	eventBytes, err := protocol.EncodeUploadRequestEvent(7)
	assert.Equal(t, err, nil)
	engine.HandleEvent(context.Background(), client, eventBytes)

	event := nextEvent(t, client)
	assert.Equal(t, protocol.EventTypeUploadResponse, event.Type)
	assert.Equal(t, int64(7), event.RequestId)
	assert.NotEqual(t, "", event.UploadUrl)
}

func TestDownloadRequestProcessesInline(t *testing.T) {
	engine := newTestEngine(t, NewAllowAllPolicy())
	client := engine.Connect()

	// the payload is a login message stored out-of-band
	blob := engine.blob.(*MemoryBlobClient)
	payload, err := json.Marshal(&protocol.Login{
		Type:         protocol.MessageTypeLogin,
		ConnectionId: "client-1",
	})
	assert.Equal(t, err, nil)
	downloadUrl, err := blob.Upload(context.Background(), payload)
	assert.Equal(t, err, nil)

	eventBytes, err := protocol.EncodeDownloadRequestEvent(8, downloadUrl)
	assert.Equal(t, err, nil)
	engine.HandleEvent(context.Background(), client, eventBytes)

	result, ok := nextMessage(t, client).(*protocol.LoginResult)
	assert.Equal(t, true, ok)
	assert.Equal(t, "client-1", result.Info.ConnectionId)
}

func TestLargeReplyGoesOutOfBand(t *testing.T) {
	settings := DefaultSyncEngineSettings()
	settings.MaxInlinePayloadByteCount = ByteCount(200)
	engine := newTestEngineWithSettings(t, NewAllowAllPolicy(), settings)

	client := engine.Connect()
	loginAnonymous(t, engine, client, "a")

	large := make([]byte, 256)
	for i := range large {
		large[i] = 'x'
	}
	sendMessage(engine, client, 2, &protocol.AddUpdates{
		Type:    protocol.MessageTypeAddUpdates,
		Inst:    "inst",
		Branch:  "main",
		Updates: []string{string(large)},
	})
	nextMessage(t, client)

	sendMessage(engine, client, 3, &protocol.GetUpdates{
		Type:   protocol.MessageTypeGetUpdates,
		Inst:   "inst",
		Branch: "main",
	})
	event := nextEvent(t, client)
	assert.Equal(t, protocol.EventTypeDownloadRequest, event.Type)

	payload, err := engine.blob.Download(context.Background(), event.DownloadUrl)
	assert.Equal(t, err, nil)
	message, err := protocol.DecodeMessage(payload)
	assert.Equal(t, err, nil)
	addUpdates, ok := message.(*protocol.AddUpdates)
	assert.Equal(t, true, ok)
	assert.Equal(t, 1, len(addUpdates.Updates))
}
