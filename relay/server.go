package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type WebsocketServerSettings struct {
	HandshakeTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	MaxMessageSize   ByteCount
	ReadBufferSize   int
	WriteBufferSize  int
}

func DefaultWebsocketServerSettings() *WebsocketServerSettings {
	return &WebsocketServerSettings{
		HandshakeTimeout: 2 * time.Second,
		PingTimeout:      1 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		MaxMessageSize:   mib(32),
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
}

// WebsocketServer accepts transport sessions and bridges them onto the
// sync engine. Inbound messages for one session are processed one at a
// time: a message is fully handled before the next one from the same
// session begins.
type WebsocketServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	engine *SyncEngine

	upgrader *websocket.Upgrader

	settings *WebsocketServerSettings
}

func NewWebsocketServerWithDefaults(ctx context.Context, engine *SyncEngine) *WebsocketServer {
	return NewWebsocketServer(ctx, engine, DefaultWebsocketServerSettings())
}

func NewWebsocketServer(ctx context.Context, engine *SyncEngine, settings *WebsocketServerSettings) *WebsocketServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WebsocketServer{
		ctx:    cancelCtx,
		cancel: cancel,
		engine: engine,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
			ReadBufferSize:   settings.ReadBufferSize,
			WriteBufferSize:  settings.WriteBufferSize,
			// access control happens at login, not at upgrade
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		settings: settings,
	}
}

func (self *WebsocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[ts]upgrade error = %s\n", err)
		return
	}

	client := self.engine.Connect()
	go self.runWriter(client, ws)
	go self.runReader(client, ws)
}

// runWriter drains the engine's outbound queue into the socket.
// an empty binary message is a ping.
func (self *WebsocketServer) runWriter(client *ClientConnection, ws *websocket.Conn) {
	defer ws.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-client.Done():
			return
		case eventBytes, ok := <-client.Events():
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, eventBytes); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				glog.Infof("[ts]%s-> error = %s\n", client.ConnectionId(), err)
				self.engine.Disconnect(client)
				return
			}
			glog.V(2).Infof("[ts]%s->\n", client.ConnectionId())
		case <-time.After(self.settings.PingTimeout):
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				self.engine.Disconnect(client)
				return
			}
		}
	}
}

// runReader feeds inbound events to the engine sequentially.
func (self *WebsocketServer) runReader(client *ClientConnection, ws *websocket.Conn) {
	defer func() {
		ws.Close()
		self.engine.Disconnect(client)
	}()

	ws.SetReadLimit(self.settings.MaxMessageSize)

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-client.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[tr]%s<- error = %s\n", client.ConnectionId(), err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			glog.V(2).Infof("[tr]%s<-\n", client.ConnectionId())
			self.engine.HandleEvent(self.ctx, client, message)
		case websocket.BinaryMessage:
			if 0 == len(message) {
				// ping
				glog.V(2).Infof("[tr]ping %s<-\n", client.ConnectionId())
				continue
			}
			self.engine.HandleEvent(self.ctx, client, message)
		default:
			glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, client.ConnectionId())
		}
	}
}

func (self *WebsocketServer) Close() {
	self.cancel()
}
