package main

import (
	"log"
	"net/http"
	"sync"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"

	"ok-monitor/datalake"
	"ok-monitor/hub"
	"ok-monitor/inference"
	"ok-monitor/models"
)

var allowOriginFunc = func(r *http.Request) bool {
	return true
}

// socketController bridges the in-process hubs to socket.io clients. Each
// subscription spawns a forwarding goroutine that exits when its hub channel
// closes; disconnect tears every subscription for that socket down.
type socketController struct {
	captureHub *hub.Hub[models.CaptureEvent]
	triggerHub *hub.Hub[models.TriggerEvent]
	index      *datalake.RecentIndex

	mu       sync.Mutex
	cleanups map[string][]func()
}

func newSocketController(captureHub *hub.Hub[models.CaptureEvent], triggerHub *hub.Hub[models.TriggerEvent], index *datalake.RecentIndex) *socketController {
	return &socketController{
		captureHub: captureHub,
		triggerHub: triggerHub,
		index:      index,
		cleanups:   make(map[string][]func()),
	}
}

func (c *socketController) addCleanup(socketID string, cleanup func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups[socketID] = append(c.cleanups[socketID], cleanup)
}

func (c *socketController) runCleanups(socketID string) {
	c.mu.Lock()
	cleanups := c.cleanups[socketID]
	delete(c.cleanups, socketID)
	c.mu.Unlock()

	for _, cleanup := range cleanups {
		cleanup()
	}
}

// handleSubscribeCaptures streams classified-capture events for one device,
// or for every device when deviceID is empty or "all".
func (c *socketController) handleSubscribeCaptures(socket socketio.Conn, deviceID string) {
	key := deviceID
	if key == "" {
		key = hub.BroadcastKey
	}
	if key != hub.BroadcastKey {
		validated, err := inference.ValidateDeviceID(key)
		if err != nil {
			socket.Emit("subscriptionError", map[string]string{"message": err.Error()})
			return
		}
		key = validated
	}

	ch := c.captureHub.Subscribe(key)
	c.addCleanup(socket.ID(), func() { c.captureHub.Unsubscribe(key, ch) })
	log.Printf("socket %s subscribed to captures for %q\n", socket.ID(), key)

	go func() {
		for event := range ch {
			socket.Emit("capture", event)
		}
	}()
}

// handleWatchTriggers streams manual-trigger requests to the device that
// should act on them.
func (c *socketController) handleWatchTriggers(socket socketio.Conn, deviceID string) {
	validated, err := inference.ValidateDeviceID(deviceID)
	if err != nil {
		socket.Emit("subscriptionError", map[string]string{"message": err.Error()})
		return
	}

	ch := c.triggerHub.Subscribe(validated)
	c.addCleanup(socket.ID(), func() { c.triggerHub.Unsubscribe(validated, ch) })
	log.Printf("socket %s watching triggers for %q\n", socket.ID(), validated)

	go func() {
		for event := range ch {
			socket.Emit("trigger", event)
		}
	}()
}

func (c *socketController) handleRequestRecent(socket socketio.Conn, limit int) {
	if limit <= 0 {
		limit = 50
	}
	summaries := c.index.Latest(limit)
	if summaries == nil {
		summaries = []models.CaptureSummary{}
	}
	socket.Emit("recentCaptures", summaries)
}

func (c *socketController) buildServer() *socketio.Server {
	server := socketio.NewServer(&engineio.Options{
		PingTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		Transports: []transport.Transport{
			&websocket.Transport{
				CheckOrigin: allowOriginFunc,
			},
			&polling.Transport{
				CheckOrigin: allowOriginFunc,
			},
		},
	})

	server.OnConnect("/", func(socket socketio.Conn) error {
		socket.SetContext("")
		log.Printf("CONNECTED: %s, remote addr: %s\n", socket.ID(), socket.RemoteAddr())
		return nil
	})

	server.OnEvent("/", "subscribeCaptures", func(socket socketio.Conn, deviceID string) {
		c.handleSubscribeCaptures(socket, deviceID)
	})

	server.OnEvent("/", "watchTriggers", func(socket socketio.Conn, deviceID string) {
		c.handleWatchTriggers(socket, deviceID)
	})

	server.OnEvent("/", "requestRecent", func(socket socketio.Conn, limit int) {
		c.handleRequestRecent(socket, limit)
	})

	server.OnError("/", func(s socketio.Conn, e error) {
		log.Println("meet error:", e)
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		log.Printf("Socket disconnected - ID: %s, Reason: %s\n", s.ID(), reason)
		c.runCleanups(s.ID())
	})

	return server
}
