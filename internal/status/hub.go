package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/flydragon/internal/station"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// MessageType tags frames on the /events feed.
type MessageType string

const (
	MessageHello MessageType = "hello"
	MessageEvent MessageType = "event"
)

// Message is one JSON frame sent to a watcher.
type Message struct {
	Type    MessageType    `json:"type"`
	Watcher string         `json:"watcher,omitempty"`
	Event   *station.Event `json:"event,omitempty"`
}

type HubConfig struct {
	// Buffer is how many frames a watcher may lag before it is dropped.
	Buffer       int
	WriteTimeout time.Duration
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		Buffer:       64,
		WriteTimeout: 5 * time.Second,
	}
}

func (c HubConfig) WithDefaults() HubConfig {
	def := DefaultHubConfig()
	if c.Buffer <= 0 {
		c.Buffer = def.Buffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

type watcher struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (w *watcher) close() {
	w.once.Do(func() {
		close(w.send)
	})
}

// Hub fans station events out to websocket watchers. Publish never blocks:
// a watcher whose buffer is full is disconnected.
type Hub struct {
	cfg      HubConfig
	mu       sync.RWMutex
	watchers map[string]*watcher
	closed   bool
	upgrader websocket.Upgrader
}

func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		cfg:      cfg.WithDefaults(),
		watchers: make(map[string]*watcher),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Msgf("status.Hub upgrade err=%v", err)
		return
	}
	wt := &watcher{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.cfg.Buffer),
	}
	hello, _ := json.Marshal(Message{Type: MessageHello, Watcher: wt.id})
	wt.send <- hello

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.watchers[wt.id] = wt
	total := len(h.watchers)
	h.mu.Unlock()
	log.Info().Msgf("status.Hub watcher joined id=%s total=%d", wt.id, total)

	go h.writeLoop(wt)

	// reads only detect the peer going away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(wt)
}

func (h *Hub) writeLoop(wt *watcher) {
	defer wt.conn.Close()
	for data := range wt.send {
		_ = wt.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if err := wt.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug().Msgf("status.Hub write id=%s err=%v", wt.id, err)
			go h.drop(wt)
			for range wt.send {
			}
			return
		}
	}
	_ = wt.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// Publish queues ev for every watcher.
func (h *Hub) Publish(ev station.Event) {
	data, err := json.Marshal(Message{Type: MessageEvent, Event: &ev})
	if err != nil {
		log.Warn().Msgf("status.Hub marshal kind=%s err=%v", ev.Kind, err)
		return
	}
	var slow []*watcher
	h.mu.RLock()
	for _, wt := range h.watchers {
		select {
		case wt.send <- data:
		default:
			slow = append(slow, wt)
		}
	}
	h.mu.RUnlock()
	for _, wt := range slow {
		log.Warn().Msgf("status.Hub dropping slow watcher id=%s", wt.id)
		h.drop(wt)
	}
}

func (h *Hub) drop(wt *watcher) {
	h.mu.Lock()
	if _, ok := h.watchers[wt.id]; ok {
		delete(h.watchers, wt.id)
		wt.close()
		log.Info().Msgf("status.Hub watcher left id=%s total=%d", wt.id, len(h.watchers))
	}
	h.mu.Unlock()
}

func (h *Hub) WatcherCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

// Close disconnects every watcher and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, wt := range h.watchers {
		wt.close()
		delete(h.watchers, id)
	}
}
