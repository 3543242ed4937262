package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ========================= 进度事件 =========================

// Event 扫描进度：每完成一个组合推送一次
type Event struct {
	SweepID      string  `json:"sweep_id"`
	Kind         string  `json:"kind,omitempty"`
	Asset        string  `json:"asset"`
	Done         int     `json:"done"`
	Total        int     `json:"total"`
	StopLevel    float64 `json:"stop_level"`
	ProfitTarget float64 `json:"profit_target"`
	Calmar       float64 `json:"calmar"`
	Finished     bool    `json:"finished,omitempty"`
	Error        string  `json:"error,omitempty"`
}

const (
	writeWait   = 5 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 20 * time.Second
	sendBufSize = 256
)

//////////////////////////////////////////////////////////////////////
// ============================== Hub ============================== //
//////////////////////////////////////////////////////////////////////

// Hub 广播扫描进度给所有 websocket 订阅者；慢客户端丢消息，不阻塞扫描
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	// 进程内订阅（测试 / 日志）
	handlers []func(Event)
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	closeCh chan struct{}
	once    sync.Once
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 只读推送，不做来源校验
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// OnEvent 注册进程内回调
func (h *Hub) OnEvent(fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, fn)
}

// Clients 当前连接数
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish 非阻塞广播
func (h *Hub) Publish(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("encode progress event", zap.Error(err))
		return
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	hs := append([]func(Event){}, h.handlers...)
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Debug("stream client queue full, dropping event", zap.String("sweep_id", ev.SweepID))
		}
	}
	h.mu.RUnlock()

	for _, fn := range hs {
		fn(ev)
	}
}

// ServeWS 升级连接并挂到 Hub 上
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		conn:    conn,
		send:    make(chan []byte, sendBufSize),
		closeCh: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("stream client connected", zap.String("remote", r.RemoteAddr), zap.Int("clients", n))

	go h.writeLoop(c)
	go h.readLoop(c)
}

// Close 断开所有客户端
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	cs := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		cs = append(cs, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range cs {
		c.shutdown()
	}
}

//////////////////////////////////////////////////////////////////////
// ============================ 连接循环 ============================ //
//////////////////////////////////////////////////////////////////////

// readLoop 只处理控制帧；读错即断开
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("stream client read error", zap.Error(err))
			}
			return
		}
	}
}

// writeLoop 单写者：消息 + 心跳
func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(c)
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.logger.Debug("stream ping failed", zap.Error(err))
				return
			}
		case <-c.closeCh:
			deadline := time.Now().Add(writeWait)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), deadline)
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.shutdown()
	if ok {
		h.logger.Info("stream client disconnected", zap.Int("clients", n))
	}
}

func (c *client) shutdown() {
	c.once.Do(func() {
		close(c.closeCh)
		// 给 writeLoop 发关闭帧的机会
		time.AfterFunc(writeWait, func() { _ = c.conn.Close() })
	})
}
