package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rwmonitor/internal/bytelog"
	"rwmonitor/internal/procfs"
	"rwmonitor/internal/protocol"
	"rwmonitor/internal/watcher"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	defaultPollInterval  = 200 * time.Millisecond
	defaultMaxWriteBytes = 1024
	defaultReadCount     = 4096
	sendBufferSize       = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var errClientGone = errors.New("client disconnected")
var errSendBufferFull = errors.New("client send buffer full")

// Options configures a Server.
type Options struct {
	Logger *zap.Logger

	// PollInterval is how often subscriptions check their log for data.
	PollInterval time.Duration

	// MaxWriteBytes caps a single write request.
	MaxWriteBytes int64

	// Monitor, when set, is told about every read and write on the
	// entries named in Monitored.
	Monitor   EventRecorder
	Monitored []string
}

// EventRecorder receives read/write events on monitored entries.
type EventRecorder interface {
	Record(op watcher.Op, path string)
}

// Server exposes published logs over HTTP and WebSocket.
type Server struct {
	registry      *procfs.Registry
	logger        *zap.Logger
	pollInterval  time.Duration
	maxWriteBytes int64
	monitor       EventRecorder
	monitored     map[string]bool

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// subscriptions tracks the active log subscriptions per client.
	// key: client, value: map[name]stop channel
	subscriptions   map[*client]map[string]chan struct{}
	subscriptionsMu sync.Mutex
}

type client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	server    *Server
}

// New creates a server over registry.
func New(registry *procfs.Registry, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxWriteBytes <= 0 {
		opts.MaxWriteBytes = defaultMaxWriteBytes
	}
	monitored := make(map[string]bool, len(opts.Monitored))
	for _, name := range opts.Monitored {
		monitored[name] = true
	}
	return &Server{
		registry:      registry,
		logger:        opts.Logger.Named("realtime"),
		pollInterval:  opts.PollInterval,
		maxWriteBytes: opts.MaxWriteBytes,
		monitor:       opts.Monitor,
		monitored:     monitored,
		clients:       make(map[*client]bool),
		subscriptions: make(map[*client]map[string]chan struct{}),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /logs", s.handleListLogs)
	mux.HandleFunc("GET /logs/{name}", s.handleReadLog)
	mux.HandleFunc("POST /logs/{name}", s.handleWriteLog)
	mux.HandleFunc("DELETE /logs/{name}", s.handleDiscardLog)
	mux.HandleFunc("GET /logs/{name}/stats", s.handleLogStats)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Close disconnects every WebSocket client.
func (s *Server) Close() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]chan struct{})
	s.subscriptionsMu.Unlock()

	s.logger.Debug("websocket client connected", zap.String("client", c.id), zap.String("remote", r.RemoteAddr))

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read failed", zap.String("client", c.id), zap.Error(err))
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue hands data to the write pump without blocking.
func (c *client) enqueue(data []byte) error {
	select {
	case <-c.done:
		return errClientGone
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errClientGone
	default:
		return errSendBufferFull
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for _, stop := range subs {
		close(stop)
	}

	c.close()
	s.logger.Debug("websocket client disconnected", zap.String("client", c.id))
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeLogRead:
		s.handleWSRead(c, msg)
	case protocol.TypeLogWrite:
		s.handleWSWrite(c, msg)
	case protocol.TypeLogSubscribe:
		s.handleWSSubscribe(c, msg)
	case protocol.TypeLogUnsubscribe:
		s.handleWSUnsubscribe(c, msg)
	}
}

func (s *Server) handleWSRead(c *client, msg *protocol.Message) {
	var payload protocol.LogReadPayload
	json.Unmarshal(msg.Payload, &payload)

	f, err := s.registry.Open(payload.Name, procfs.FlagRead)
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}

	n, err := f.ReadTo(&frameWriter{c: c, name: payload.Name}, payload.Count)
	if err != nil {
		s.logger.Warn("websocket read delivery failed", zap.String("client", c.id), zap.String("name", payload.Name), zap.Error(err))
		s.sendError(c, protocol.ErrTransferFault, err.Error())
		return
	}
	s.observe(watcher.OpRead, payload.Name)
	if n == 0 {
		// End of data: an empty frame tells the client nothing is buffered.
		s.sendMessage(c, protocol.TypeLogData, protocol.LogDataPayload{Name: payload.Name})
	}
}

func (s *Server) handleWSWrite(c *client, msg *protocol.Message) {
	var payload protocol.LogWritePayload
	json.Unmarshal(msg.Payload, &payload)

	if int64(len(payload.Data)) > s.maxWriteBytes {
		s.sendError(c, protocol.ErrInvalidMessage, "data exceeds maximum write size")
		return
	}

	f, err := s.registry.Open(payload.Name, procfs.FlagWrite)
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}

	n, err := f.Write(payload.Data)
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}
	s.observe(watcher.OpWrite, payload.Name)
	s.sendMessage(c, protocol.TypeLogWritten, protocol.LogWrittenPayload{Name: payload.Name, Count: n})
}

func (s *Server) handleWSSubscribe(c *client, msg *protocol.Message) {
	var payload protocol.LogNamePayload
	json.Unmarshal(msg.Payload, &payload)

	f, err := s.registry.Open(payload.Name, procfs.FlagRead)
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}

	s.subscriptionsMu.Lock()
	subs, ok := s.subscriptions[c]
	if !ok {
		s.subscriptionsMu.Unlock()
		return // Client already removed.
	}
	if _, exists := subs[payload.Name]; exists {
		s.subscriptionsMu.Unlock()
		return // Already subscribed.
	}
	stop := make(chan struct{})
	subs[payload.Name] = stop
	s.subscriptionsMu.Unlock()

	go s.pollLog(c, f, stop)
}

func (s *Server) handleWSUnsubscribe(c *client, msg *protocol.Message) {
	var payload protocol.LogNamePayload
	json.Unmarshal(msg.Payload, &payload)

	s.subscriptionsMu.Lock()
	stop, ok := s.subscriptions[c][payload.Name]
	if ok {
		delete(s.subscriptions[c], payload.Name)
	}
	s.subscriptionsMu.Unlock()

	if ok {
		close(stop)
	}
}

// pollLog forwards everything that appears in f to c until stopped.
func (s *Server) pollLog(c *client, f *procfs.File, stop chan struct{}) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	fw := &frameWriter{c: c, name: f.Name()}
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			n, err := f.ReadTo(fw, defaultReadCount)
			if n > 0 {
				s.observe(watcher.OpRead, f.Name())
			}
			if err != nil {
				if errors.Is(err, errClientGone) {
					return
				}
				// Undelivered bytes stay buffered for the next tick.
				s.logger.Debug("subscription delivery deferred", zap.String("client", c.id), zap.String("name", f.Name()), zap.Error(err))
			}
		}
	}
}

// frameWriter delivers drained bytes to a client as log.data frames.
type frameWriter struct {
	c    *client
	name string
}

func (fw *frameWriter) Write(p []byte) (int, error) {
	msg, err := protocol.NewMessage(protocol.TypeLogData, protocol.LogDataPayload{
		Name:  fw.name,
		Data:  p,
		Count: len(p),
	})
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	if err := fw.c.enqueue(data); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *Server) sendMessage(c *client, msgType string, payload interface{}) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	data, _ := json.Marshal(msg)
	c.enqueue(data)
}

// observe reports op on name to the monitor if name is monitored.
func (s *Server) observe(op watcher.Op, name string) {
	if s.monitor != nil && s.monitored[name] {
		s.monitor.Record(op, name)
	}
}

// errorCode maps registry and log errors to protocol error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, procfs.ErrNotFound):
		return protocol.ErrNotFound
	case errors.Is(err, procfs.ErrPermission):
		return protocol.ErrPermissionDenied
	case errors.Is(err, bytelog.ErrTransferFault):
		return protocol.ErrTransferFault
	}
	return protocol.ErrInvalidMessage
}
