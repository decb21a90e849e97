package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/agentgrid/agentgrid/internal/core/comm"
	"github.com/agentgrid/agentgrid/internal/core/events/bus"
	"github.com/agentgrid/agentgrid/internal/core/observability/log"
)

// Config holds the WebSocket gateway settings.
type Config struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	ReadBufferSize  int           `yaml:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" json:"write_buffer_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// Gateway bridges agents connected over WebSocket to the message bus.
// Each connection represents one agent: inbound binary frames feed
// Manager.Receive, and dispatch batches are pushed out to the recipient
// agents' sockets, acknowledging per delivery outcome.
type Gateway struct {
	cfg      Config
	logger   log.Log
	manager  *comm.Manager
	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.Mutex
	conns map[string]*websocket.Conn // agent id -> connection
	sub   bus.Subscription
}

func New(cfg Config, manager *comm.Manager, logger log.Log) *Gateway {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = 4096
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Gateway{
		cfg:     cfg,
		logger:  logger.With(log.String("component", "gateway")),
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		conns: make(map[string]*websocket.Conn),
	}
}

// Start subscribes to dispatch batches and serves the WebSocket endpoint
// until the context is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	sub, err := g.manager.Events().Subscribe(comm.EventBatchReady, g.onBatchReady)
	if err != nil {
		return fmt.Errorf("subscribing to dispatch batches: %w", err)
	}
	g.mu.Lock()
	g.sub = sub
	g.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWebSocket)
	g.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port),
		Handler: mux,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		g.logger.Info("gateway listening", log.String("addr", g.server.Addr))
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		return g.Stop(context.Background())
	})
	return group.Wait()
}

// Stop closes the HTTP server and every agent connection.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	sub := g.sub
	g.sub = nil
	conns := g.conns
	g.conns = make(map[string]*websocket.Conn)
	g.mu.Unlock()

	_ = g.manager.Events().Unsubscribe(sub)
	for id, conn := range conns {
		if err := conn.Close(); err != nil {
			g.logger.Warn("closing agent connection", log.String("agent", id), log.Error(err))
		}
	}
	if g.server != nil {
		return g.server.Shutdown(ctx)
	}
	return nil
}

// handleWebSocket upgrades the connection, registers the agent with the
// bus and pumps inbound frames into the manager until the socket closes.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent")
	if agentID == "" {
		http.Error(w, "agent query parameter is required", http.StatusBadRequest)
		return
	}
	var capabilities []string
	if raw := r.URL.Query().Get("capabilities"); raw != "" {
		capabilities = strings.Split(raw, ",")
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", log.Error(err))
		return
	}

	if err := g.manager.RegisterAgent(comm.AgentEndpoint{
		ID:           agentID,
		Address:      conn.RemoteAddr().String(),
		Capabilities: capabilities,
		Status:       comm.AgentOnline,
	}); err != nil {
		g.logger.Warn("agent registration refused", log.String("agent", agentID), log.Error(err))
		_ = conn.Close()
		return
	}

	g.mu.Lock()
	g.conns[agentID] = conn
	g.mu.Unlock()
	g.logger.Info("agent connected", log.String("agent", agentID), log.Strings("capabilities", capabilities))

	go g.readLoop(agentID, conn)
}

func (g *Gateway) readLoop(agentID string, conn *websocket.Conn) {
	defer func() {
		g.mu.Lock()
		delete(g.conns, agentID)
		g.mu.Unlock()
		_ = conn.Close()
		if err := g.manager.UnregisterAgent(agentID); err != nil {
			g.logger.Warn("agent unregistration failed", log.String("agent", agentID), log.Error(err))
		}
		g.logger.Info("agent disconnected", log.String("agent", agentID))
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			continue
		}
		if _, err := g.manager.Receive(data, nil); err != nil {
			g.logger.Warn("inbound message refused", log.String("agent", agentID), log.Error(err))
		}
	}
}

// onBatchReady delivers each message of a dispatch batch to its
// recipients' sockets and acknowledges per outcome: ack when at least
// one recipient received it, nack otherwise so the queue retries.
func (g *Gateway) onBatchReady(event bus.Event) error {
	data, ok := event.Data().(comm.BatchEventData)
	if !ok || data.Batch == nil {
		return nil
	}
	for _, msg := range data.Batch.Messages {
		delivered := g.deliver(msg)
		if delivered > 0 {
			_ = g.manager.Acknowledge(msg.ID, "gateway", comm.AckOK, "")
		} else {
			_ = g.manager.Acknowledge(msg.ID, "gateway", comm.AckNack, "no recipient connection")
		}
	}
	return nil
}

func (g *Gateway) deliver(msg *comm.Message) int {
	payload, err := g.manager.Serializer().Serialize(msg, nil)
	if err != nil {
		g.logger.Error("serializing outbound message", log.String("message_id", msg.ID), log.Error(err))
		return 0
	}

	delivered := 0
	for _, recipient := range msg.Recipient {
		g.mu.Lock()
		conn, online := g.conns[recipient]
		g.mu.Unlock()
		if !online {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			g.logger.Warn("delivery failed",
				log.String("message_id", msg.ID),
				log.String("recipient", recipient),
				log.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}
