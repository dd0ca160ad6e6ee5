package services

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"hypergate-backend/internal/metrics"
	"hypergate-backend/internal/models"
	"hypergate-backend/internal/utils"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin filtering happens in the CORS layer in front of this.
		return true
	},
}

// Connection is one websocket subscriber, bound to a wallet address.
type Connection struct {
	ID          string
	UserAddress string
	Conn        *websocket.Conn
	Send        chan []byte
}

// PushMessage is the frame sent to subscribers.
type PushMessage struct {
	Type        string      `json:"type"`
	Timestamp   string      `json:"timestamp"`
	MessageID   string      `json:"message_id"`
	UserAddress string      `json:"user_address"`
	Data        interface{} `json:"data"`
}

// WebSocketPushService fans transfer updates out to connected wallets. It
// implements the store's Notifier, so every create and status change reaches
// the owning address without the client polling.
type WebSocketPushService struct {
	userConns  map[string][]*Connection
	hub        chan PushMessage
	register   chan *Connection
	unregister chan *Connection
	mutex      sync.RWMutex
}

// NewWebSocketPushService starts the hub goroutine.
func NewWebSocketPushService() *WebSocketPushService {
	service := &WebSocketPushService{
		userConns:  make(map[string][]*Connection),
		hub:        make(chan PushMessage, 256),
		register:   make(chan *Connection),
		unregister: make(chan *Connection),
	}

	go service.run()
	return service
}

func (s *WebSocketPushService) run() {
	for {
		select {
		case conn := <-s.register:
			s.handleRegister(conn)
		case conn := <-s.unregister:
			s.handleUnregister(conn)
		case message := <-s.hub:
			s.handleBroadcast(message)
		}
	}
}

func (s *WebSocketPushService) handleRegister(conn *Connection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.userConns[conn.UserAddress] = append(s.userConns[conn.UserAddress], conn)
	metrics.WebsocketClients.Inc()
	log.Printf("WebSocket connected: %s (%s)", conn.ID, conn.UserAddress)
}

func (s *WebSocketPushService) handleUnregister(conn *Connection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	conns := s.userConns[conn.UserAddress]
	for i, c := range conns {
		if c.ID == conn.ID {
			s.userConns[conn.UserAddress] = append(conns[:i], conns[i+1:]...)
			close(conn.Send)
			metrics.WebsocketClients.Dec()
			break
		}
	}
	if len(s.userConns[conn.UserAddress]) == 0 {
		delete(s.userConns, conn.UserAddress)
	}
}

func (s *WebSocketPushService) handleBroadcast(message PushMessage) {
	payload, err := json.Marshal(message)
	if err != nil {
		log.Printf("Failed to marshal push message: %v", err)
		return
	}

	s.mutex.RLock()
	conns := s.userConns[message.UserAddress]
	s.mutex.RUnlock()

	for _, conn := range conns {
		select {
		case conn.Send <- payload:
		default:
			// Slow consumer; the read loop will tear the connection down.
			log.Printf("Dropping push to slow connection %s", conn.ID)
		}
	}
}

// NotifyTransfer implements the store Notifier. Updates are routed only to
// connections subscribed to the transfer's wallet address.
func (s *WebSocketPushService) NotifyTransfer(event string, transfer *models.Transfer) {
	if transfer == nil {
		return
	}
	message := PushMessage{
		Type:        event,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		MessageID:   uuid.NewString(),
		UserAddress: transfer.UserAddress,
		Data:        transfer,
	}

	select {
	case s.hub <- message:
	default:
		log.Printf("Push hub full, dropping %s for %s", event, transfer.UserAddress)
	}
}

// HandleWebSocket upgrades the request and binds the connection to the
// given wallet address.
func (s *WebSocketPushService) HandleWebSocket(w http.ResponseWriter, r *http.Request, userAddress string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	connection := &Connection{
		ID:          uuid.NewString(),
		UserAddress: utils.NormalizeAddress(userAddress),
		Conn:        conn,
		Send:        make(chan []byte, 256),
	}

	s.register <- connection

	go s.writeLoop(connection)
	go s.readLoop(connection)
}

func (s *WebSocketPushService) writeLoop(conn *Connection) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *WebSocketPushService) readLoop(conn *Connection) {
	defer func() {
		s.unregister <- conn
		conn.Conn.Close()
	}()

	conn.Conn.SetReadLimit(512)
	conn.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			break
		}
	}
}

// ActiveConnections reports the current subscriber count for one address.
func (s *WebSocketPushService) ActiveConnections(userAddress string) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.userConns[utils.NormalizeAddress(userAddress)])
}
