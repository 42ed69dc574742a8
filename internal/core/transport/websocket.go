package transport

import (
	"context"
	"encoding/binary"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/netforge/replica/internal/core/observability/log"
)

// WebSocket frame layout: 1 byte channel class followed by the payload.
// TCP makes every lane reliable-ordered in practice; the class byte is
// still carried so the receiver observes the sender's declared channel.

const wsQueueSize = 4096

// WebSocketServer is the hosting side of a WebSocket session. It owns the
// listener, assigns client ids, and multiplexes all client traffic into a
// single inbound queue.
type WebSocketServer struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu     sync.RWMutex
	conns  map[ClientID]*wsConn
	nextID atomic.Uint32

	inbox  chan Inbound
	eg     *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	logger log.Log

	// OnPeerJoin and OnPeerLeave, when set before clients connect, are
	// called from connection goroutines as peers come and go.
	OnPeerJoin  func(ClientID)
	OnPeerLeave func(ClientID)
}

type wsConn struct {
	id      ClientID
	conn    *websocket.Conn
	writeMu sync.Mutex
}

var _ Driver = (*WebSocketServer)(nil)

// ListenWebSocket starts a WebSocket listener on addr and returns the
// server driver. The returned driver's local id is ServerClientID.
func ListenWebSocket(addr string, logger log.Log) (*WebSocketServer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)

	s := &WebSocketServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:  make(map[ClientID]*wsConn),
		inbox:  make(chan Inbound, wsQueueSize),
		eg:     eg,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(log.String("transport", "websocket"), log.String("addr", addr)),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	eg.Go(func() error {
		err := s.httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	s.logger.Info("WebSocket driver listening")
	return s, nil
}

func (s *WebSocketServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Upgrade failed", log.Error(err))
		return
	}

	id := ClientID(s.nextID.Add(1))
	c := &wsConn{id: id, conn: conn}

	// Hello frame: the assigned client id.
	hello := make([]byte, 4)
	binary.LittleEndian.PutUint32(hello, uint32(id))
	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.BinaryMessage, hello)
	c.writeMu.Unlock()
	if err != nil {
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	connUID := uuid.NewString()
	s.logger.Info("Client connected",
		log.Uint32("client_id", uint32(id)),
		log.String("conn_uid", connUID),
		log.String("remote", conn.RemoteAddr().String()))
	if s.OnPeerJoin != nil {
		s.OnPeerJoin(id)
	}

	s.eg.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.conns, id)
			s.mu.Unlock()
			_ = conn.Close()
			if s.OnPeerLeave != nil {
				s.OnPeerLeave(id)
			}
			s.logger.Info("Client disconnected",
				log.Uint32("client_id", uint32(id)),
				log.String("conn_uid", connUID))
		}()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return nil // connection teardown is not a server error
			}
			if kind != websocket.BinaryMessage || len(data) < 1 {
				continue
			}
			msg := Inbound{Source: id, Channel: ChannelType(data[0]), Payload: data[1:]}
			select {
			case s.inbox <- msg:
			case <-s.ctx.Done():
				return nil
			default:
				s.logger.Warn("Inbound queue overflow, message dropped",
					log.Uint32("client_id", uint32(id)))
			}
		}
	})
}

func (s *WebSocketServer) Send(channel ChannelType, dst []ClientID, payload []byte) error {
	if s.closed.Load() {
		return ErrDriverClosed
	}
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(channel))
	frame = append(frame, payload...)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if dst == nil {
		for _, c := range s.conns {
			c.write(frame)
		}
		return nil
	}
	for _, id := range dst {
		c, ok := s.conns[id]
		if !ok {
			continue // peer already gone; replication handles timeouts
		}
		c.write(frame)
	}
	return nil
}

func (c *wsConn) write(frame []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *WebSocketServer) Receive() <-chan Inbound { return s.inbox }

func (s *WebSocketServer) LocalClientID() ClientID { return ServerClientID }

func (s *WebSocketServer) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	err := s.httpServer.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.conn.Close()
	}
	s.conns = make(map[ClientID]*wsConn)
	s.mu.Unlock()
	_ = s.eg.Wait()
	close(s.inbox)
	return err
}

// WebSocketClient is the connecting side of a WebSocket session.
type WebSocketClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	id      ClientID
	inbox   chan Inbound
	closed  atomic.Bool
	done    chan struct{}
	logger  log.Log
}

var _ Driver = (*WebSocketClient)(nil)

// DialWebSocket connects to a WebSocket server and completes the id
// handshake.
func DialWebSocket(url string, logger log.Log) (*WebSocketClient, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	// Hello frame carries the assigned client id.
	kind, hello, err := conn.ReadMessage()
	if err != nil || kind != websocket.BinaryMessage || len(hello) != 4 {
		_ = conn.Close()
		return nil, ErrHandshake
	}

	c := &WebSocketClient{
		conn:   conn,
		id:     ClientID(binary.LittleEndian.Uint32(hello)),
		inbox:  make(chan Inbound, wsQueueSize),
		done:   make(chan struct{}),
		logger: logger.With(log.String("transport", "websocket"), log.String("url", url)),
	}
	c.logger.Info("Connected", log.Uint32("client_id", uint32(c.id)))

	go c.readLoop()
	return c, nil
}

func (c *WebSocketClient) readLoop() {
	defer close(c.inbox)
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage || len(data) < 1 {
			continue
		}
		msg := Inbound{Source: ServerClientID, Channel: ChannelType(data[0]), Payload: data[1:]}
		select {
		case c.inbox <- msg:
		case <-c.done:
			return
		default:
			c.logger.Warn("Inbound queue overflow, message dropped")
		}
	}
}

// Send transmits to the server; dst is ignored since the server is the
// only reachable peer for a client.
func (c *WebSocketClient) Send(channel ChannelType, _ []ClientID, payload []byte) error {
	if c.closed.Load() {
		return ErrDriverClosed
	}
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(channel))
	frame = append(frame, payload...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *WebSocketClient) Receive() <-chan Inbound { return c.inbox }

func (c *WebSocketClient) LocalClientID() ClientID { return c.id }

func (c *WebSocketClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	return c.conn.Close()
}
