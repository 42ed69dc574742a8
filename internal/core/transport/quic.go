package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/netforge/replica/internal/core/observability/log"
)

// QUIC mapping: reliable channels ride a long-lived bidirectional stream
// (length-prefixed frames), unreliable channels ride QUIC datagrams. The
// first 4 bytes the server writes on the stream are the assigned client id.

const (
	quicQueueSize   = 4096
	quicNextProto   = "replica-quic"
	quicMaxFrameLen = 1 << 22
)

// QUICServer is the hosting side of a QUIC session.
type QUICServer struct {
	listener *quic.Listener

	mu     sync.RWMutex
	conns  map[ClientID]*quicConn
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

type quicConn struct {
	id      ClientID
	conn    quic.Connection
	stream  quic.Stream
	writeMu sync.Mutex
}

var _ Driver = (*QUICServer)(nil)

// ListenQUIC starts a QUIC listener on addr with a self-signed development
// certificate and returns the server driver.
func ListenQUIC(addr string, logger log.Log) (*QUICServer, error) {
	listener, err := quic.ListenAddr(addr, generateTLSConfig(), quicConfig())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)

	s := &QUICServer{
		listener: listener,
		conns:    make(map[ClientID]*quicConn),
		inbox:    make(chan Inbound, quicQueueSize),
		eg:       eg,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With(log.String("transport", "quic"), log.String("addr", addr)),
	}

	eg.Go(s.acceptLoop)
	s.logger.Info("QUIC driver listening")
	return s, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 15 * time.Second,
		EnableDatagrams: true,
	}
}

func (s *QUICServer) acceptLoop() error {
	for {
		conn, err := s.listener.Accept(s.ctx)
		if err != nil {
			return nil // listener closed
		}

		stream, err := conn.OpenStreamSync(s.ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "handshake failed")
			continue
		}

		id := ClientID(s.nextID.Add(1))
		hello := make([]byte, 4)
		binary.LittleEndian.PutUint32(hello, uint32(id))
		if _, err := stream.Write(hello); err != nil {
			_ = conn.CloseWithError(0, "handshake failed")
			continue
		}

		c := &quicConn{id: id, conn: conn, stream: stream}
		s.mu.Lock()
		s.conns[id] = c
		s.mu.Unlock()
		s.logger.Info("Client connected",
			log.Uint32("client_id", uint32(id)),
			log.String("remote", conn.RemoteAddr().String()))
		if s.OnPeerJoin != nil {
			s.OnPeerJoin(id)
		}

		s.eg.Go(func() error { return s.readStream(c) })
		s.eg.Go(func() error { return s.readDatagrams(c) })
	}
}

func (s *QUICServer) readStream(c *quicConn) error {
	defer s.dropConn(c)
	for {
		frame, err := readFrame(c.stream)
		if err != nil {
			return nil
		}
		s.enqueue(c.id, frame)
	}
}

func (s *QUICServer) readDatagrams(c *quicConn) error {
	for {
		data, err := c.conn.ReceiveDatagram(s.ctx)
		if err != nil {
			return nil
		}
		s.enqueue(c.id, data)
	}
}

func (s *QUICServer) dropConn(c *quicConn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	_ = c.conn.CloseWithError(0, "closed")
	if s.OnPeerLeave != nil {
		s.OnPeerLeave(c.id)
	}
	s.logger.Info("Client disconnected", log.Uint32("client_id", uint32(c.id)))
}

func (s *QUICServer) enqueue(src ClientID, frame []byte) {
	if len(frame) < 1 {
		return
	}
	msg := Inbound{Source: src, Channel: ChannelType(frame[0]), Payload: frame[1:]}
	select {
	case s.inbox <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("Inbound queue overflow, message dropped", log.Uint32("client_id", uint32(src)))
	}
}

func (s *QUICServer) Send(channel ChannelType, dst []ClientID, payload []byte) error {
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
			c.send(channel, frame)
		}
		return nil
	}
	for _, id := range dst {
		c, ok := s.conns[id]
		if !ok {
			continue
		}
		c.send(channel, frame)
	}
	return nil
}

func (c *quicConn) send(channel ChannelType, frame []byte) {
	if channel.IsReliable() {
		c.writeMu.Lock()
		_ = writeFrame(c.stream, frame)
		c.writeMu.Unlock()
		return
	}
	// Datagram loss is acceptable on unreliable lanes.
	_ = c.conn.SendDatagram(frame)
}

func (s *QUICServer) Receive() <-chan Inbound { return s.inbox }

func (s *QUICServer) LocalClientID() ClientID { return ServerClientID }

func (s *QUICServer) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	err := s.listener.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.conn.CloseWithError(0, "server shutdown")
	}
	s.conns = make(map[ClientID]*quicConn)
	s.mu.Unlock()
	_ = s.eg.Wait()
	close(s.inbox)
	return err
}

// QUICClient is the connecting side of a QUIC session.
type QUICClient struct {
	conn    quic.Connection
	stream  quic.Stream
	writeMu sync.Mutex
	id      ClientID
	inbox   chan Inbound
	closed  atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	logger  log.Log
}

var _ Driver = (*QUICClient)(nil)

// DialQUIC connects to a QUIC server and completes the id handshake.
func DialQUIC(addr string, logger log.Log) (*QUICClient, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true, // development certificates only
		NextProtos:         []string{quicNextProto},
	}
	conn, err := quic.DialAddr(context.Background(), addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}

	stream, err := conn.AcceptStream(context.Background())
	if err != nil {
		_ = conn.CloseWithError(0, "handshake failed")
		return nil, ErrHandshake
	}
	hello := make([]byte, 4)
	if _, err := io.ReadFull(stream, hello); err != nil {
		_ = conn.CloseWithError(0, "handshake failed")
		return nil, ErrHandshake
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &QUICClient{
		conn:   conn,
		stream: stream,
		id:     ClientID(binary.LittleEndian.Uint32(hello)),
		inbox:  make(chan Inbound, quicQueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(log.String("transport", "quic"), log.String("addr", addr)),
	}
	c.logger.Info("Connected", log.Uint32("client_id", uint32(c.id)))

	go c.readStream()
	go c.readDatagrams()
	return c, nil
}

func (c *QUICClient) readStream() {
	defer close(c.inbox)
	for {
		frame, err := readFrame(c.stream)
		if err != nil {
			return
		}
		c.enqueue(frame)
	}
}

func (c *QUICClient) readDatagrams() {
	for {
		data, err := c.conn.ReceiveDatagram(c.ctx)
		if err != nil {
			return
		}
		c.enqueue(data)
	}
}

func (c *QUICClient) enqueue(frame []byte) {
	if len(frame) < 1 {
		return
	}
	msg := Inbound{Source: ServerClientID, Channel: ChannelType(frame[0]), Payload: frame[1:]}
	select {
	case c.inbox <- msg:
	case <-c.ctx.Done():
	default:
		c.logger.Warn("Inbound queue overflow, message dropped")
	}
}

// Send transmits to the server; dst is ignored for clients.
func (c *QUICClient) Send(channel ChannelType, _ []ClientID, payload []byte) error {
	if c.closed.Load() {
		return ErrDriverClosed
	}
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(channel))
	frame = append(frame, payload...)

	if channel.IsReliable() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return writeFrame(c.stream, frame)
	}
	return c.conn.SendDatagram(frame)
}

func (c *QUICClient) Receive() <-chan Inbound { return c.inbox }

func (c *QUICClient) LocalClientID() ClientID { return c.id }

func (c *QUICClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	return c.conn.CloseWithError(0, "closed")
}

// Stream framing helpers: u32 little-endian length followed by the frame.

func writeFrame(w io.Writer, frame []byte) error {
	head := make([]byte, 4)
	binary.LittleEndian.PutUint32(head, uint32(len(frame)))
	if _, err := w.Write(head); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(head)
	if n > quicMaxFrameLen {
		return nil, ErrHandshake
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// generateTLSConfig builds a self-signed certificate for development and
// test sessions.
func generateTLSConfig() *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"replica"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:     []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{quicNextProto},
	}
}
