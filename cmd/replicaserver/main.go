package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/netforge/replica/internal/core/observability/log"
	"github.com/netforge/replica/internal/core/replication"
	"github.com/netforge/replica/internal/core/transport"
	"github.com/netforge/replica/pkg/netstream"
)

// counter is the demo object hosted by the standalone server: a single
// tick counter replicated to every connected client.
type counter struct {
	ticks uint64
}

func (c *counter) NetworkID() replication.ObjectID     { return 1 }
func (c *counter) NetworkType() replication.TypeHandle { return replication.HandleOf("replica.Counter") }

func (c *counter) Serialize(s *netstream.Stream) error {
	s.WriteUint64(c.ticks)
	return nil
}

func (c *counter) Deserialize(s *netstream.Stream) error {
	ticks, err := s.ReadUint64()
	c.ticks = ticks
	return err
}

type serverFactory struct{}

func (serverFactory) Construct(t replication.TypeHandle, id replication.ObjectID) (replication.Object, error) {
	if t == replication.HandleOf("replica.Counter") {
		return &counter{}, nil
	}
	return nil, replication.ErrUnsupportedType
}

func (serverFactory) Destroy(replication.Object) {}

func main() {
	var (
		configPath = flag.String("config", "", "path to replication YAML config")
		addr       = flag.String("addr", ":8787", "listen address")
		driverKind = flag.String("transport", "websocket", "transport driver: websocket or quic")
	)
	flag.Parse()

	cfg := replication.DefaultConfig()
	if *configPath != "" {
		loaded, err := replication.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := log.New(log.ParseLevel(cfg.LogLevel))

	var (
		driver transport.Driver
		err    error
	)
	switch *driverKind {
	case "websocket":
		driver, err = transport.ListenWebSocket(*addr, logger)
	case "quic":
		driver, err = transport.ListenQUIC(*addr, logger)
	default:
		err = fmt.Errorf("unknown transport %q", *driverKind)
	}
	if err != nil {
		logger.Fatal("Failed to start transport", log.Error(err))
	}

	rep, err := replication.NewReplicator(cfg, driver, serverFactory{}, logger)
	if err != nil {
		logger.Fatal("Failed to create replicator", log.Error(err))
	}
	bindPeerEvents(driver, rep)

	obj := &counter{}
	if err := rep.SpawnObject(obj); err != nil {
		logger.Fatal("Failed to spawn demo object", log.Error(err))
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()
	second := time.NewTicker(time.Second)
	defer second.Stop()

	logger.Info("Replica server running",
		log.String("addr", *addr),
		log.String("transport", *driverKind))

	for {
		select {
		case now := <-ticker.C:
			rep.Update(now)
		case <-second.C:
			obj.ticks++
			_ = rep.DirtyObject(obj)
		case <-stopCh:
			logger.Info("Shutting down", log.Any("stats", rep.Stats()))
			_ = rep.Close()
			_ = driver.Close()
			return
		}
	}
}

// bindPeerEvents forwards driver connection events into the replicator so
// late joiners get synced and leavers get swept.
func bindPeerEvents(d transport.Driver, rep *replication.Replicator) {
	switch s := d.(type) {
	case *transport.WebSocketServer:
		s.OnPeerJoin = rep.ClientConnected
		s.OnPeerLeave = rep.ClientDisconnected
	case *transport.QUICServer:
		s.OnPeerJoin = rep.ClientConnected
		s.OnPeerLeave = rep.ClientDisconnected
	}
}
