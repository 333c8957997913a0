package main

import (
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"voxelrelay.ai/internal/config"
	"voxelrelay.ai/internal/transport"
	"voxelrelay.ai/internal/transport/natsconn"
)

// startNATS serves relay sessions over NATS, optionally running the broker
// in-process. The returned func stops everything it started.
func startNATS(cfg config.Config, accept transport.AcceptFunc, logger *log.Logger) (func(), error) {
	ncfg := cfg.Transport.NATS
	url := ncfg.URL

	var ns *server.Server
	if ncfg.Embedded {
		var err error
		ns, err = server.NewServer(&server.Options{
			Host:   "127.0.0.1",
			Port:   ncfg.Port,
			NoSigs: true,
		})
		if err != nil {
			return nil, fmt.Errorf("embedded server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded nats server not ready for connections")
		}
		url = ns.ClientURL()
		logger.Printf("embedded nats listening on %s", url)
	}
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url, nats.Name("voxelrelay"))
	if err != nil {
		if ns != nil {
			ns.Shutdown()
		}
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	relay := natsconn.NewServer(conn, ncfg.Prefix, accept, logger)
	relay.IdleTimeout = time.Duration(ncfg.IdleTimeoutMs) * time.Millisecond
	if err := relay.Start(); err != nil {
		conn.Close()
		if ns != nil {
			ns.Shutdown()
		}
		return nil, err
	}
	logger.Printf("nats transport url=%s prefix=%s", url, ncfg.Prefix)

	stop := func() {
		relay.Stop()
		_ = conn.Drain()
		if ns != nil {
			ns.Shutdown()
			ns.WaitForShutdown()
		}
	}
	return stop, nil
}
