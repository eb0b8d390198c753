// Command echoserver runs a netcode UDP server that echoes every message
// it receives back to its sender, on whichever send mode it arrived on.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"netcode/netlog"
	"netcode/netmetrics"
	"netcode/netserver"
	"netcode/quality"
	"netcode/retry"
	"netcode/transport"
	"netcode/wire"
)

func main() {
	port := flag.Int("port", 9000, "UDP port to listen on")
	metricsAddr := flag.String("metrics", ":2112", "address to serve /metrics on")
	flag.Parse()

	log := netlog.NewDevelopment()
	defer log.Sync()

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.Info("metrics listening", netlog.String("addr", *metricsAddr))
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Warn("metrics server stopped", netlog.Err(err))
		}
	}()

	pool := wire.NewPool()
	pendingPool := retry.NewPool()
	udpTransport := transport.NewUDPServerTransport(log)

	var srv *netserver.Server
	srv = netserver.New(netserver.Config{
		Transport:   udpTransport,
		MessagePool: pool,
		PendingPool: pendingPool,
		Thresholds:  quality.DefaultThresholds(),
		Log:         log,
		Handlers: netserver.Handlers{
			OnClientConnected: func(id uint16) {
				netmetrics.ConnectedClients.Inc()
				log.Info("client connected", netlog.Uint16("id", id))
			},
			OnClientDisconnected: func(id uint16, reason wire.DisconnectReason) {
				netmetrics.ConnectedClients.Dec()
				log.Info("client disconnected", netlog.Uint16("id", id), netlog.Int("reason", int(reason)))
			},
			OnReliableMessage: func(id uint16, msg *wire.Message) {
				echoReliable(srv, id, msg, pool)
			},
			OnUnreliableMessage: func(id uint16, msg *wire.Message) {
				echoUnreliable(srv, id, msg, pool)
			},
			OnNotifyMessage: func(id uint16, msg *wire.Message) {
				echoNotify(srv, id, msg, pool)
			},
		},
	})

	if err := srv.Start(*port); err != nil {
		log.Error("failed to start server", netlog.Err(err))
		os.Exit(1)
	}
	log.Info("echoserver listening", netlog.Int("port", *port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-sigCh:
			log.Info("shutting down")
			srv.Stop()
			return
		case now := <-ticker.C:
			delta := now.Sub(last).Milliseconds()
			last = now
			srv.Update(delta)
		}
	}
}

func echoReliable(srv *netserver.Server, id uint16, in *wire.Message, pool *wire.Pool) {
	msgID, err := in.GetUint16()
	if err != nil {
		return
	}
	payload, err := in.GetBytes()
	if err != nil {
		return
	}
	out, err := pool.NewFromHeaderWithID(wire.HeaderReliable, msgID)
	if err != nil {
		return
	}
	_ = out.AddBytes(payload)
	_ = srv.Send(id, out)
}

func echoUnreliable(srv *netserver.Server, id uint16, in *wire.Message, pool *wire.Pool) {
	msgID, err := in.GetUint16()
	if err != nil {
		return
	}
	payload, err := in.GetBytes()
	if err != nil {
		return
	}
	out, err := pool.NewFromHeaderWithID(wire.HeaderUnreliable, msgID)
	if err != nil {
		return
	}
	_ = out.AddBytes(payload)
	_ = srv.Send(id, out)
}

func echoNotify(srv *netserver.Server, id uint16, in *wire.Message, pool *wire.Pool) {
	payload, err := in.GetBytes()
	if err != nil {
		return
	}
	out := pool.NewFromHeader(wire.HeaderNotify)
	_ = out.AddBytes(payload)
	_ = srv.Send(id, out)
}
