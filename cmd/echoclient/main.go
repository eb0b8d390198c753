// Command echoclient connects to an echoserver and round-trips one message
// on each of the three send modes, logging the replies as they arrive.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"netcode/netclient"
	"netcode/netlog"
	"netcode/quality"
	"netcode/retry"
	"netcode/transport"
	"netcode/wire"
)

func main() {
	addr := flag.String("addr", "127.0.0.1", "server address")
	port := flag.Int("port", 9000, "server port")
	flag.Parse()

	log := netlog.NewDevelopment()
	defer log.Sync()

	pool := wire.NewPool()
	pendingPool := retry.NewPool()
	udpTransport := transport.NewUDPClientTransport(log)

	var cl *netclient.Client
	cl = netclient.New(netclient.Config{
		Transport:   udpTransport,
		MessagePool: pool,
		PendingPool: pendingPool,
		Thresholds:  quality.DefaultThresholds(),
		Log:         log,
		Handlers: netclient.Handlers{
			OnConnected: func(id uint16) {
				log.Info("connected", netlog.Uint16("id", id))
				sendSamples(cl, pool)
			},
			OnConnectionFailed: func(reason wire.RejectReason) {
				log.Error("connection failed", netlog.Int("reason", int(reason)))
				os.Exit(1)
			},
			OnDisconnected: func(reason wire.DisconnectReason) {
				log.Warn("disconnected", netlog.Int("reason", int(reason)))
			},
			OnReliableMessage: func(msg *wire.Message) {
				logEcho(log, "reliable", msg)
			},
			OnUnreliableMessage: func(msg *wire.Message) {
				logEcho(log, "unreliable", msg)
			},
			OnNotifyMessage: func(msg *wire.Message) {
				logEcho(log, "notify", msg)
			},
		},
	})

	if err := cl.Connect(*addr, *port, 10, nil); err != nil {
		log.Error("connect failed", netlog.Err(err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-sigCh:
			cl.Disconnect()
			return
		case now := <-ticker.C:
			delta := now.Sub(last).Milliseconds()
			last = now
			cl.Update(delta)
		}
	}
}

func sendSamples(cl *netclient.Client, pool *wire.Pool) {
	reliable, err := pool.NewFromHeaderWithID(wire.HeaderReliable, 1)
	if err == nil {
		_ = reliable.AddBytes([]byte("hello reliable"))
		_ = cl.Send(reliable)
	}

	unreliable, err := pool.NewFromHeaderWithID(wire.HeaderUnreliable, 2)
	if err == nil {
		_ = unreliable.AddBytes([]byte("hello unreliable"))
		_ = cl.Send(unreliable)
	}

	notify := pool.NewFromHeader(wire.HeaderNotify)
	_ = notify.AddBytes([]byte("hello notify"))
	_ = cl.Send(notify)
}

func logEcho(log *netlog.Logger, mode string, msg *wire.Message) {
	payload, err := msg.GetBytes()
	if err != nil {
		return
	}
	log.Info("echo received", netlog.String("mode", mode), netlog.String("payload", string(payload)))
}
