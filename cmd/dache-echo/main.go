// Command dache-echo is a demonstration binary for the dache transport:
// run with -mode=server to listen and echo every request back to its
// caller, or -mode=client to connect and send a handful of requests.
//
// In production, client and server would speak a higher-level request
// protocol on top of the raw payload bytes; this example just echoes them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ironyx/dache/transport"
)

func main() {
	var (
		mode = flag.String("mode", "server", "server or client")
		addr = flag.String("addr", "127.0.0.1:12345", "address to listen on or connect to")
		n    = flag.Int("n", 5, "client mode: number of echo requests to send")
	)
	flag.Parse()

	switch *mode {
	case "server":
		runServer(*addr)
	case "client":
		runClient(*addr, *n)
	default:
		fmt.Fprintf(os.Stderr, "unknown -mode %q: want server or client\n", *mode)
		os.Exit(1)
	}
}

func runServer(addr string) {
	t, err := transport.New(nil, 4096, 64)
	if err != nil {
		slog.Error("failed to create transport", "error", err)
		os.Exit(1)
	}

	handler := func(h *transport.Handoff) {
		if err := t.ServerSend(h.Payload, h); err != nil {
			slog.Error("echo failed", "error", err)
		}
	}

	if err := t.Listen(addr, handler); err != nil {
		slog.Error("failed to listen", "addr", addr, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		cancel()
	}()

	slog.Info("server start", "addr", addr)
	<-ctx.Done()

	if err := t.Dispose(); err != nil {
		slog.Error("dispose failed", "error", err)
	}
}

func runClient(addr string, n int) {
	t, err := transport.New(nil, 4096, 4)
	if err != nil {
		slog.Error("failed to create transport", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.Connect(ctx, addr); err != nil {
		slog.Error("failed to connect", "addr", addr, "error", err)
		os.Exit(1)
	}
	defer t.Dispose()

	for i := 0; i < n; i++ {
		payload := []byte(fmt.Sprintf("ping-%d", i))
		id, err := t.ClientSend(payload, true)
		if err != nil {
			slog.Error("send failed", "error", err)
			return
		}

		reply, err := t.ClientReceive(id)
		if err != nil {
			slog.Error("receive failed", "error", err)
			return
		}
		slog.Info("echo reply", "correlationID", id, "reply", string(reply))
	}
}
