// Command gows-echo is a reference binary exercising the whole gows stack:
// run with no flags to start an echo server, or with -client to dial one
// and push one message through it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/pepnova/gows/client"
	"github.com/pepnova/gows/interceptor"
	"github.com/pepnova/gows/server"
	"github.com/pepnova/gows/wsconn"
	"github.com/pepnova/gows/wsevent"
	"github.com/pepnova/gows/wsproto"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "address to listen on or dial")
	asClient := flag.Bool("client", false, "dial -addr as a client instead of listening")
	message := flag.String("message", "hello from gows-echo", "text to send in client mode")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	sink := wsevent.NewZerologSink(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *asClient {
		runClient(ctx, *addr, *message, sink, logger)
		return
	}
	runServer(ctx, *addr, sink, logger)
}

func runServer(ctx context.Context, addr string, sink wsevent.Sink, logger zerolog.Logger) {
	builder := &interceptor.Builder{}
	builder.OnConnect(func(ctx context.Context, conn *wsconn.Conn, next func(*wsconn.Conn)) {
		logger.Info().Str("conn_id", conn.ID).Msg("client connected")
	})
	builder.OnMessage(func(ctx context.Context, conn *wsconn.Conn, msg interceptor.Message, next func(*wsconn.Conn, interceptor.Message)) {
		if err := conn.Send(ctx, msg.Data, msg.Type, true); err != nil {
			logger.Warn().Err(err).Msg("echo send failed")
		}
	})
	builder.OnClose(func(ctx context.Context, conn *wsconn.Conn, status wsproto.CloseCode, reason string, next func(*wsconn.Conn, wsproto.CloseCode, string)) {
		logger.Info().Str("conn_id", conn.ID).Uint16("status", uint16(status)).Msg("client closed")
	})

	opts := server.Defaults()
	opts.Sink = sink
	opts.Pipeline = builder.Build()

	opts.Port = parsePort(addr)

	srv := server.New(opts)
	logger.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func runClient(ctx context.Context, addr, message string, sink wsevent.Sink, logger zerolog.Logger) {
	done := make(chan interceptor.Message, 1)
	builder := &interceptor.Builder{}
	builder.OnMessage(func(ctx context.Context, conn *wsconn.Conn, msg interceptor.Message, next func(*wsconn.Conn, interceptor.Message)) {
		done <- msg
	})

	opts := client.Defaults()
	opts.Sink = sink
	opts.Pipeline = builder.Build()
	opts.Reconnect.Enabled = true
	opts.Reconnect.MaxAttempts = 3

	c := client.New(opts)
	uri := fmt.Sprintf("ws://%s/", addr)
	if err := c.Start(ctx, uri); err != nil {
		logger.Fatal().Err(err).Msg("dial failed")
	}
	defer c.Stop()

	if err := c.Send(ctx, []byte(message), wsproto.OpText, true); err != nil {
		logger.Fatal().Err(err).Msg("send failed")
	}

	select {
	case msg := <-done:
		logger.Info().Str("echoed", string(msg.Data)).Msg("received echo")
	case <-time.After(5 * time.Second):
		logger.Fatal().Msg("timed out waiting for echo")
	case <-ctx.Done():
	}
}

// parsePort extracts the numeric port from an "host:port" address,
// defaulting to 8080 if absent or not numeric. server.Server.ListenAndServe
// binds on all interfaces, so only the port half of -addr matters here.
func parsePort(addr string) int {
	portStr := addr
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			portStr = addr[i+1:]
			break
		}
	}
	port := 8080
	fmt.Sscanf(portStr, "%d", &port)
	return port
}
