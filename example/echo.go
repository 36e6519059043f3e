package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Zereker/lspbridge"
)

// echoEngine is an in-process stand-in for a language server. It decodes
// the frames it is given and answers every request with its own params.
// In production, use lspbridge.ProcessEngine to run a real server.
type echoEngine struct {
	mu      sync.Mutex
	decoder *lspbridge.Decoder
	encoder lspbridge.Encoder
	output  func([]byte)
}

func newEchoEngine(ctx context.Context, output func([]byte)) (lspbridge.Engine, error) {
	e := &echoEngine{output: output}

	decoder, err := lspbridge.NewDecoder(lspbridge.SinkFuncs{
		OnMessage: e.reply,
		OnError: func(err error) {
			slog.Warn("echo engine dropped frame", "error", err.Error())
		},
	})
	if err != nil {
		return nil, err
	}
	e.decoder = decoder

	return e, nil
}

func (e *echoEngine) Write(frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decoder.Push(frame)
}

func (e *echoEngine) reply(msg lspbridge.Message) {
	var req struct {
		ID     any `json:"id"`
		Params any `json:"params"`
	}
	if err := msg.Unmarshal(&req); err != nil || req.ID == nil {
		return
	}

	frame, err := e.encoder.EncodeValue(map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  req.Params,
	})
	if err != nil {
		slog.Error("echo engine encode", "error", err.Error())
		return
	}
	e.output(frame)
}

func main() {
	handler, err := lspbridge.NewBridgeHandler(newEchoEngine)
	if err != nil {
		panic(err)
	}

	server, err := lspbridge.New("tcp", "127.0.0.1:12345")
	if err != nil {
		slog.Error("failed to create server", "error", err.Error())
		return
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("server start", "addr", server.Addr().String())
	if err := server.Serve(ctx, handler); err != nil && err != context.Canceled {
		slog.Error("server error", "error", err.Error())
	}
}
