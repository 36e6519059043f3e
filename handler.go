package lspbridge

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
)

// BridgeHandler serves host connections by giving each one its own Conn,
// Bridge and engine. It implements Handler for use with Server and can
// serve any other stream, such as stdio, through Serve.
type BridgeHandler struct {
	factory EngineFactory
	opt     []Option
	logger  Logger
}

// NewBridgeHandler creates a handler that starts engines with factory.
// opt is applied to every Conn and Bridge it creates; the codec defaults to
// LineCodec.
func NewBridgeHandler(factory EngineFactory, opt ...Option) (*BridgeHandler, error) {
	if factory == nil {
		return nil, ErrInvalidEngineFactory
	}
	return &BridgeHandler{
		factory: factory,
		opt:     opt,
		logger:  applyOptions(opt).logger,
	}, nil
}

// Handle implements Handler.
func (h *BridgeHandler) Handle(ctx context.Context, conn net.Conn) {
	if err := h.Serve(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("host connection ended", "remote_addr", conn.RemoteAddr(), errAttr(err))
	}
}

// Serve bridges rwc until the host disconnects, ctx is canceled or the
// bridge halts. A halted bridge's error is returned.
func (h *BridgeHandler) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var conn *Conn
	bridge, err := NewBridge(h.factory, SinkFuncs{
		OnMessage: func(msg Message) {
			if err := conn.WriteBlocking(ctx, msg); err != nil {
				h.logger.Debug("dropping engine message", errAttr(err))
			}
		},
		OnError: func(err error) {
			h.logger.Warn("engine stream error", errAttr(err))
		},
	}, h.opt...)
	if err != nil {
		return err
	}
	defer bridge.Close()

	opts := append([]Option{CustomCodecOption(LineCodec{})}, h.opt...)
	opts = append(opts, OnMessageOption(func(msg Message) error {
		return bridge.Send(ctx, msg)
	}))
	conn, err = NewConn(rwc, opts...)
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-bridge.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	err = conn.Run(ctx)
	if berr := bridge.Err(); berr != nil && !errors.Is(berr, ErrBridgeClosed) {
		return berr
	}
	return err
}
