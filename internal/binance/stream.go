package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rewired-gh/athwatch/internal/logger"
	"github.com/rewired-gh/athwatch/internal/models"
	"github.com/shopspring/decimal"
)

// Stream keeps a subscription to the trade feed alive and forwards decoded
// trades for the configured instruments.
type Stream struct {
	cfg     Config
	dialer  websocket.Dialer
	symbols map[string]struct{}
	streams []string

	nextID atomic.Int64
	state  atomic.Int32
}

// NewStream validates cfg and builds a stream client.
func NewStream(cfg Config) (*Stream, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("stream url must not be empty")
	}
	if len(cfg.Instruments) == 0 {
		return nil, ErrNoInstruments
	}
	if cfg.ReconnectDelay <= 0 {
		return nil, fmt.Errorf("reconnect delay must be positive")
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectDelay
	}

	s := &Stream{
		cfg:     cfg,
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		symbols: make(map[string]struct{}, len(cfg.Instruments)),
	}
	for _, symbol := range cfg.Instruments {
		symbol = strings.ToUpper(symbol)
		if _, dup := s.symbols[symbol]; dup {
			continue
		}
		s.symbols[symbol] = struct{}{}
		s.streams = append(s.streams, strings.ToLower(symbol)+"@trade")
	}
	return s, nil
}

// State reports the current connection state.
func (s *Stream) State() ConnState {
	return ConnState(s.state.Load())
}

func (s *Stream) setState(state ConnState) {
	s.state.Store(int32(state))
}

// Run connects, subscribes and pushes trades onto out in arrival order. On
// any disconnect it backs off and reconnects. It returns only once ctx is
// cancelled.
func (s *Stream) Run(ctx context.Context, out chan<- models.TradeEvent) error {
	wait := s.cfg.ReconnectDelay

	for {
		s.setState(StateConnecting)
		conn, err := s.connect(ctx)
		delay := wait
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("Failed to connect to %s: %v", s.cfg.URL, err)
			wait = nextDelay(wait, s.cfg.ReconnectMaxDelay)
		} else {
			wait = s.cfg.ReconnectDelay
			delay = wait
			s.setState(StateConnected)
			logger.Info("Connected to %s, subscribed to %s", s.cfg.URL, strings.Join(s.streams, ", "))

			err = s.consume(ctx, conn, out)
			conn.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("Stream disconnected: %v", err)
		}

		s.setState(StateBackoff)
		logger.Info("Reconnecting in %v", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func nextDelay(cur, limit time.Duration) time.Duration {
	cur *= 2
	if cur > limit {
		cur = limit
	}
	return cur
}

func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	// Server pings count as liveness.
	conn.SetPingHandler(func(data string) error {
		s.extendDeadline(conn)
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	s.extendDeadline(conn)

	if err := s.subscribe(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return conn, nil
}

func (s *Stream) subscribe(conn *websocket.Conn) error {
	req := Request{
		Method: "SUBSCRIBE",
		Params: s.streams,
		ID:     s.nextID.Add(1),
	}
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return conn.WriteJSON(req)
}

func (s *Stream) extendDeadline(conn *websocket.Conn) {
	if s.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
}

// consume reads frames until the connection fails or ctx is cancelled.
func (s *Stream) consume(ctx context.Context, conn *websocket.Conn, out chan<- models.TradeEvent) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		receivedAt := time.Now()
		if err != nil {
			return err
		}
		s.extendDeadline(conn)

		ev, err := decode(data, receivedAt)
		if err != nil {
			if err != ErrNotTrade {
				logger.Warn("Dropping frame: %v", err)
			}
			continue
		}
		if _, ok := s.symbols[ev.Symbol]; !ok {
			logger.Debug("Dropping trade for unconfigured instrument %s", ev.Symbol)
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// decode turns one frame into a trade event. Control responses and other
// event types yield ErrNotTrade.
func decode(data []byte, receivedAt time.Time) (models.TradeEvent, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return models.TradeEvent{}, fmt.Errorf("malformed frame: %w", err)
	}

	if f.Event == "" && f.ID != nil {
		if f.Error != nil {
			logger.Warn("Request %d rejected: %d %s", *f.ID, f.Error.Code, f.Error.Msg)
		} else {
			logger.Debug("Request %d acknowledged", *f.ID)
		}
		return models.TradeEvent{}, ErrNotTrade
	}
	if f.Event != "trade" {
		return models.TradeEvent{}, ErrNotTrade
	}

	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		return models.TradeEvent{}, fmt.Errorf("bad price %q for %s: %w", f.Price, f.Symbol, err)
	}
	ev := models.TradeEvent{
		Symbol:     f.Symbol,
		Price:      price,
		EventTime:  time.UnixMilli(f.EventTime),
		ReceivedAt: receivedAt,
	}
	if err := ev.Validate(); err != nil {
		return models.TradeEvent{}, fmt.Errorf("invalid trade: %w", err)
	}
	return ev, nil
}
