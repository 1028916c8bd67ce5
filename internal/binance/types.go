// Package binance ingests the public Binance spot trade stream.
package binance

import (
	"errors"
	"time"
)

var (
	ErrNoInstruments = errors.New("no instruments configured")
	ErrNotTrade      = errors.New("frame is not a trade event")
)

// ConnState is the observable state of the feed connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateBackoff
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Request is a control directive sent to the stream endpoint.
type Request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// frame covers both control responses and trade payloads.
type frame struct {
	ID        *int64     `json:"id"`
	Error     *errorBody `json:"error"`
	Event     string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	Price     string     `json:"p"`
}

type errorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Config configures the stream client.
type Config struct {
	URL               string        // Stream endpoint (e.g., wss://stream.binance.com:9443/ws)
	Instruments       []string      // Upper-case symbols, e.g. BTCUSDT
	ReconnectDelay    time.Duration // Wait after a disconnect, doubled per failed dial
	ReconnectMaxDelay time.Duration // Cap for the doubled wait
	ReadTimeout       time.Duration // Max silence before the connection counts as stale
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
}

// DefaultConfig returns the production endpoint and timings.
func DefaultConfig() Config {
	return Config{
		URL:               "wss://stream.binance.com:9443/ws",
		Instruments:       []string{"BTCUSDT", "ETHUSDT"},
		ReconnectDelay:    5 * time.Second,
		ReconnectMaxDelay: 60 * time.Second,
		ReadTimeout:       2 * time.Minute,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}
