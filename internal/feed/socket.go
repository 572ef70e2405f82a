// Package feed runs the market data websocket connections. Each Connection
// owns one token partition, enriches inbound ticks with instrument metadata
// and hands them to a TickPublisher without ever blocking the socket.
package feed

import "tickstream/internal/model"

// Socket is one feed websocket with its own reconnect policy.
type Socket interface {
	// Run serves the connection until Close is called or retries are exhausted.
	Run()
	// Subscribe requests the given tokens on the live connection.
	Subscribe(tokens []int64, mode model.Mode) error
	// Unsubscribe drops the tokens from the live connection.
	Unsubscribe(tokens []int64, mode model.Mode) error
	Close()
}

// Handlers are the socket callbacks a Connection installs. They run on the
// socket's read goroutine.
type Handlers struct {
	OnConnect   func()
	OnTicks     func(ticks []model.Tick)
	OnClose     func(err error)
	OnReconnect func(attempt int)
	OnGiveUp    func()
}

// Dialer builds the socket for connection id.
type Dialer func(id int, h Handlers) (Socket, error)
