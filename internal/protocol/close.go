package protocol

// Websocket close codes sent by the server. Private-use range 4000-4999.
const (
	// CloseReplaced: the same participant joined the room from another
	// connection. Clients must not reconnect automatically.
	CloseReplaced = 4001
	// CloseSlowConsumer: the connection fell behind and was dropped. Clients
	// reconnect and resync from a fresh snapshot.
	CloseSlowConsumer = 4002
	// CloseShutdown: the server is stopping. Clients reconnect with backoff.
	CloseShutdown = 4003
)

// ShouldReconnect reports whether a client should reconnect after the server
// closed the connection with code.
func ShouldReconnect(code int) bool {
	return code != CloseReplaced
}
