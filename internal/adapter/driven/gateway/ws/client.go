package ws

// Client is one live signaling session. A user may hold several at once
// (multiple tabs or devices); the hub fans events out to all of them.
type Client interface {
	Send(event string, payload any) error
	Close() error
}
