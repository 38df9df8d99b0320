package warpgate

// Session is a subscriber attached to an Endpoint. The listener pushes
// notifications and readiness changes through it. Implementations must be
// comparable; the listener uses the Session value itself as the registry key.
type Session interface {
	// SendNotification delivers a notification received on channel.
	SendNotification(channel, payload string) error
	// SendDatabaseReadiness reports whether the endpoint currently has a live
	// connection with every subscribed channel LISTENed.
	SendDatabaseReadiness(ready bool) error
}
