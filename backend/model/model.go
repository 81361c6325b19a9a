package model

// Reserved envelope keys, attributes cannot override them.
const (
	KeyText   = "text"
	KeySender = "sender"
	KeyRoom   = "room"
)

// Server notices.
const (
	NoticeWelcome      = "Welcome to the chat, client %s"
	NoticeClientGone   = "Client %s has gone"
	NoticeNoSuchClient = "Cannot send to %s: no such client"
	NoticeNoTarget     = `Cannot route message: no "to" or "join" given`
	NoticeShutdown     = "Server is shutting down"
)

// Attributes are extra fields merged into outbound envelopes verbatim.
type Attributes map[string]any

// Envelope is the structured form of a single chat message.
//
// Sender and Room are only ever set by the router, To and Join are
// only ever read from inbound messages.
type Envelope struct {
	Text       string
	Sender     string // empty for server notices
	To         string
	Join       string
	Room       string
	Attributes Attributes
}

// Notice builds a server notice envelope.
func Notice(text string) *Envelope {
	return &Envelope{Text: text}
}

// Wire is the outbound side of one connection.
type Wire struct {
	TX chan []byte
}

func NewWire(size int) Wire {
	return Wire{
		TX: make(chan []byte, size),
	}
}
