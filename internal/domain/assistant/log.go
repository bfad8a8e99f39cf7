package assistant

// Sender tells who authored a chat message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Greeting opens every conversation.
const Greeting = "Hello! I'm your CropSense assistant. How can I help you with your farming today?"

// Message is one immutable chat entry.
type Message struct {
	ID     int64  `json:"id"`
	Text   string `json:"text"`
	Sender Sender `json:"sender"`
}

// Log is the append-only conversation plus the widget visibility.
// Visibility never affects the history.
type Log struct {
	Open     bool      `json:"open"`
	Messages []Message `json:"messages"`
}

// NewLog starts a conversation with the greeting.
func NewLog(nowMillis int64) Log {
	var l Log
	l.Append(Greeting, SenderBot, nowMillis)
	return l
}

// Append adds a message with an id derived from nowMillis, bumped past the
// previous id when the clock has not advanced.
func (l *Log) Append(text string, sender Sender, nowMillis int64) Message {
	id := nowMillis
	if n := len(l.Messages); n > 0 && id <= l.Messages[n-1].ID {
		id = l.Messages[n-1].ID + 1
	}
	msg := Message{ID: id, Text: text, Sender: sender}
	l.Messages = append(l.Messages, msg)
	return msg
}

// Toggle flips the widget visibility and returns the new state.
func (l *Log) Toggle() bool {
	l.Open = !l.Open
	return l.Open
}
