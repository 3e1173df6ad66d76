package session

import "sync"

// Tag classifies a chat log entry by origin.
type Tag int

const (
	TagLocal Tag = iota
	TagRemote
	TagSystem
)

func (t Tag) String() string {
	switch t {
	case TagLocal:
		return "you"
	case TagRemote:
		return "stranger"
	default:
		return "system"
	}
}

// Entry is one displayed chat line.
type Entry struct {
	Tag  Tag
	Text string
}

// ChatLog is the append-only message list for the current pairing. It holds
// no cross-session identity and is never persisted; it is cleared wholesale
// when the partner leaves, at explicit stop, and on channel loss.
type ChatLog struct {
	mu      sync.Mutex
	entries []Entry
}

// Append adds one entry.
func (l *ChatLog) Append(tag Tag, text string) {
	l.mu.Lock()
	l.entries = append(l.entries, Entry{Tag: tag, Text: text})
	l.mu.Unlock()
}

// Clear discards all entries.
func (l *ChatLog) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Entries returns a snapshot of the log.
func (l *ChatLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *ChatLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
