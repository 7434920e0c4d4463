package entity

// OrderedLogCursor marks a position in a conversation's timestamp-descending
// message log. It is produced and consumed by the stream manager only and is
// never persisted beyond a session.
type OrderedLogCursor struct {
	MessageId string
	Timestamp int64
}

func CursorFrom(m Message) OrderedLogCursor {
	return OrderedLogCursor{MessageId: m.Id, Timestamp: m.Timestamp}
}

func (c OrderedLogCursor) IsZero() bool {
	return c.MessageId == "" && c.Timestamp == 0
}

// Covers reports whether m sits at or after the cursor position in
// presentation order, i.e. m is NOT strictly older than the cursor.
func (c OrderedLogCursor) Covers(m Message) bool {
	if c.IsZero() {
		return true
	}
	if m.Timestamp != c.Timestamp {
		return m.Timestamp > c.Timestamp
	}
	return m.Id <= c.MessageId
}

// Advance returns the cursor moved to m if m is older than the current
// position. The stream manager uses it to track the oldest message
// observed across both the live channel and pagination pages.
func (c OrderedLogCursor) Advance(m Message) OrderedLogCursor {
	if c.IsZero() || !c.Covers(m) {
		return CursorFrom(m)
	}
	return c
}
