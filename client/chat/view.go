package chat

import "time"

// Line is one row of the rendered conversation. Divider lines carry only
// Divider; message lines carry the rest.
type Line struct {
	Divider string

	ID      int64 // zero for pending entries
	LocalID string
	Sender  string
	Body    string
	At      time.Time
	Mine    bool
	Pending bool
	Seen    bool
}

type View struct {
	Lines      []Line
	PeerTyping bool
	Compose    string
	Degraded   bool
	Notice     string
}

// View renders the current state. Nothing in it is cached: the Seen marker
// and dividers are recomputed from the sequence on every call.
func (s *Session) View() View {
	now := s.cfg.Clock.Now()
	loc := s.cfg.Location

	seen := s.seenIndex()
	v := View{
		PeerTyping: !s.degraded && s.peerTyping.Typing(s.cfg.ConversationID, s.cfg.Peer, now),
		Compose:    s.compose,
		Degraded:   s.degraded,
		Notice:     s.notice,
	}

	var lastDay time.Time
	for i, e := range s.entries {
		var line Line
		switch e := e.(type) {
		case Confirmed:
			line = Line{
				ID:     e.ID,
				Sender: e.Sender,
				Body:   e.Body,
				At:     e.CreatedAt,
				Mine:   e.Sender == s.cfg.Me,
				Seen:   i == seen,
			}
		case Pending:
			line = Line{
				LocalID: e.LocalID,
				Sender:  s.cfg.Me,
				Body:    e.Body,
				At:      e.QueuedAt,
				Mine:    true,
				Pending: true,
			}
		}

		day := startOfDay(line.At.In(loc))
		if !day.Equal(lastDay) {
			v.Lines = append(v.Lines, Line{Divider: DayLabel(day, now.In(loc))})
			lastDay = day
		}
		v.Lines = append(v.Lines, line)
	}
	return v
}

// seenIndex returns the index of the latest confirmed own message that has
// been read, or -1.
func (s *Session) seenIndex() int {
	for i := len(s.entries) - 1; i >= 0; i-- {
		c, ok := s.entries[i].(Confirmed)
		if ok && c.Sender == s.cfg.Me && c.ReadAt != nil {
			return i
		}
	}
	return -1
}

// DayLabel names the calendar day of t relative to now. Both must be in the
// viewer's location.
func DayLabel(t, now time.Time) string {
	day := startOfDay(t)
	today := startOfDay(now)
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	case day.Year() == today.Year():
		return day.Format("January 2")
	default:
		return day.Format("January 2, 2006")
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
