package protocol

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"dmsim/models"
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
	ErrInvalidRecord = errors.New("invalid record format")
)

// Packet types
const (
	TypePing   = "ping"
	TypePong   = "pong"
	TypeBye    = "bye"
	TypeAuth   = "auth"
	TypeReg    = "reg"
	TypeOk     = "ok"
	TypeFail   = "fail"
	TypeList   = "list"
	TypeAdd    = "add"
	TypeRen    = "ren"
	TypeDel    = "del"
	TypeConv   = "conv"
	TypeHist   = "hist"
	TypeSub    = "sub"
	TypeUnsub  = "unsub"
	TypeSend   = "send"
	TypeSent   = "sent"
	TypeRead   = "read"
	TypeTyping = "typ"
	TypeUnread = "unread"

	// server-initiated events
	TypeMsg  = "msg"
	TypeSeen = "seen"
	// TypeDrop tells the client a subscription was cut and its events
	// must be recovered with hist.
	TypeDrop = "drop"
)

// TimeFormat is used for every timestamp on the wire.
const TimeFormat = time.RFC3339Nano

type Packet struct {
	Type string
	Args []string
}

// Arg returns the i-th argument or "" when absent.
func (p *Packet) Arg(i int) string {
	if i < 0 || i >= len(p.Args) {
		return ""
	}
	return p.Args[i]
}

func ParsePacket(line string) (*Packet, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return nil, ErrInvalidPacket
	}

	fields := Split(line)
	if fields[0] == "" {
		return nil, ErrInvalidPacket
	}
	return &Packet{Type: fields[0], Args: fields[1:]}, nil
}

// Encode builds one wire line: every field escaped, joined by '|', newline
// terminated.
func Encode(pktType string, fields ...string) string {
	return Join(append([]string{pktType}, fields...)...) + "\n"
}

// Join escapes and joins fields without a trailing newline. A joined value
// can itself be passed as a single field to Encode; the second escaping
// keeps its separators intact.
func Join(fields ...string) string {
	escaped := make([]string, len(fields))
	for i, f := range fields {
		escaped[i] = Escape(f)
	}
	return strings.Join(escaped, "|")
}

// Split splits s on unescaped '|' and unescapes each part.
func Split(s string) []string {
	raw := splitUnescaped(s, '|')
	for i, r := range raw {
		raw[i] = unescape(r)
	}
	return raw
}

// splitUnescaped splits s on delimiter, leaving escape sequences in place.
// The codec works on bytes; every special character is ASCII, so multi-byte
// sequences, valid or not, pass through untouched.
func splitUnescaped(s string, delimiter byte) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for i := 0; i < len(s); i++ {
		b := s[i]
		if escape {
			current.WriteByte(b)
			escape = false
			continue
		}

		if b == '\\' {
			escape = true
			current.WriteByte(b)
			continue
		}

		if b == delimiter {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}

		current.WriteByte(b)
	}

	parts = append(parts, current.String())
	return parts
}

func unescape(s string) string {
	var result strings.Builder
	escape := false

	for i := 0; i < len(s); i++ {
		b := s[i]
		if escape {
			switch b {
			case '|', ',', '\\':
				result.WriteByte(b)
			case 'n':
				result.WriteByte('\n')
			case 'r':
				result.WriteByte('\r')
			default:
				result.WriteByte('\\')
				result.WriteByte(b)
			}
			escape = false
			continue
		}

		if b == '\\' {
			escape = true
			continue
		}

		result.WriteByte(b)
	}

	// trailing lone backslash
	if escape {
		result.WriteByte('\\')
	}

	return result.String()
}

func Escape(s string) string {
	var result strings.Builder

	for i := 0; i < len(s); i++ {
		switch b := s[i]; b {
		case '|':
			result.WriteString("\\|")
		case ',':
			result.WriteString("\\,")
		case '\\':
			result.WriteString("\\\\")
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		default:
			result.WriteByte(b)
		}
	}

	return result.String()
}

// EncodeMessage encodes m as a record: id|conv|sender|body|createdAt|readAt.
func EncodeMessage(m models.Message) string {
	readAt := ""
	if m.ReadAt != nil {
		readAt = FormatTime(*m.ReadAt)
	}
	return Join(
		strconv.FormatInt(m.ID, 10),
		m.ConversationID,
		m.Sender,
		m.Body,
		FormatTime(m.CreatedAt),
		readAt,
	)
}

func DecodeMessage(rec string) (models.Message, error) {
	parts := Split(rec)
	if len(parts) != 6 {
		return models.Message{}, ErrInvalidRecord
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return models.Message{}, ErrInvalidRecord
	}
	created, err := ParseTime(parts[4])
	if err != nil {
		return models.Message{}, ErrInvalidRecord
	}
	m := models.Message{
		ID:             id,
		ConversationID: parts[1],
		Sender:         parts[2],
		Body:           parts[3],
		CreatedAt:      created,
	}
	if parts[5] != "" {
		readAt, err := ParseTime(parts[5])
		if err != nil {
			return models.Message{}, ErrInvalidRecord
		}
		m.ReadAt = &readAt
	}
	return m, nil
}

// EncodeContact encodes c as a record: login|nick|mutual.
func EncodeContact(c models.Contact) string {
	mutual := "0"
	if c.Mutual {
		mutual = "1"
	}
	return Join(c.Contact, c.Nick, mutual)
}

func DecodeContact(rec string) (models.Contact, error) {
	parts := Split(rec)
	if len(parts) != 3 {
		return models.Contact{}, ErrInvalidRecord
	}
	return models.Contact{Contact: parts[0], Nick: parts[1], Mutual: parts[2] == "1"}, nil
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

func FormatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
