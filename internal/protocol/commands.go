package protocol

import (
	"encoding/json"
	"strconv"
)

// Inbound command types.
const (
	CmdMarkRead  = "mark_read"
	CmdGetUnread = "get_unread"
)

// Command is a decoded client frame. Unknown types decode fine and are left
// for the caller to ignore.
type Command struct {
	Type string

	// ChatID and LastID select cursor based mark_read.
	ChatID *int64
	LastID *int64

	// IDs holds the usable ids of the legacy mark_read form.
	IDs []int64

	// Malformed is set when chat_id, last_id or ids is present but unusable.
	Malformed bool

	// listed counts the entries of the ids array, usable or not.
	listed int
}

type rawCommand struct {
	Type   string          `json:"type"`
	ChatID json.RawMessage `json:"chat_id"`
	LastID json.RawMessage `json:"last_id"`
	IDs    json.RawMessage `json:"ids"`
}

// ParseCommand decodes a client frame. It fails only when the frame is not a
// JSON object. A field that is present but unusable marks the command
// Malformed; ids that are not positive integers are dropped from IDs.
func ParseCommand(data []byte) (Command, error) {
	var raw rawCommand
	if err := json.Unmarshal(data, &raw); err != nil {
		return Command{}, err
	}
	cmd := Command{Type: raw.Type}

	var ok bool
	if cmd.ChatID, ok = parseID(raw.ChatID); !ok {
		cmd.Malformed = true
	}
	if cmd.LastID, ok = parseID(raw.LastID); !ok {
		cmd.Malformed = true
	}
	if cmd.IDs, cmd.listed, ok = parseIDList(raw.IDs); !ok {
		cmd.Malformed = true
	}
	return cmd, nil
}

// HasCursor reports whether a mark_read targets one chat.
func (c Command) HasCursor() bool {
	return c.ChatID != nil
}

// MarksAll reports whether a mark_read names neither a chat nor any message,
// which marks every chat read.
func (c Command) MarksAll() bool {
	return !c.Malformed && c.ChatID == nil && c.listed == 0
}

func absent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// parseID returns nil, true for an absent field and nil, false for a
// present one that is not a positive integer.
func parseID(raw json.RawMessage) (*int64, bool) {
	if absent(raw) {
		return nil, true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	id, ok := toID(v)
	if !ok {
		return nil, false
	}
	return &id, true
}

func parseIDList(raw json.RawMessage) ([]int64, int, bool) {
	if absent(raw) {
		return nil, 0, true
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, 0, false
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if id, ok := toID(item); ok {
			ids = append(ids, id)
		}
	}
	return ids, len(items), true
}

// toID accepts positive integral numbers and numeric strings.
func toID(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		id := int64(n)
		if float64(id) != n || id <= 0 {
			return 0, false
		}
		return id, true
	case string:
		id, err := strconv.ParseInt(n, 10, 64)
		if err != nil || id <= 0 {
			return 0, false
		}
		return id, true
	}
	return 0, false
}
