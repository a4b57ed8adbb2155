package protocol

import (
	"encoding/json"

	"github.com/mngfx/market-feed/pkg/models"
)

const (
	ActionSubscribe = "subscribe"
)

const (
	TypeWelcome    = "welcome"
	TypeSubscribed = "subscribed"
	TypeError      = "error"
	TypeTick       = "tick"
)

const (
	MessageWelcome       = "connected to market feed"
	MessageUnknownAction = "unknown action"
)

// Command is a client -> server frame.
type Command struct {
	Action string `json:"action"`
	Symbol string `json:"symbol,omitempty"`
}

// Frame is a server -> client frame.
type Frame struct {
	Type    string       `json:"type"`
	Message string       `json:"message,omitempty"`
	Symbol  string       `json:"symbol,omitempty"`
	Tick    *models.Tick `json:"tick,omitempty"`
}

// ParseCommand never fails: anything that is not a JSON object comes back
// with an empty action. Keys match exactly, so "Action" is not "action".
// A non-string symbol is kept as its JSON text.
func ParseCommand(payload []byte) Command {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Command{}
	}

	var cmd Command
	if raw, ok := fields["action"]; ok {
		if err := json.Unmarshal(raw, &cmd.Action); err != nil {
			cmd.Action = ""
		}
	}
	if raw, ok := fields["symbol"]; ok {
		cmd.Symbol = symbolText(raw)
	}
	return cmd
}

func symbolText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

func Welcome() Frame { return Frame{Type: TypeWelcome, Message: MessageWelcome} }

func Subscribed(symbol string) Frame { return Frame{Type: TypeSubscribed, Symbol: symbol} }

func UnknownAction() Frame { return Frame{Type: TypeError, Message: MessageUnknownAction} }

func TickFrame(t models.Tick) Frame { return Frame{Type: TypeTick, Tick: &t} }
