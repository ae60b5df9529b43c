package enum

import "fmt"

// Channel is a market data stream an instrument can be subscribed to.
type Channel uint8

const (
	_channel_beg Channel = iota
	ChannelQuotes
	ChannelTrades
	ChannelBook
	_channel_end
)

func (c Channel) IsAvailable() bool {
	return c > _channel_beg && c < _channel_end
}

func (c Channel) String() string {
	switch c {
	case ChannelQuotes:
		return "quotes"
	case ChannelTrades:
		return "trades"
	case ChannelBook:
		return "book"
	default:
		return "unknown"
	}
}

// BookAction is the kind of an incremental order book update.
type BookAction uint8

const (
	BookActionAdd BookAction = iota + 1
	BookActionUpdate
	BookActionDelete
	BookActionClear
)

func (a BookAction) String() string {
	switch a {
	case BookActionAdd:
		return "ADD"
	case BookActionUpdate:
		return "UPDATE"
	case BookActionDelete:
		return "DELETE"
	case BookActionClear:
		return "CLEAR"
	default:
		return "UNKNOWN"
	}
}

func (a BookAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// ParseChannel accepts the names produced by String.
func ParseChannel(s string) (Channel, error) {
	for c := _channel_beg + 1; c < _channel_end; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown channel %q", s)
}
