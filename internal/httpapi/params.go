package httpapi

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/you/gnasty-spam/internal/core"
)

// ParseScope reads the required channel_id and stream_id parameters.
func ParseScope(values url.Values) (core.Scope, error) {
	channelID, err := parseID(values, "channel_id")
	if err != nil {
		return core.Scope{}, err
	}
	streamID, err := parseID(values, "stream_id")
	if err != nil {
		return core.Scope{}, err
	}
	return core.Scope{ChannelID: channelID, StreamID: streamID}, nil
}

func parseID(values url.Values, name string) (int64, error) {
	raw := strings.TrimSpace(values.Get(name))
	if raw == "" {
		return 0, errors.Errorf("%s is required", name)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Errorf("%s must be an integer", name)
	}
	return n, nil
}

// FilterExprs collects the repeated filter parameter, skipping blanks. Each
// value is one "<column> <op> <value>" expression.
func FilterExprs(values url.Values) []string {
	var out []string
	for _, raw := range values["filter"] {
		if v := strings.TrimSpace(raw); v != "" {
			out = append(out, v)
		}
	}
	return out
}
