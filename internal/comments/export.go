// Package comments decodes Twitch chat replay exports (the "comments" JSON
// document produced by VOD chat downloaders) into core messages.
package comments

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/you/gnasty-spam/internal/core"
)

// Comment is a single exported chat comment. Only the fields the analytics
// need are decoded; everything else in the export is ignored.
type Comment struct {
	ChannelID     flexInt `json:"channel_id"`
	ContentID     flexInt `json:"content_id"`
	CreatedAt     string  `json:"created_at"`
	OffsetSeconds flexInt `json:"content_offset_seconds"`
	Commenter     struct {
		DisplayName string `json:"display_name"`
		Name        string `json:"name"`
	} `json:"commenter"`
	Message struct {
		Body string `json:"body"`
	} `json:"message"`
}

// User returns the commenter display name, falling back to the login name.
func (c Comment) User() string {
	if c.Commenter.DisplayName != "" {
		return c.Commenter.DisplayName
	}
	return c.Commenter.Name
}

// Export is a decoded comments document.
type Export struct {
	Comments []Comment `json:"comments"`
}

// Load reads the export at path. A missing file is an empty export.
func Load(path string) (Export, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Export{}, nil
		}
		return Export{}, errors.Wrap(err, "open export")
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses an export document from r.
func Decode(r io.Reader) (Export, error) {
	var doc Export
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Export{}, nil
		}
		return Export{}, errors.Wrap(err, "decode export")
	}
	return doc, nil
}

// Len reports the number of comments in the export.
func (e Export) Len() int { return len(e.Comments) }

// Scope returns the scope of the first comment. ok is false for an empty export.
func (e Export) Scope() (scope core.Scope, ok bool) {
	if len(e.Comments) == 0 {
		return core.Scope{}, false
	}
	first := e.Comments[0]
	return core.Scope{ChannelID: int64(first.ChannelID), StreamID: int64(first.ContentID)}, true
}

// Messages converts every comment into a message stamped with the export's
// scope. Comments whose created_at cannot be parsed keep a zero Ts.
func (e Export) Messages() []core.Message {
	scope, ok := e.Scope()
	if !ok {
		return nil
	}
	out := make([]core.Message, 0, len(e.Comments))
	for _, c := range e.Comments {
		ts, _ := ParseTime(c.CreatedAt)
		out = append(out, core.Message{
			ChannelID: scope.ChannelID,
			StreamID:  scope.StreamID,
			Text:      c.Message.Body,
			User:      c.User(),
			Ts:        ts,
			RawTime:   c.CreatedAt,
			Offset:    int(c.OffsetSeconds),
		})
	}
	return out
}

// InvalidTimes counts comments whose created_at cannot be parsed. Their
// messages carry a zero Ts.
func (e Export) InvalidTimes() int {
	n := 0
	for _, c := range e.Comments {
		if _, err := ParseTime(c.CreatedAt); err != nil {
			n++
		}
	}
	return n
}

// ParseTime parses an ISO-8601 created_at value and truncates it to whole
// seconds in UTC.
func ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05", core.StartTimeLayout}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, errors.Errorf("invalid timestamp %q", raw)
}

// flexInt accepts integers encoded either as JSON numbers (possibly with a
// fractional part, which is truncated) or as numeric strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
		if len(data) == 0 {
			*f = 0
			return nil
		}
	}
	if n, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		*f = flexInt(n)
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return errors.Errorf("invalid integer %s", data)
	}
	*f = flexInt(int64(v))
	return nil
}
