package core

import (
	"strconv"
	"time"
)

// TimeLayout is the second-precision form timestamps are stored and compared in.
const TimeLayout = "2006-01-02T15:04:05Z"

// StartTimeLayout renders a viewership start time.
const StartTimeLayout = "2006-01-02 15:04:05"

// DefaultSpamThreshold is the occurrence count a text must exceed to be spam.
const DefaultSpamThreshold = 10

// Scope partitions persisted messages and spam candidates.
type Scope struct {
	ChannelID int64
	StreamID  int64
}

func (s Scope) String() string {
	return strconv.FormatInt(s.ChannelID, 10) + "/" + strconv.FormatInt(s.StreamID, 10)
}

// Message is one stored chat line (a chat log row).
type Message struct {
	ChannelID int64
	StreamID  int64
	Text      string
	User      string
	Ts        time.Time // second precision, UTC
	RawTime   string    // created_at exactly as exported; optional
	Offset    int       // seconds from stream start
}

// Scope returns the (channel, stream) pair the message belongs to.
func (m Message) Scope() Scope {
	return Scope{ChannelID: m.ChannelID, StreamID: m.StreamID}
}

// ChatTime returns the exported timestamp, falling back to the normalized one.
func (m Message) ChatTime() string {
	if m.RawTime != "" {
		return m.RawTime
	}
	if m.Ts.IsZero() {
		return ""
	}
	return m.Ts.UTC().Format(TimeLayout)
}

// MessageRecord is the JSON shape emitted for a chat log row. Keys are in
// sorted order.
type MessageRecord struct {
	ChannelID int64  `json:"channel_id"`
	ChatTime  string `json:"chat_time"`
	Offset    int    `json:"offset"`
	StreamID  int64  `json:"stream_id"`
	Text      string `json:"text"`
	User      string `json:"user"`
}

// Record converts m to its output form.
func (m Message) Record() MessageRecord {
	return MessageRecord{
		ChannelID: m.ChannelID,
		ChatTime:  m.ChatTime(),
		Offset:    m.Offset,
		StreamID:  m.StreamID,
		Text:      m.Text,
		User:      m.User,
	}
}

// SpamCandidate is a message text seen more often than the spam threshold.
type SpamCandidate struct {
	ChannelID         int64
	StreamID          int64
	Text              string
	OccurrenceCount   int
	DistinctUserCount int
}

// SpamRecord is the JSON shape emitted for a spam candidate.
type SpamRecord struct {
	Occurrences int    `json:"occurrences"`
	SpamText    string `json:"spam_text"`
	UserCount   int    `json:"user_count"`
}

// Record converts c to its output form.
func (c SpamCandidate) Record() SpamRecord {
	return SpamRecord{
		Occurrences: c.OccurrenceCount,
		SpamText:    c.Text,
		UserCount:   c.DistinctUserCount,
	}
}

// SpamRecords converts a candidate list, never returning nil so an empty
// result encodes as [].
func SpamRecords(cands []SpamCandidate) []SpamRecord {
	out := make([]SpamRecord, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.Record())
	}
	return out
}

// MessageRecords converts a message list, never returning nil.
func MessageRecords(msgs []Message) []MessageRecord {
	out := make([]MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Record())
	}
	return out
}

// ViewershipBucket holds the counts for one synthetic minute.
type ViewershipBucket struct {
	Offset       int `json:"offset"`
	ViewerCount  int `json:"viewers"`
	MessageCount int `json:"messages"`
}

// Viewership is the per-minute report for one scope.
type Viewership struct {
	ChannelID int64              `json:"channel_id"`
	StreamID  int64              `json:"stream_id"`
	StartTime string             `json:"starttime"`
	PerMinute []ViewershipBucket `json:"per_minute"`
}

// Channel is a registered Twitch channel.
type Channel struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}
