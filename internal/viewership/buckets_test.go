package viewership

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/you/gnasty-spam/internal/core"
)

var base = time.Date(2019, 10, 23, 11, 51, 19, 0, time.UTC)

func at(sec int, user string) core.Message {
	return core.Message{ChannelID: 1, StreamID: 2, User: user, Text: "hi", Ts: base.Add(time.Duration(sec) * time.Second)}
}

func TestBucketizeEmpty(t *testing.T) {
	start, buckets := Bucketize(nil)
	if !start.IsZero() || len(buckets) != 0 {
		t.Fatalf("expected empty result, got %s %+v", start, buckets)
	}
	if out := Build(core.Scope{ChannelID: 1, StreamID: 2}, nil); out == nil || len(out) != 0 {
		t.Fatalf("expected empty report, got %#v", out)
	}
}

func TestBucketizeSeventySecondsApart(t *testing.T) {
	_, buckets := Bucketize([]core.Message{at(0, "a"), at(70, "b")})
	if len(buckets) != 2 {
		t.Fatalf("expected two buckets, got %+v", buckets)
	}
	if buckets[0].Offset != 1 || buckets[1].Offset != 2 {
		t.Fatalf("unexpected offsets: %+v", buckets)
	}
}

func TestBucketizeThirtySecondsSameUser(t *testing.T) {
	_, buckets := Bucketize([]core.Message{at(0, "a"), at(30, "a")})
	if len(buckets) != 1 {
		t.Fatalf("expected one bucket, got %+v", buckets)
	}
	if buckets[0].MessageCount != 2 || buckets[0].ViewerCount != 1 {
		t.Fatalf("unexpected counts: %+v", buckets[0])
	}
}

func TestBucketizeBoundary(t *testing.T) {
	_, buckets := Bucketize([]core.Message{at(0, "a"), at(59, "b"), at(60, "c")})
	if len(buckets) != 2 {
		t.Fatalf("expected 59s in first bucket and 60s in second, got %+v", buckets)
	}
	if buckets[0].MessageCount != 2 || buckets[1].MessageCount != 1 {
		t.Fatalf("unexpected counts: %+v", buckets)
	}
}

func TestBucketizeResetsToTriggeringMessage(t *testing.T) {
	// A long silence still advances the index by one, and the new bucket is
	// measured from the message that opened it.
	msgs := []core.Message{at(0, "a"), at(600, "b"), at(650, "c"), at(661, "d")}
	_, buckets := Bucketize(msgs)
	want := []core.ViewershipBucket{
		{Offset: 1, ViewerCount: 1, MessageCount: 1},
		{Offset: 2, ViewerCount: 2, MessageCount: 2},
		{Offset: 3, ViewerCount: 1, MessageCount: 1},
	}
	if len(buckets) != len(want) {
		t.Fatalf("expected %d buckets, got %+v", len(want), buckets)
	}
	for i := range want {
		if buckets[i] != want[i] {
			t.Fatalf("bucket %d: expected %+v, got %+v", i, want[i], buckets[i])
		}
	}
}

func TestBucketizeSortsAndCountsAll(t *testing.T) {
	msgs := []core.Message{at(130, "c"), at(5, "a"), at(200, "a"), at(0, "b"), at(61, "a"), at(61, "a")}
	start, buckets := Bucketize(msgs)
	if !start.Equal(base) {
		t.Fatalf("expected start at earliest message, got %s", start)
	}
	total := 0
	for i, b := range buckets {
		if b.Offset != i+1 {
			t.Fatalf("offsets not contiguous: %+v", buckets)
		}
		if b.ViewerCount > b.MessageCount {
			t.Fatalf("viewers exceed messages: %+v", b)
		}
		total += b.MessageCount
	}
	if total != len(msgs) {
		t.Fatalf("bucket counts sum to %d, want %d", total, len(msgs))
	}
	if msgs[0].User != "c" {
		t.Fatalf("input slice was reordered")
	}
}

func TestBuildJSON(t *testing.T) {
	out := Build(core.Scope{ChannelID: 36029255, StreamID: 497295395}, []core.Message{at(0, "a"), at(10, "b")})
	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `[{"channel_id":36029255,"stream_id":497295395,"starttime":"2019-10-23 11:51:19","per_minute":[{"offset":1,"viewers":2,"messages":2}]}]`
	if string(data) != want {
		t.Fatalf("unexpected json:\n got %s\nwant %s", data, want)
	}
}

func TestBucketizeSkipsMissingTimestamps(t *testing.T) {
	undated := core.Message{ChannelID: 1, StreamID: 2, User: "ghost", Text: "hi"}
	start, buckets := Bucketize([]core.Message{undated, at(0, "a"), at(10, "b")})
	if !start.Equal(base) {
		t.Fatalf("expected start %s, got %s", base, start)
	}
	if len(buckets) != 1 || buckets[0].MessageCount != 2 || buckets[0].ViewerCount != 2 {
		t.Fatalf("unexpected buckets: %+v", buckets)
	}

	if out := Build(core.Scope{ChannelID: 1, StreamID: 2}, []core.Message{undated}); len(out) != 0 {
		t.Fatalf("expected empty report for undated chat, got %+v", out)
	}
}
