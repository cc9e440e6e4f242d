package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/you/gnasty-spam/internal/core"
)

const sampleExport = `{"comments":[
{"channel_id":"36029255","content_id":"497295395","created_at":"2019-10-23T11:51:19.123Z","content_offset_seconds":1.5,
 "commenter":{"display_name":"seabunnei"},"message":{"body":"hi chat"}},
{"channel_id":"36029255","content_id":"497295395","created_at":"2019-10-23T11:52:40.000Z","content_offset_seconds":82,
 "commenter":{"display_name":"other"},"message":{"body":"hello"}}
]}`

func runCLI(t *testing.T, dir string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	base := []string{
		"-env-file", filepath.Join(dir, "missing.env"),
		"-sqlite", filepath.Join(dir, "twitch.db"),
		"-log-level", "error",
	}
	code := run(append(base, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		args    []string
		wantErr bool
		check   func(command) bool
	}{
		{args: nil, wantErr: true},
		{args: []string{"bogus"}, wantErr: true},
		{args: []string{"createchannel", "CallOfDuty", "1500"}, check: func(c command) bool {
			return c.channel == core.Channel{ID: 1500, Name: "CallOfDuty"}
		}},
		{args: []string{"createchannel", "CallOfDuty", "abc"}, wantErr: true},
		{args: []string{"gettopspam", "36029255", "497295395"}, check: func(c command) bool {
			return c.scope == core.Scope{ChannelID: 36029255, StreamID: 497295395}
		}},
		{args: []string{"gettopspam2", "1"}, wantErr: true},
		{args: []string{"viewership", "1", "x"}, wantErr: true},
		{args: []string{"querychatlog"}, wantErr: true},
		{args: []string{"querychatlog", "stream_id eq 1", "user eq a"}, check: func(c command) bool {
			return len(c.filters) == 2
		}},
		{args: []string{"storechatlog", "a.json"}, check: func(c command) bool { return c.file == "a.json" }},
		{args: []string{"parsetopspam"}, wantErr: true},
		{args: []string{"watch", "a.json", "b.json"}, check: func(c command) bool { return len(c.files) == 2 }},
		{args: []string{"serve", "extra"}, wantErr: true},
		{args: []string{"version"}, check: func(c command) bool { return c.name == "version" }},
	}
	for _, tc := range cases {
		cmd, err := parseCommand(tc.args)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected usage error", tc.args)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tc.args, err)
		}
		if tc.check != nil && !tc.check(cmd) {
			t.Fatalf("%q: unexpected command %+v", tc.args, cmd)
		}
	}
}

func TestRunUsageExitCode(t *testing.T) {
	dir := t.TempDir()
	if code, _, _ := runCLI(t, dir); code != exitUsage {
		t.Fatalf("expected exit %d without command, got %d", exitUsage, code)
	}
	if code, _, _ := runCLI(t, dir, "gettopspam", "one", "two"); code != exitUsage {
		t.Fatalf("expected exit %d for bad ids, got %d", exitUsage, code)
	}
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	export := filepath.Join(dir, "comments.json")
	if err := os.WriteFile(export, []byte(sampleExport), 0o644); err != nil {
		t.Fatalf("write export: %v", err)
	}

	steps := []struct {
		args []string
		want string
	}{
		{[]string{"createchannel", "CallOfDuty", "1500"}, `{"id":1500,"name":"CallOfDuty"}`},
		{[]string{"storechatlog", export}, `{"channel_id":36029255,"stream_id":497295395,"inserted":2}`},
		{[]string{"parsetopspam", export}, `{"channel_id":36029255,"stream_id":497295395,"inserted":0}`},
		{[]string{"gettopspam", "36029255", "497295395"}, `[]`},
		{[]string{"gettopspam2", "36029255", "497295395"}, `[]`},
		{[]string{"querychatlog", "stream_id eq 497295395", "user eq seabunnei"},
			`[{"channel_id":36029255,"chat_time":"2019-10-23T11:51:19.123Z","offset":1,"stream_id":497295395,"text":"hi chat","user":"seabunnei"}]`},
		{[]string{"viewership", "36029255", "497295395"},
			`[{"channel_id":36029255,"stream_id":497295395,"starttime":"2019-10-23 11:51:19","per_minute":[{"offset":1,"viewers":1,"messages":1},{"offset":2,"viewers":1,"messages":1}]}]`},
	}
	for _, step := range steps {
		code, stdout, stderr := runCLI(t, dir, step.args...)
		if code != exitOK {
			t.Fatalf("%q: exit %d, stderr:\n%s", step.args, code, stderr)
		}
		if got := strings.TrimSpace(stdout); got != step.want {
			t.Fatalf("%q: unexpected output\n got %s\nwant %s", step.args, got, step.want)
		}
	}

	if code, _, _ := runCLI(t, dir, "querychatlog", "user like"); code != exitFail {
		t.Fatalf("expected exit %d for invalid filter, got %d", exitFail, code)
	}
	if code, _, _ := runCLI(t, dir, "createchannel", "again", "1500"); code != exitFail {
		t.Fatalf("expected exit %d for duplicate channel, got %d", exitFail, code)
	}
}

func TestRunWritesMetricsTextfile(t *testing.T) {
	dir := t.TempDir()
	prom := filepath.Join(dir, "gnasty.prom")
	if code, _, stderr := runCLI(t, dir, "-metrics-file", prom, "gettopspam", "1", "2"); code != exitOK {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	data, err := os.ReadFile(prom)
	if err != nil {
		t.Fatalf("read metrics textfile: %v", err)
	}
	if !strings.Contains(string(data), `gnasty_commands_total{command="gettopspam",status="ok"} 1`) {
		t.Fatalf("textfile missing command counter:\n%s", data)
	}
}

func TestRunVersion(t *testing.T) {
	code, stdout, _ := runCLI(t, t.TempDir(), "version")
	if code != exitOK || !strings.HasPrefix(stdout, "gnasty-spam version: ") {
		t.Fatalf("unexpected version output: %d %q", code, stdout)
	}
}
