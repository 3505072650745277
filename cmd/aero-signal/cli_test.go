package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signalclient"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
)

func startRelay(t *testing.T) string {
	t.Helper()
	r := relay.New(relay.Config{})
	sig := signaling.NewServer(signaling.Config{Relay: r})
	mux := http.NewServeMux()
	sig.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		sig.Close()
		ts.Close()
		r.Close()
	})
	return ts.URL
}

func runCLI(t *testing.T, ctx context.Context, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestSendThenPoll_JSON(t *testing.T) {
	base := startRelay(t)
	ctx := context.Background()

	out, err := runCLI(t, ctx, `{"type":"offer","sdp":"v=0"}`,
		"--relay", base, "-o", "json",
		"send", "--from", "alice", "--to", "bob", "--kind", "offer", "--payload-file", "-")
	if err != nil {
		t.Fatalf("send: %v\n%s", err, out)
	}
	var ack signalclient.Ack
	if err := json.Unmarshal([]byte(out), &ack); err != nil {
		t.Fatalf("decode ack %q: %v", out, err)
	}
	if ack.ID == "" || ack.Disposition != relay.DispositionRelayed {
		t.Fatalf("ack=%+v", ack)
	}

	out, err = runCLI(t, ctx, "", "--relay", base, "-o", "json", "poll", "bob", "--timeout", "0")
	if err != nil {
		t.Fatalf("poll: %v\n%s", err, out)
	}
	var msgs []mailbox.Message
	if err := json.Unmarshal([]byte(out), &msgs); err != nil {
		t.Fatalf("decode messages %q: %v", out, err)
	}
	if len(msgs) != 1 || msgs[0].ID != ack.ID || msgs[0].From != "alice" {
		t.Fatalf("messages=%+v", msgs)
	}
}

func TestPoll_TextTable(t *testing.T) {
	base := startRelay(t)
	ctx := context.Background()

	if out, err := runCLI(t, ctx, "", "--relay", base, "send", "--from", "alice", "--to", "bob", "--kind", "end", "--payload", `{"reason":"hangup"}`); err != nil {
		t.Fatalf("send: %v\n%s", err, out)
	}
	out, err := runCLI(t, ctx, "", "--relay", base, "poll", "bob", "--timeout", "0")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	for _, want := range []string{"Kind", "alice", "end", `{"reason":"hangup"}`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	out, err = runCLI(t, ctx, "", "--relay", base, "poll", "bob", "--timeout", "0")
	if err != nil || !strings.Contains(out, "no messages") {
		t.Fatalf("empty poll out=%q err=%v", out, err)
	}
}

func TestPollFollow_StopsOnInterrupt(t *testing.T) {
	base := startRelay(t)
	c, err := signalclient.New(base)
	if err != nil {
		t.Fatal(err)
	}
	for _, kind := range []mailbox.Kind{mailbox.KindOffer, mailbox.KindICECandidate} {
		if _, err := c.Send(context.Background(), relay.Submission{From: "alice", To: "bob", Kind: kind, Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	out, err := runCLI(t, ctx, "", "--relay", base, "-o", "json", "poll", "bob", "--follow", "--timeout", "100ms")
	if err != nil {
		t.Fatalf("poll --follow: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines=%q, want 2", lines)
	}
	var first mailbox.Message
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil || first.Kind != mailbox.KindOffer {
		t.Fatalf("first=%+v err=%v", first, err)
	}
}

func TestWatch_PrintsPushedSignals(t *testing.T) {
	base := startRelay(t)
	c, err := signalclient.New(base)
	if err != nil {
		t.Fatal(err)
	}
	// Queued before the watch starts; flushed on join.
	if _, err := c.Send(context.Background(), relay.Submission{From: "alice", To: "bob", Kind: mailbox.KindOffer, Payload: json.RawMessage(`{"sdp":"v=0"}`)}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, err := runCLI(t, ctx, "", "--relay", base, "watch", "bob", "--msgpack")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if !strings.Contains(out, "alice -> bob") || !strings.Contains(out, "offer") {
		t.Fatalf("output=%q", out)
	}
}

func TestCLIErrors(t *testing.T) {
	base := startRelay(t)
	ctx := context.Background()

	if _, err := runCLI(t, ctx, "", "--relay", base, "send", "--from", "a", "--to", "b", "--kind", "offer", "--payload", "{"); err == nil || !strings.Contains(err.Error(), "not valid JSON") {
		t.Fatalf("bad payload err=%v", err)
	}
	if _, err := runCLI(t, ctx, "", "--relay", base, "send", "--from", "a", "--to", "b", "--kind", "bogus"); !signalclient.IsCode(err, "invalid_message") {
		t.Fatalf("bad kind err=%v", err)
	}
	if _, err := runCLI(t, ctx, "", "--relay", base, "send", "--to", "b", "--kind", "offer"); err == nil {
		t.Fatalf("missing --from accepted")
	}
	if _, err := runCLI(t, ctx, "", "--relay", base, "-o", "yaml", "poll", "b"); err == nil || !strings.Contains(err.Error(), "--output") {
		t.Fatalf("bad output err=%v", err)
	}
	if _, err := runCLI(t, ctx, "", "--relay", "not a url", "poll", "b"); err == nil {
		t.Fatalf("bad relay URL accepted")
	}
}

func TestPreview(t *testing.T) {
	if got := preview(json.RawMessage("{\n  \"a\": 1\n}")); got != `{ "a": 1 }` {
		t.Fatalf("preview=%q", got)
	}
	long := json.RawMessage(`"` + strings.Repeat("x", 100) + `"`)
	if got := preview(long); len(got) != payloadPreview || !strings.HasSuffix(got, "...") {
		t.Fatalf("preview=%q", got)
	}
}
