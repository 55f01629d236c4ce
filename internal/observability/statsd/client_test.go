package statsd

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestNormalizeMetricName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		" queue/emails ": "queue_emails",
		"foo..bar":       "foo.bar",
		"..job.":         "job",
		"multi  space":   "multi__space",
	}

	for input, want := range tests {
		if got := normalizeMetricName(input); got != want {
			t.Fatalf("normalizeMetricName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestFormatTags(t *testing.T) {
	t.Parallel()

	global := map[string]string{
		"env": "prod",
		//nolint:gocritic // whitespace is part of the test case
		" service ": " mmk-queue ",
	}
	local := map[string]string{
		"queue": " emails ",
		"":      "ignored",
		"env":   "stage",
	}

	got := formatTags(global, local)
	want := "|#env:stage,queue:emails,service:mmk-queue"
	if got != want {
		t.Fatalf("formatTags mismatch\n got: %q\nwant: %q", got, want)
	}

	if got := formatTags(nil, nil); got != "" {
		t.Fatalf("formatTags(nil, nil) = %q, want empty string", got)
	}
}

func TestClientWritesLines(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	client, err := NewClient(Config{
		Enabled:    true,
		Address:    pc.LocalAddr().String(),
		Prefix:     ".mmkq.",
		GlobalTags: map[string]string{"env": "test"},
	})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	defer client.Close()

	client.Count("job.transition", 2, map[string]string{"queue": "emails"})
	client.Gauge("queue.depth", 1.5, nil)
	client.Timing("job.duration", 1500*time.Microsecond, nil)

	want := []string{
		"mmkq.job.transition:2|c|#env:test,queue:emails",
		"mmkq.queue.depth:1.5|g|#env:test",
		"mmkq.job.duration:1.5|ms|#env:test",
	}
	buf := make([]byte, 512)
	for _, w := range want {
		_ = pc.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got := string(buf[:n]); got != w {
			t.Fatalf("line = %q, want %q", got, w)
		}
	}
}

func TestClientEnabledAndClose(t *testing.T) {
	t.Parallel()

	clientConn, peerConn := net.Pipe()
	defer peerConn.Close()

	client := &Client{conn: clientConn}
	if !client.Enabled() {
		t.Fatal("expected client.Enabled to report true with active connection")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if client.Enabled() {
		t.Fatal("expected client.Enabled to report false after Close")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close (second call) error: %v", err)
	}

	// Writes after close are dropped.
	client.Count("job.transition", 1, nil)

	var nilClient *Client
	if nilClient.Enabled() {
		t.Fatal("nil client should report disabled")
	}
	nilClient.Gauge("queue.depth", 1, nil)
	if err := nilClient.Close(); err != nil {
		t.Fatalf("nil client Close error: %v", err)
	}
}

func TestNewClientDisabledWithoutAddress(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Config{Enabled: true, Address: "   "})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	if client.Enabled() {
		t.Fatal("expected client to stay disabled when address is empty")
	}
}

func TestNewClientDialError(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{Enabled: true, Address: "bad address"})
	if err == nil {
		t.Fatal("expected NewClient to error for invalid address")
	}
	if !strings.Contains(err.Error(), "statsd dial") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFanout(t *testing.T) {
	t.Parallel()

	if _, ok := NewFanout().(Nop); !ok {
		t.Fatal("NewFanout() with no sinks should be Nop")
	}

	a, b := &Recorder{}, &Recorder{}
	if got := NewFanout(nil, a); got != Sink(a) {
		t.Fatal("NewFanout with one live sink should return it directly")
	}

	sink := NewFanout(a, nil, b)
	sink.Count("c", 3, map[string]string{"queue": "q"})
	sink.Gauge("g", 4, nil)
	sink.Timing("t", time.Second, nil)

	for _, r := range []*Recorder{a, b} {
		got := r.Metrics()
		if len(got) != 3 {
			t.Fatalf("recorded %d metrics, want 3", len(got))
		}
		if got[0].Kind != "count" || got[0].Value != 3 || got[0].Tags["queue"] != "q" {
			t.Fatalf("unexpected count metric: %+v", got[0])
		}
		if len(r.Named("g")) != 1 {
			t.Fatal("expected one gauge named g")
		}
	}
}
