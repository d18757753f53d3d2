package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gaffer-run/gaffer/pkg/types"
)

func TestProcessChannelStreamsStdout(t *testing.T) {
	s, m := newTestServer(t)

	cfg := &types.JobConfig{
		Name:            "echoer",
		Cmd:             "/bin/sh",
		Args:            []string{"-c", "sleep 1; echo hello-from-process-channel; sleep 5"},
		NumProcesses:    1,
		RedirectOutput:  []string{"stdout"},
		GracefulTimeout: 2 * time.Second,
	}
	summary, err := m.Load("default", cfg, nil, true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	var pid int
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := m.GetJob("default", summary.Name)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if len(got.PIDs) == 1 {
			pid = got.PIDs[0]
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("process never started")
		}
		time.Sleep(20 * time.Millisecond)
	}

	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + itoaPath(pid) + "/channel"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial process channel: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(4 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read channel frame: %v", err)
	}

	typ, _, body, err := parseFrame(raw)
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	if typ != frameMessage {
		t.Fatalf("expected message frame, got %q", typ)
	}
	if !strings.Contains(string(body), "hello-from-process-channel") {
		t.Fatalf("expected echo output in frame body, got %q", body)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	raw := buildFrame(frameMessage, "abc-123", []byte("payload"))
	typ, msgid, body, err := parseFrame(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if typ != frameMessage || msgid != "abc-123" || string(body) != "payload" {
		t.Fatalf("round trip mismatch: %q %q %q", typ, msgid, body)
	}
}

func TestParseFrameRejectsMissingTerminator(t *testing.T) {
	if _, _, _, err := parseFrame([]byte("not a frame")); err == nil {
		t.Fatalf("expected error for frame missing null terminator")
	}
}

func TestParseFrameRejectsWrongVersion(t *testing.T) {
	raw := append([]byte("V2 message abc\x00"), []byte("body")...)
	if _, _, _, err := parseFrame(raw); err == nil {
		t.Fatalf("expected error for unsupported frame version")
	}
}
