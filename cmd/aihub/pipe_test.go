package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ayatoki/aihub/internal/approval"
	"github.com/ayatoki/aihub/internal/breaker"
	"github.com/ayatoki/aihub/internal/config"
	"github.com/ayatoki/aihub/internal/council"
	"github.com/ayatoki/aihub/internal/enrich"
	"github.com/ayatoki/aihub/internal/fanout"
	"github.com/ayatoki/aihub/internal/hub"
	"github.com/ayatoki/aihub/internal/journal"
	"github.com/ayatoki/aihub/internal/nightshift"
	"github.com/ayatoki/aihub/internal/provider"
	"github.com/ayatoki/aihub/internal/router"
)

type stubRunner struct{}

func (stubRunner) Run(_ context.Context, k provider.Kind, _ string, _ provider.Options) provider.Response {
	return provider.Response{Provider: k, Output: "stub reply"}
}

func testHub(t *testing.T, messenger *pipeMessenger) *hub.Hub {
	t.Helper()
	fan := fanout.NewEngine(stubRunner{}, breaker.NewRegistry(nil), nil)
	enricher := enrich.New(nil, "", nil, nil, "", nil)
	rt := router.New(fan, council.NewEngine(fan, provider.Claude, nil), enricher, nil)
	jr := journal.New(t.TempDir(), nil)
	exec := nightshift.NewExecutor(fan, approval.NewGate(fan, nil, nil), jr, nil)
	cfg := &config.Config{TransportToken: "t", AllowedUsers: []string{"alice"}}
	return hub.New(cfg, rt, exec, jr, nil, nil, nil, messenger, nil, nil)
}

func TestPipeMessenger_JSONLines(t *testing.T) {
	var buf bytes.Buffer
	p := newPipeMessenger(&buf)

	id, err := p.Send(context.Background(), "c1", "hello")
	if err != nil || id != "m1" {
		t.Fatalf("send: %q, %v", id, err)
	}
	if err := p.Edit(context.Background(), "c1", id, "hello v2"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: %d", len(lines))
	}
	var first, second outboundMessage
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 1: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("line 2: %v", err)
	}
	if first.Edit || first.Text != "hello" || first.MessageID != "m1" {
		t.Fatalf("first: %+v", first)
	}
	if !second.Edit || second.MessageID != "m1" {
		t.Fatalf("second: %+v", second)
	}
}

func TestServePipe_RepliesToAuthorizedUser(t *testing.T) {
	var out bytes.Buffer
	messenger := newPipeMessenger(&out)
	h := testHub(t, messenger)

	in := strings.NewReader(
		`{"user_id":"alice","chat_id":"c1","text":"claude: hi"}` + "\n" +
			`{"user_id":"mallory","chat_id":"c1","text":"claude: hi"}` + "\n" +
			"not json\n")
	if err := servePipe(context.Background(), h, in, messenger, nil); err != nil {
		t.Fatalf("serve: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("replies: %v", lines)
	}
	var reply outboundMessage
	if err := json.Unmarshal([]byte(lines[0]), &reply); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.Text != "stub reply" || reply.ChatID != "c1" {
		t.Fatalf("reply: %+v", reply)
	}
}
