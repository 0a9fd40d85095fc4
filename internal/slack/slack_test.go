package slack

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func testClient(srvURL string) *Client {
	c := NewClient("xoxb-test")
	c.APIBase = srvURL
	c.BaseDelay = time.Millisecond
	return c
}

func TestMessageJSON_MatchesBlockKit(t *testing.T) {
	msg := Message{Blocks: []Block{
		Header("Alert"),
		Divider(),
		RichText(
			BulletList(0, Section(UserElement("U1"))),
			OrderedList(1, Section(LinkElement("https://x", "LI | 480 x 361v"), TextElement(" : Creative Size = 480 x 361v"))),
		),
	}}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	for _, want := range []string{
		`{"type":"header","text":{"type":"plain_text","text":"Alert"}}`,
		`{"type":"divider"}`,
		`"type":"rich_text_list","style":"bullet","indent":0,"border":0`,
		`{"type":"user","user_id":"U1"}`,
		`"style":"ordered","indent":1`,
		`{"type":"link","text":"LI | 480 x 361v","url":"https://x"}`,
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("payload missing %s:\n%s", want, s)
		}
	}
	if (Message{}).Empty() != true || msg.Empty() {
		t.Fatalf("Empty misreports")
	}
}

func TestLookupUserByEmail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users.lookupByEmail" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer xoxb-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Query().Get("email") {
		case "jane@x.com":
			_, _ = io.WriteString(w, `{"ok":true,"user":{"id":"U123"}}`)
		case "ghost@x.com":
			_, _ = io.WriteString(w, `{"ok":false,"error":"users_not_found"}`)
		default:
			_, _ = io.WriteString(w, `{"ok":false,"error":"missing_scope"}`)
		}
	}))
	defer srv.Close()
	c := testClient(srv.URL)
	ctx := context.Background()

	if id, err := c.LookupUserByEmail(ctx, "jane@x.com"); err != nil || id != "U123" {
		t.Fatalf("found: (%q, %v)", id, err)
	}
	if id, err := c.LookupUserByEmail(ctx, "ghost@x.com"); err != nil || id != "" {
		t.Fatalf("not found must be empty without error: (%q, %v)", id, err)
	}
	if _, err := c.LookupUserByEmail(ctx, "other@x.com"); err == nil {
		t.Fatalf("expected API error")
	}
}

func TestPostWebhook_RetriesTransientStatuses(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
		switch n {
		case 1:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			b, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(b), `"blocks"`) {
				t.Errorf("body %s", b)
			}
			_, _ = io.WriteString(w, "ok")
		}
	}))
	defer srv.Close()

	err := testClient(srv.URL).PostWebhook(context.Background(), srv.URL+"/hook", Message{Blocks: []Block{Divider()}})
	if err != nil {
		t.Fatalf("PostWebhook: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestPostWebhook_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := testClient(srv.URL).PostWebhook(context.Background(), srv.URL, Message{Blocks: []Block{Divider()}})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
		t.Fatalf("expected StatusError 502, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 1 call + 3 retries, got %d", calls)
	}
}

func TestPostWebhook_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "invalid_payload")
	}))
	defer srv.Close()

	err := testClient(srv.URL).PostWebhook(context.Background(), srv.URL, Message{Blocks: []Block{Divider()}})
	var se *StatusError
	if !errors.As(err, &se) || se.Body != "invalid_payload" {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("3"); d != 3*time.Second {
		t.Fatalf("seconds: %v", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Fatalf("empty: %v", d)
	}
	if d := parseRetryAfter("soon"); d != 0 {
		t.Fatalf("garbage: %v", d)
	}
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	if d := parseRetryAfter(future); d <= 0 || d > time.Hour {
		t.Fatalf("http date: %v", d)
	}
}

func TestStatusNotifier(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	n := NewStatusNotifier(testClient(srv.URL), srv.URL, "Skip check")
	ctx := context.Background()
	n.Started(ctx, "r1")
	n.Completed(ctx, "r1", "2 new alerts")
	n.Failed(ctx, "r1", errors.New("report job timed out"))

	if len(bodies) != 3 {
		t.Fatalf("expected 3 posts, got %d", len(bodies))
	}
	if !strings.Contains(bodies[0], "Skip check started!") || !strings.Contains(bodies[0], `"mrkdwn"`) {
		t.Fatalf("started: %s", bodies[0])
	}
	if !strings.Contains(bodies[1], "2 new alerts") || !strings.Contains(bodies[2], "report job timed out") {
		t.Fatalf("unexpected bodies: %v", bodies)
	}

	// disabled notifiers are silent no-ops
	var nilN *StatusNotifier
	nilN.Started(ctx, "x")
	NewStatusNotifier(nil, srv.URL, "").Failed(ctx, "x", errors.New("e"))
	if len(bodies) != 3 {
		t.Fatalf("disabled notifier posted")
	}
}
