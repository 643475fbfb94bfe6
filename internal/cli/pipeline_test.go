package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/digestpipe/internal/store"
	"github.com/spf13/cobra"
)

const testFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Example Blog</title>
  <link>https://blog.example.org/</link>
  <item>
    <title>Third post</title>
    <link>https://blog.example.org/posts/3</link>
    <guid>post-3</guid>
    <description>Newest entry</description>
    <pubDate>Wed, 07 Jan 2026 10:00:00 +0000</pubDate>
  </item>
  <item>
    <title>Second post</title>
    <link>https://blog.example.org/posts/2</link>
    <guid>post-2</guid>
    <description>Middle entry</description>
    <pubDate>Tue, 06 Jan 2026 10:00:00 +0000</pubDate>
  </item>
  <item>
    <title>First post</title>
    <link>https://blog.example.org/posts/1</link>
    <guid>post-1</guid>
    <description>Oldest entry</description>
    <pubDate>Mon, 05 Jan 2026 10:00:00 +0000</pubDate>
  </item>
</channel>
</rss>`

// fakeRealm serves an RSS feed and the parts of the Zulip API digestpipe uses.
type fakeRealm struct {
	mu   sync.Mutex
	sent []postedMessage

	history []map[string]any
}

type postedMessage struct {
	stream, topic, content string
}

func newFakeRealm(t *testing.T) (*fakeRealm, *httptest.Server) {
	t.Helper()

	now := time.Now()
	r := &fakeRealm{
		history: []map[string]any{
			{"id": 101, "sender_email": "ann@example.org", "sender_full_name": "Ann", "timestamp": now.Add(-3 * time.Hour).Unix(),
				"subject": "bugs", "content": "Login is broken again.", "flags": []string{}, "stream_id": 1},
			{"id": 102, "sender_email": "bob@example.org", "sender_full_name": "Bob", "timestamp": now.Add(-2 * time.Hour).Unix(),
				"subject": "bugs", "content": "Seen on staging too.", "flags": []string{}, "stream_id": 1},
			{"id": 103, "sender_email": "digest-bot@chat.example.org", "sender_full_name": "Digest", "timestamp": now.Add(-time.Hour).Unix(),
				"subject": "bugs", "content": "bot chatter", "flags": []string{}, "stream_id": 1},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /feed.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = io.WriteString(w, testFeed)
	})
	mux.HandleFunc("GET /api/v1/streams", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"result": "success", "streams": []map[string]any{{"stream_id": 1, "name": "general"}}})
	})
	mux.HandleFunc("GET /api/v1/users", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"result": "success", "members": []map[string]any{
			{"email": "ann@example.org", "full_name": "Ann", "is_bot": false, "is_active": true},
			{"email": "digest-bot@chat.example.org", "full_name": "Digest", "is_bot": true, "is_active": true},
		}})
	})
	mux.HandleFunc("GET /api/v1/messages", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"result": "success", "messages": r.history})
	})
	mux.HandleFunc("POST /api/v1/messages", func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.sent = append(r.sent, postedMessage{stream: req.PostForm.Get("to"), topic: req.PostForm.Get("topic"), content: req.PostForm.Get("content")})
		r.mu.Unlock()
		writeJSON(w, map[string]any{"result": "success", "id": 500})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return r, srv
}

func (r *fakeRealm) messages() []postedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]postedMessage(nil), r.sent...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestPipelineTrackAndDigest(t *testing.T) {
	realm, srv := newFakeRealm(t)
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "digestpipe.db")
	mailPath := filepath.Join(tmpDir, "out", "digest.html")
	writeTestConfig(t, tmpDir, srv.URL, dbPath, mailPath)

	t.Setenv("TEST_DIGESTPIPE_ZULIP_KEY", "secret")
	t.Setenv(runDayEnv, "")

	oldConfigDir := configDir
	oldDryRun, oldFormat, oldForce, oldNoColor := digestDryRun, digestFormat, digestForce, noColor
	t.Cleanup(func() {
		configDir = oldConfigDir
		digestDryRun, digestFormat, digestForce, noColor = oldDryRun, oldFormat, oldForce, oldNoColor
	})
	configDir = tmpDir
	digestForce = false
	noColor = true

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	trackOutput, err := captureStdout(t, func() error {
		return trackAction(cmd, nil)
	})
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	requireContains(t, trackOutput, ": ok,")
	requireContains(t, trackOutput, "dispatched 1")

	sent := realm.messages()
	if len(sent) != 1 {
		t.Fatalf("first track posted %d messages, want only the newest", len(sent))
	}
	if sent[0].stream != "news" || sent[0].topic != "blog" {
		t.Errorf("posted to %s/%s, want news/blog", sent[0].stream, sent[0].topic)
	}
	requireContains(t, sent[0].content, "https://blog.example.org/posts/3")

	trackOutput, err = captureStdout(t, func() error {
		return trackAction(cmd, nil)
	})
	if err != nil {
		t.Fatalf("second track: %v", err)
	}
	requireContains(t, trackOutput, ": empty,")
	if got := len(realm.messages()); got != 1 {
		t.Fatalf("second track posted again: %d messages total", got)
	}

	digestDryRun = true
	digestFormat = "markdown"
	preview, err := captureStdout(t, func() error {
		return digestAction(cmd, nil)
	})
	if err != nil {
		t.Fatalf("digest dry run: %v", err)
	}
	requireContains(t, preview, "# chat.example.org weekly summary")
	requireContains(t, preview, "## [#general](https://chat.example.org/#narrow/stream/1-general) (2)")
	requireContains(t, preview, "Seen on staging too.")
	if strings.Contains(preview, "bot chatter") {
		t.Error("bot's own messages should be excluded from the digest")
	}
	if _, err := os.Stat(mailPath); err == nil {
		t.Fatal("dry run must not send mail")
	}

	digestDryRun = false
	sendOutput, err := captureStdout(t, func() error {
		return digestAction(cmd, nil)
	})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	requireContains(t, sendOutput, "dispatched 2")

	html, err := os.ReadFile(mailPath)
	if err != nil {
		t.Fatalf("read mailed digest: %v", err)
	}
	requireContains(t, string(html), "weekly summary")
	requireContains(t, string(html), "Seen on staging too.")

	again, err := captureStdout(t, func() error {
		return digestAction(cmd, nil)
	})
	if err != nil {
		t.Fatalf("second digest: %v", err)
	}
	requireContains(t, again, "dispatched 2")

	st := openStoreForPipelineTest(t, dbPath)
	runs, err := st.RecentRuns(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 4 {
		t.Fatalf("recorded %d runs, want 4 (dry runs are not recorded)", len(runs))
	}
	cursors, err := st.ListCursors(context.Background(), "")
	if err != nil {
		t.Fatalf("list cursors: %v", err)
	}
	// Writing the digest to a file emails no one, so no window cursor moves.
	if len(cursors) != 1 {
		t.Fatalf("cursors = %+v, want only the tracker cursor", cursors)
	}
	if cursors[0].Pipeline != "tracker" || cursors[0].ItemID != "post-3" {
		t.Errorf("tracker cursor = %+v", cursors[0])
	}
}

func TestDigestSkipsOtherWeekdays(t *testing.T) {
	tmpDir := t.TempDir()
	writeTestConfig(t, tmpDir, "http://127.0.0.1:1", filepath.Join(tmpDir, "d.db"), "")
	t.Setenv("TEST_DIGESTPIPE_ZULIP_KEY", "secret")

	other := time.Now().Add(24 * time.Hour).Weekday().String()
	t.Setenv(runDayEnv, other)

	oldConfigDir, oldForce := configDir, digestForce
	t.Cleanup(func() { configDir, digestForce = oldConfigDir, oldForce })
	configDir = tmpDir
	digestForce = false

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	out, err := captureStdout(t, func() error {
		return digestAction(cmd, nil)
	})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	requireContains(t, out, "Not running digest today")
}

func writeTestConfig(t *testing.T, dir, baseURL, dbPath, mailPath string) {
	t.Helper()

	content := fmt.Sprintf(`zulip:
  site: chat.example.org
  base_url: %q
  email: digest-bot@chat.example.org
  api_key_env: TEST_DIGESTPIPE_ZULIP_KEY
  send_every: 1ms
tracker:
  feeds:
    %q: [news, blog]
digest:
  window: 168h
mail:
  provider: file
  file:
    path: %q
storage:
  path: %q
`, baseURL, baseURL+"/feed.xml", mailPath, dbPath)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}
}

func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	oldStdout := os.Stdout
	reader, writer, err := os.Pipe()
	if err != nil {
		t.Fatalf("open stdout pipe: %v", err)
	}

	os.Stdout = writer
	runErr := fn()
	_ = writer.Close()
	os.Stdout = oldStdout

	out, readErr := io.ReadAll(reader)
	_ = reader.Close()
	if readErr != nil {
		t.Fatalf("read stdout pipe: %v", readErr)
	}
	return string(out), runErr
}

func openStoreForPipelineTest(t *testing.T, path string) *store.Store {
	t.Helper()

	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func requireContains(t *testing.T, got, want string) {
	t.Helper()

	if !strings.Contains(got, want) {
		t.Fatalf("expected output to contain %q, got:\n%s", want, got)
	}
}
