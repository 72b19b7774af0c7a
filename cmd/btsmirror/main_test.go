package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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

	"github.com/debian-tools/btsmirror/internal/config"
	"github.com/debian-tools/btsmirror/internal/storage"
	"github.com/debian-tools/btsmirror/internal/storage/sqlite"
	"github.com/debian-tools/btsmirror/internal/types"
)

// runCommand executes the root command with fresh flag state.
func runCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	configPath, debugFlag, logFormat, noColor = "", false, "text", true
	syncDryRun, syncOnly = false, ""
	linksIssue, linksBug = 0, ""
	cfg, logger = nil, nil

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	teardown(context.Background())
	return out.String(), errOut.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("NO_COLOR", "1")
	dir := t.TempDir()
	path := filepath.Join(dir, "btsmirror.yaml")
	content := fmt.Sprintf("state_dir: %s\nretry:\n  max_attempts: 1\n%s", filepath.Join(dir, "state"), body)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestVersion(t *testing.T) {
	out, _, err := runCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "btsmirror version "+Version) {
		t.Errorf("version output = %q", out)
	}
}

func TestSyncRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "repositories: []\n")
	_, _, err := runCommand(t, "--config", path, "sync")
	if err == nil {
		t.Fatal("sync with no token and no repositories succeeded")
	}
	for _, want := range []string{"github_api_token", "repositories"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSyncOnlyUnknownPackage(t *testing.T) {
	path := writeConfig(t, `github_api_token: tok
store:
  backend: memory
repositories:
  - debian_pkg: foo
    github_repo: owner/foo
`)
	_, _, err := runCommand(t, "--config", path, "sync", "--only", "bar")
	if err == nil || !strings.Contains(err.Error(), `"bar"`) {
		t.Errorf("sync --only bar error = %v", err)
	}
}

func TestUnknownStoreBackend(t *testing.T) {
	if _, err := openStore(context.Background(), config.StoreConfig{Backend: "postgres"}); err == nil {
		t.Error("openStore accepted an unknown backend")
	}
}

func seedStore(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.InsertLink(ctx, &types.MirrorLink{
			Repository:  "owner/foo",
			SourceBugID: "123456",
			SinkIssueID: 1,
			SyncLabel:   "debian-bts",
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	})
	if err != nil {
		t.Fatalf("insert link: %v", err)
	}
	if err := store.SetLastPass(ctx, "owner/foo", now); err != nil {
		t.Fatalf("set last pass: %v", err)
	}
}

func TestStatusAndLinks(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "links.db")
	seedStore(t, dbPath)
	path := writeConfig(t, fmt.Sprintf(`github_api_token: secret-token-abcd
store:
  backend: sqlite
  path: %s
repositories:
  - debian_pkg: foo
    github_repo: owner/foo
  - debian_pkg: bar
    github_repo: owner/bar
`, dbPath))

	out, _, err := runCommand(t, "--config", path, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if strings.Contains(out, "secret-token-abcd") {
		t.Errorf("status leaked the token:\n%s", out)
	}
	for _, want := range []string{"********abcd", "foo -> owner/foo: 1 links", "bar -> owner/bar: 0 links, last successful pass never"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	out, _, err = runCommand(t, "--config", path, "links", "owner/foo")
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	for _, want := range []string{"(1 links)", "#123456", "2024-05-01T12:00:00Z"} {
		if !strings.Contains(out, want) {
			t.Errorf("links output missing %q:\n%s", want, out)
		}
	}

	out, _, err = runCommand(t, "--config", path, "links", "owner/foo", "--issue", "1")
	if err != nil {
		t.Fatalf("links --issue 1: %v", err)
	}
	if !strings.Contains(out, "#123456") || !strings.Contains(out, "(1 links)") {
		t.Errorf("links --issue 1 output:\n%s", out)
	}
	if _, _, err := runCommand(t, "--config", path, "links", "owner/foo", "--issue", "2"); err == nil || !strings.Contains(err.Error(), "not linked") {
		t.Errorf("links --issue 2 error = %v", err)
	}

	out, _, err = runCommand(t, "--config", path, "links", "owner/foo", "--bug", "123456")
	if err != nil || !strings.Contains(out, "#1 ") {
		t.Errorf("links --bug 123456 = %q, %v", out, err)
	}
	if _, _, err := runCommand(t, "--config", path, "links", "owner/foo", "--bug", "7"); err == nil {
		t.Error("links --bug 7 succeeded for an unmirrored bug")
	}
	if _, _, err := runCommand(t, "--config", path, "links", "owner/foo", "--bug", "7", "--issue", "1"); err == nil {
		t.Error("links accepted both --bug and --issue")
	}
}

const soapEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soapenc="http://schemas.xmlsoap.org/soap/encoding/"
  xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"
  xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>%s</soap:Body></soap:Envelope>`

// newBTS serves a single open bug #123456 against package foo.
func newBTS(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body := string(data)
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		switch {
		case strings.Contains(body, "<ns0:get_bugs "):
			fmt.Fprintf(w, soapEnvelope, `<get_bugsResponse xmlns="Debbugs/SOAP"><soapenc:Array><item xsi:type="xsd:int">123456</item></soapenc:Array></get_bugsResponse>`)
		case strings.Contains(body, "<ns0:get_status "):
			fmt.Fprintf(w, soapEnvelope, `<get_statusResponse xmlns="Debbugs/SOAP"><s-gensym3><item><key>123456</key><value>`+
				`<bug_num>123456</bug_num><package>foo</package><subject>crash on startup</subject><severity>important</severity>`+
				`</value></item></s-gensym3></get_statusResponse>`)
		default:
			t.Errorf("unexpected SOAP request: %s", body)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// fakeGitHub records issue creations on an initially empty repository.
type fakeGitHub struct {
	mu      sync.Mutex
	created []map[string]any
}

func newGitHub(t *testing.T) (*fakeGitHub, *httptest.Server) {
	t.Helper()
	gh := &fakeGitHub{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/owner/foo/labels/debian-bts":
			_, _ = io.WriteString(w, `{"id":1,"name":"debian-bts"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/repos/owner/foo/issues":
			_, _ = io.WriteString(w, `[]`)
		case r.Method == http.MethodPost && r.URL.Path == "/repos/owner/foo/issues":
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			gh.mu.Lock()
			gh.created = append(gh.created, req)
			n := len(gh.created)
			gh.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": 1000 + n, "number": n, "title": req["title"], "body": req["body"],
				"state": "open", "labels": []map[string]any{{"name": "debian-bts"}},
			})
		default:
			t.Errorf("unexpected GitHub request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return gh, srv
}

func syncConfig(t *testing.T, bts, gh *httptest.Server) string {
	return writeConfig(t, fmt.Sprintf(`github_api_token: tok
github_api_url: %s
debbugs_url: %s
fetch_bug_logs: false
store:
  backend: sqlite
  path: %s
repositories:
  - debian_pkg: foo
    github_repo: owner/foo
`, gh.URL, bts.URL, filepath.Join(t.TempDir(), "links.db")))
}

func TestSyncDryRun(t *testing.T) {
	gh, ghSrv := newGitHub(t)
	path := syncConfig(t, newBTS(t), ghSrv)

	out, _, err := runCommand(t, "--config", path, "sync", "--dry-run")
	if err != nil {
		t.Fatalf("sync --dry-run: %v", err)
	}
	if !strings.Contains(out, "create issue for bug #123456") {
		t.Errorf("dry run output missing planned create:\n%s", out)
	}
	if len(gh.created) != 0 {
		t.Errorf("dry run created %d issues", len(gh.created))
	}
}

func TestSyncCreatesIssue(t *testing.T) {
	gh, ghSrv := newGitHub(t)
	path := syncConfig(t, newBTS(t), ghSrv)

	out, _, err := runCommand(t, "--config", path, "sync")
	if err != nil {
		t.Fatalf("sync: %v\n%s", err, out)
	}
	if len(gh.created) != 1 {
		t.Fatalf("created %d issues, want 1", len(gh.created))
	}
	if got := gh.created[0]["title"]; got != "crash on startup" {
		t.Errorf("title = %v", got)
	}
	if !strings.Contains(out, "1 pass(es) completed") {
		t.Errorf("summary missing:\n%s", out)
	}

	out, _, err = runCommand(t, "--config", path, "links", "owner/foo")
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	if !strings.Contains(out, "#123456") {
		t.Errorf("link not recorded:\n%s", out)
	}
}

func TestSyncFailureExitsNonZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"Not Found"}`)
	}))
	t.Cleanup(srv.Close)
	path := syncConfig(t, newBTS(t), srv)

	out, _, err := runCommand(t, "--config", path, "sync")
	if !errors.Is(err, errSyncFailed) {
		t.Fatalf("sync error = %v, want errSyncFailed", err)
	}
	if !strings.Contains(out, "1 of 1 pass(es) failed") {
		t.Errorf("summary missing:\n%s", out)
	}
}
