package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/kalambet/hubcache/internal/config"
	"github.com/kalambet/hubcache/internal/refresh"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

type cannedResponse struct {
	code int
	body string
}

func newTestServer(t *testing.T, responses map[string]cannedResponse) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			code := resp.code
			if code == 0 {
				code = http.StatusOK
			}
			w.WriteHeader(code)
			w.Write([]byte(resp.body))
			return
		}

		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"message":"object not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useServer points newAPIClient at ts for the duration of the test.
func useServer(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

var ctx = context.Background()

func TestRefreshCommand(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /refresh/deal": {body: `{"status":"success","data_type":"deal","count":40,"pages":2,"pagination":{"next":{"after":null}}}`},
	})
	useServer(t, ts)

	if err := runCommand(t, "refresh", "deal", "--limit", "20", "--all"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != http.MethodPost {
		t.Errorf("method = %q, want POST", r.Method)
	}
	if r.Path != "/refresh/deal?all=true&limit=20" {
		t.Errorf("path = %q", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", r.Auth)
	}
}

func TestRefreshCommand_InvalidType(t *testing.T) {
	ts := newTestServer(t, nil)
	useServer(t, ts)

	err := runCommand(t, "refresh", "ticket")
	if !errors.Is(err, refresh.ErrUnsupportedType) {
		t.Errorf("error = %v, want ErrUnsupportedType", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no requests, got %d", len(ts.requests))
	}
}

func TestDecodeRefreshResult_BadGateway(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /refresh/company": {code: http.StatusBadGateway, body: `{"status":"error","data_type":"company","count":100,"error":"rate limited","resume_after":"B","pagination":{"next":{"after":null}}}`},
	})

	resp, err := ts.client().post(ctx, "/refresh/company", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := decodeRefreshResult(resp)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if res.Status != refresh.StatusError || res.Error != "rate limited" || res.Count != 100 {
		t.Errorf("result = %+v", res)
	}
	if res.ResumeAfter == nil || *res.ResumeAfter != "B" {
		t.Errorf("ResumeAfter = %v, want B", res.ResumeAfter)
	}
	if err := reportRefresh(res); err == nil {
		t.Error("expected error for failed refresh")
	}
}

func TestSearchCommand_URLEncoding(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /search": {body: `[{"rank":1,"similarity_score":0.9,"type":"company","data":{"id":"1","properties":{"name":"Acme & Co"}}}]`},
	})
	useServer(t, ts)

	if err := runCommand(t, "search", "acme", "&", "co", "--type", "company", "--limit", "3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if got := ts.requests[0].Path; got != "/search?limit=3&q=acme+%26+co&type=company" {
		t.Errorf("path = %q", got)
	}
}

func TestObjectsShow_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	useServer(t, ts)

	err := runCommand(t, "objects", "show", "contact", "missing")
	if err == nil {
		t.Fatal("expected error for missing object")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "object not found") {
		t.Errorf("error = %q", err)
	}
	if got := ts.requests[0].Path; got != "/objects/contact/missing" {
		t.Errorf("path = %q", got)
	}
}

func TestObjectsDelete(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"DELETE /objects/company/7": {body: `{"status":"deleted"}`},
	})
	useServer(t, ts)

	if err := runCommand(t, "objects", "delete", "company", "7"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.requests[0].Method != http.MethodDelete {
		t.Errorf("method = %q", ts.requests[0].Method)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusInternalServerError,
		Body:       io.NopCloser(strings.NewReader("boom")),
	}
	var v any
	err := decodeJSON(resp, &v)
	if err == nil || !strings.Contains(err.Error(), "500: boom") {
		t.Errorf("error = %v", err)
	}
}

func TestObjectLabel(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want string
	}{
		{"company", map[string]any{"id": "1", "properties": map[string]any{"name": "Acme"}}, "Acme (id 1)"},
		{"contact", map[string]any{"id": "2", "properties": map[string]any{"firstname": "Ada", "lastname": "Lovelace", "email": "ada@example.com"}}, "Ada Lovelace <ada@example.com> (id 2)"},
		{"email", map[string]any{"id": "3", "subject": "Renewal"}, "Renewal (id 3)"},
		{"bare", map[string]any{"x": 1.0}, `{"x":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := objectLabel(tt.data); got != tt.want {
				t.Errorf("objectLabel = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnsureAPIToken(t *testing.T) {
	var setKey, setVal string
	cfg := config.Config{}
	err := ensureAPIToken(&cfg, func(k, v string) error {
		setKey, setVal = k, v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if setKey != "server.api_token" || setVal == "" || cfg.Server.APIToken != setVal {
		t.Errorf("key=%q val=%q cfg=%q", setKey, setVal, cfg.Server.APIToken)
	}

	called := false
	if err := ensureAPIToken(&cfg, func(string, string) error { called = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("existing token should not be replaced")
	}
}

func TestRefreshTypes(t *testing.T) {
	types, err := refreshTypes([]string{"company", "email"})
	if err != nil || len(types) != 2 || types[1] != refresh.Email {
		t.Errorf("types = %v, err = %v", types, err)
	}
	if _, err := refreshTypes([]string{"ticket"}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("warn", &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("log output = %q", buf.String())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorRed, "hello"); strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := colorize(colorRed, "hello"); !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestColorDefault(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if colorDefault("1", f) {
		t.Error("NO_COLOR set should disable colors")
	}
	if colorDefault("", f) {
		t.Error("a regular file is not a terminal; colors should be off")
	}
}

func TestNotices_WriteToStderr(t *testing.T) {
	oldNoColor, oldErr := noColor, stderr
	defer func() { noColor, stderr = oldNoColor, oldErr }()
	var buf bytes.Buffer
	noColor, stderr = true, &buf

	printSuccess("stored %d", 3)
	printStatus("Pages", "%d", 2)
	if want := "✓ stored 3\n  Pages: 2\n"; buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestPrintJSON_Indented(t *testing.T) {
	old := stdout
	defer func() { stdout = old }()
	var buf bytes.Buffer
	stdout = &buf

	if err := printJSON(map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "{\n  \"a\": 1\n}\n" {
		t.Errorf("printJSON = %q", buf.String())
	}
}

func TestRootCommand_RegistersStop(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"stop"})
	if err != nil || cmd != stopCmd {
		t.Errorf("Find(stop) = %v, %v", cmd, err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}
