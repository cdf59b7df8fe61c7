package logging

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ngi/plangame/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"info":    InfoLevel,
		"":        InfoLevel,
		"WARN":    WarnLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"fatal":   FatalLevel,
	}
	for raw, want := range cases {
		got, err := parseLevel(raw)
		if err != nil || got != want {
			t.Fatalf("parseLevel(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := parseLevel("verbose"); err == nil {
		t.Fatalf("unknown level accepted")
	}
}

func TestRotatingWriterRotatesAndCompresses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	writer, err := newRotatingWriter(config.LoggingConfig{
		Path:      path,
		MaxSizeMB: 1,
		Compress:  true,
	})
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	if _, err := writer.Write(chunk); err != nil {
		t.Fatalf("first write: %v", err)
	}
	//1.- The second chunk would exceed the cap, forcing a rotation.
	if _, err := writer.Write(chunk); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if err := writer.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var sawBackup bool
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "test.log.") && strings.HasSuffix(entry.Name(), ".gz") {
			sawBackup = true
		}
	}
	if !sawBackup {
		t.Fatalf("no compressed backup after rotation: %v", entries)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Fatalf("active file size = %d, want %d", info.Size(), len(chunk))
	}
}

func TestRotatingWriterRejectsBadConfig(t *testing.T) {
	if _, err := newRotatingWriter(config.LoggingConfig{Path: "x.log", MaxSizeMB: 0}); err == nil {
		t.Fatalf("zero max size accepted")
	}
	if _, err := newRotatingWriter(config.LoggingConfig{Path: "x.log", MaxSizeMB: 1, MaxBackups: -1}); err == nil {
		t.Fatalf("negative retention accepted")
	}
}

func TestWithDerivesIndependentLogger(t *testing.T) {
	base := NewTestLogger()
	derived := base.With(String("game_id", "G1"))
	if derived == base {
		t.Fatalf("With returned the receiver")
	}
	if len(derived.fields) != 1 {
		t.Fatalf("derived fields = %v", derived.fields)
	}
	if len(base.fields) != 0 {
		t.Fatalf("With mutated the base logger: %v", base.fields)
	}
}

func TestHTTPTraceMiddleware(t *testing.T) {
	var sawTraceID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawTraceID = TraceIDFromContext(r.Context())
		if FromContext(r.Context()) == nil {
			t.Fatalf("no logger in request context")
		}
	})
	handler := HTTPTraceMiddleware(NewTestLogger())(next)

	//1.- Without an inbound header a fresh trace ID is minted.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	if sawTraceID == "" {
		t.Fatalf("no trace ID generated")
	}
	if got := rec.Header().Get(TraceIDHeader); got != sawTraceID {
		t.Fatalf("response header = %q, context = %q", got, sawTraceID)
	}

	//2.- An inbound header is propagated unchanged.
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(TraceIDHeader, "abc123")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if sawTraceID != "abc123" {
		t.Fatalf("inbound trace ID replaced with %q", sawTraceID)
	}
}

func TestGenerateTraceIDUnique(t *testing.T) {
	a, b := GenerateTraceID(), GenerateTraceID()
	if a == b || len(a) != 32 {
		t.Fatalf("trace IDs %q and %q", a, b)
	}
}
