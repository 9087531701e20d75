package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func okResult(affected int64) BatchResult {
	return BatchResult{
		Type: "ok",
		Response: &StreamResponse{
			Type:   "execute",
			Result: &StmtResult{AffectedRowCount: affected},
		},
	}
}

func pipelineServer(t *testing.T, handle func(req PipelineRequest) (int, PipelineResponse)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/pipeline" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req PipelineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		status, resp := handle(req)
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestClient_ExecuteResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing or invalid auth token")
		}
		var req PipelineRequest
		json.NewDecoder(r.Body).Decode(&req)

		if len(req.Requests) != 2 || req.Requests[1].Type != "close" {
			t.Errorf("expected execute + close, got %+v", req.Requests)
		}
		args := req.Requests[0].Statement.Args
		if len(args) != 2 || args[0].Type != "text" || args[1].Type != "integer" || args[1].Value != "42" {
			t.Errorf("unexpected args %+v", args)
		}
		json.NewEncoder(w).Encode(PipelineResponse{Results: []BatchResult{okResult(1), {Type: "ok"}}})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-token", nil)
	n, err := client.ExecuteResult(context.Background(), "INSERT INTO t VALUES (?, ?)", "a", 42)
	if err != nil {
		t.Fatalf("ExecuteResult: %v", err)
	}
	if n != 1 {
		t.Errorf("affected = %d, want 1", n)
	}
}

func TestClient_Query(t *testing.T) {
	server := pipelineServer(t, func(PipelineRequest) (int, PipelineResponse) {
		return http.StatusOK, PipelineResponse{Results: []BatchResult{{
			Type: "ok",
			Response: &StreamResponse{Type: "execute", Result: &StmtResult{
				Cols: []Column{{Name: "id"}, {Name: "capacity"}},
				Rows: [][]Value{
					{{Type: "text", Value: "e1"}, {Type: "integer", Value: "8"}},
					{{Type: "text", Value: "e2"}, {Type: "null"}},
				},
			}},
		}}}
	})

	result, err := NewClient(server.URL, "", nil).Query(context.Background(), "SELECT id, capacity FROM events")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(result.Rows) != 2 || len(result.Cols) != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := result.Rows[0][1].Any(); got != int64(8) {
		t.Errorf("capacity = %#v", got)
	}
	if got := result.Rows[1][1].Any(); got != nil {
		t.Errorf("null capacity = %#v", got)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := pipelineServer(t, func(PipelineRequest) (int, PipelineResponse) {
		if attempts.Add(1) < 2 {
			return http.StatusServiceUnavailable, PipelineResponse{}
		}
		return http.StatusOK, PipelineResponse{Results: []BatchResult{okResult(1)}}
	})

	client := NewClient(server.URL, "", nil)
	client.baseDelay = time.Millisecond
	if err := client.Execute(context.Background(), "DELETE FROM t"); err != nil {
		t.Fatalf("Execute should succeed after retry: %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts.Load())
	}
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	server := pipelineServer(t, func(PipelineRequest) (int, PipelineResponse) {
		attempts.Add(1)
		return http.StatusUnauthorized, PipelineResponse{}
	})

	client := NewClient(server.URL, "expired", nil)
	client.baseDelay = time.Millisecond
	err := client.Execute(context.Background(), "SELECT 1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", attempts.Load())
	}
}

func TestClient_StatementError(t *testing.T) {
	server := pipelineServer(t, func(PipelineRequest) (int, PipelineResponse) {
		return http.StatusOK, PipelineResponse{Results: []BatchResult{{
			Type:  "error",
			Error: &PipelineError{Message: "no such table: nonexistent", Code: "SQLITE_ERROR"},
		}}}
	})

	err := NewClient(server.URL, "", nil).Execute(context.Background(), "SELECT * FROM nonexistent")
	if err == nil || err.Error() != "SQLITE_ERROR: no such table: nonexistent" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		json.NewEncoder(w).Encode(PipelineResponse{Results: []BatchResult{okResult(0)}})
	}))
	defer server.Close()

	client := NewClient(server.URL, "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := client.Execute(ctx, "SELECT 1"); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestClient_RateLimit(t *testing.T) {
	var attempts atomic.Int32
	server := pipelineServer(t, func(PipelineRequest) (int, PipelineResponse) {
		attempts.Add(1)
		return http.StatusOK, PipelineResponse{Results: []BatchResult{okResult(0)}}
	})

	client := NewClient(server.URL, "", nil)
	client.SetRateLimit(0.5, 1)
	if err := client.Execute(context.Background(), "SELECT 1"); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := client.Execute(ctx, "SELECT 1"); err == nil {
		t.Fatal("second Execute should be held back by the limiter")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 request to reach the server, got %d", attempts.Load())
	}

	client.SetRateLimit(0, 0)
	if err := client.Execute(context.Background(), "SELECT 1"); err != nil {
		t.Fatalf("Execute after removing the limit: %v", err)
	}
}

func TestNewClient_RewritesLibsqlScheme(t *testing.T) {
	c := NewClient("libsql://slopes-prod.turso.io/", "", nil)
	if c.baseURL != "https://slopes-prod.turso.io" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
}

func TestToValue(t *testing.T) {
	tests := []struct {
		in   any
		want Value
	}{
		{nil, Value{Type: "null"}},
		{"x", Value{Type: "text", Value: "x"}},
		{true, Value{Type: "integer", Value: "1"}},
		{int64(-3), Value{Type: "integer", Value: "-3"}},
		{1.5, Value{Type: "float", Value: 1.5}},
		{[]byte("hi"), Value{Type: "blob", Base64: "aGk="}},
		{time.Unix(1700000000, 0), Value{Type: "integer", Value: "1700000000"}},
		{map[string]any{"a": 1}, Value{Type: "text", Value: `{"a":1}`}},
		{json.Number("9007199254740993"), Value{Type: "integer", Value: "9007199254740993"}},
		{json.Number("2.25"), Value{Type: "float", Value: 2.25}},
	}
	for _, tt := range tests {
		if got := ToValue(tt.in); got != tt.want {
			t.Errorf("ToValue(%#v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

// fakeDB records statements and returns a fixed row count.
type fakeDB struct {
	sql      []string
	args     [][]any
	affected int64
	err      error
}

func (f *fakeDB) ExecuteResult(_ context.Context, sql string, args ...any) (int64, error) {
	f.sql = append(f.sql, sql)
	f.args = append(f.args, args)
	return f.affected, f.err
}

func TestService_Insert(t *testing.T) {
	db := &fakeDB{affected: 1}
	s := newService(db, nil)

	err := s.Insert(context.Background(), "event_participants", map[string]any{
		"user_id": "u1", "event_id": "e1", "joined_at": int64(10),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	want := "INSERT INTO event_participants (event_id, joined_at, user_id) VALUES (?, ?, ?) ON CONFLICT DO NOTHING"
	if db.sql[0] != want {
		t.Errorf("sql = %q", db.sql[0])
	}
	if db.args[0][0] != "e1" || db.args[0][2] != "u1" {
		t.Errorf("args = %v", db.args[0])
	}

	db.affected = 0
	err = s.Insert(context.Background(), "messages", map[string]any{"id": "m1", "conversation_id": "c1", "sender_id": "u1", "body": "x", "sent_at": int64(1)})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestService_RejectsUnknownColumns(t *testing.T) {
	db := &fakeDB{affected: 1}
	s := newService(db, nil)

	if err := s.Insert(context.Background(), "events", map[string]any{"id": "e1", "id; DROP TABLE events": 1}); err == nil {
		t.Error("expected unknown column error")
	}
	if err := s.DeleteByKey(context.Background(), "users", map[string]any{"id": "u1"}); err == nil {
		t.Error("expected unknown table error")
	}
	if len(db.sql) != 0 {
		t.Errorf("no statement should be sent, got %v", db.sql)
	}
}

func TestService_DeleteAndUpdateNotFound(t *testing.T) {
	db := &fakeDB{affected: 0}
	s := newService(db, nil)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	ctx := context.Background()

	err := s.DeleteByKey(ctx, "event_participants", map[string]any{"event_id": "e1", "user_id": "u1"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if db.sql[0] != "DELETE FROM event_participants WHERE event_id = ? AND user_id = ?" {
		t.Errorf("sql = %q", db.sql[0])
	}

	err = s.UpdateByKey(ctx, "profiles", map[string]any{"user_id": "u1"}, map[string]any{"bio": "park rat", "home_resort": "Laax"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if db.sql[1] != "UPDATE profiles SET bio = ?, home_resort = ?, updated_at = ? WHERE user_id = ?" {
		t.Errorf("sql = %q", db.sql[1])
	}
	if got := db.args[1]; len(got) != 4 || got[2] != int64(1700000000) || got[3] != "u1" {
		t.Errorf("args = %v", got)
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(Schema)
	if len(stmts) != 8 {
		t.Errorf("expected 8 statements, got %d", len(stmts))
	}
	for _, s := range stmts {
		if strings.Contains(s, "--") {
			t.Errorf("comment left in statement: %q", s)
		}
		if !strings.HasSuffix(s, ";") {
			t.Errorf("statement not terminated: %q", s)
		}
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("irrelevant"))
	if err != nil {
		t.Fatal(err)
	}

	got, ok, err := TokenExpiry(token)
	if err != nil || !ok {
		t.Fatalf("TokenExpiry: ok=%v err=%v", ok, err)
	}
	if !got.Equal(exp) {
		t.Errorf("exp = %v, want %v", got, exp)
	}

	if _, _, err := TokenExpiry("not-a-jwt"); err == nil {
		t.Error("expected parse error")
	}
}
