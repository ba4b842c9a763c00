package redis

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeServer speaks enough RESP2 for the client: PING, GET, SET, INCR,
// EXPIRE. Everything else gets an error reply.
type fakeServer struct {
	listener net.Listener

	mu      sync.Mutex
	data    map[string]string
	expires map[string]time.Duration
}

func startFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	s := &fakeServer{listener: l, data: make(map[string]string), expires: make(map[string]time.Duration)}
	go s.serve()
	t.Cleanup(func() { _ = l.Close() })
	return s
}

func (s *fakeServer) url() string {
	return "redis://" + s.listener.Addr().String() + "/0"
}

func (s *fakeServer) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *fakeServer) ttl(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expires[key]
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		if _, err := io.WriteString(conn, s.exec(args)); err != nil {
			return
		}
	}
}

func (s *fakeServer) exec(args []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch strings.ToUpper(args[0]) {
	case "PING":
		return "+PONG\r\n"
	case "GET":
		v, ok := s.data[args[1]]
		if !ok {
			return "$-1\r\n"
		}
		return fmt.Sprintf("$%d\r\n%s\r\n", len(v), v)
	case "SET":
		s.data[args[1]] = args[2]
		delete(s.expires, args[1])
		if len(args) >= 5 && strings.EqualFold(args[3], "ex") {
			secs, _ := strconv.Atoi(args[4])
			s.expires[args[1]] = time.Duration(secs) * time.Second
		}
		return "+OK\r\n"
	case "INCR":
		n, _ := strconv.ParseInt(s.data[args[1]], 10, 64)
		n++
		s.data[args[1]] = strconv.FormatInt(n, 10)
		return fmt.Sprintf(":%d\r\n", n)
	case "EXPIRE":
		secs, _ := strconv.Atoi(args[2])
		s.expires[args[1]] = time.Duration(secs) * time.Second
		return ":1\r\n"
	default:
		return "-ERR unknown command '" + args[0] + "'\r\n"
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "*") {
		return nil, errors.New("expected array")
	}
	n, err := strconv.Atoi(strings.TrimSpace(line[1:]))
	if err != nil {
		return nil, err
	}

	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		header, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(header[1:]))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func newTestClient(t *testing.T) (*Client, *fakeServer) {
	t.Helper()
	srv := startFakeServer(t)
	client, err := NewClient(context.Background(), DefaultConfig(srv.url()))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestClient_CurrentJob(t *testing.T) {
	client, srv := newTestClient(t)
	ctx := context.Background()

	var missing map[string]any
	if err := client.GetCurrentJob(ctx, &missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetCurrentJob() on empty store error = %v, want ErrNotFound", err)
	}

	job := map[string]any{"job_id": "2a", "height": 1201}
	if err := client.SetCurrentJob(ctx, job); err != nil {
		t.Fatalf("SetCurrentJob() error = %v", err)
	}
	if raw, ok := srv.get("scashpool:current_job"); !ok || !strings.Contains(raw, `"job_id":"2a"`) {
		t.Errorf("stored job = %q", raw)
	}

	var got struct {
		JobID  string `json:"job_id"`
		Height int64  `json:"height"`
	}
	if err := client.GetCurrentJob(ctx, &got); err != nil {
		t.Fatalf("GetCurrentJob() error = %v", err)
	}
	if got.JobID != "2a" || got.Height != 1201 {
		t.Errorf("GetCurrentJob() = %+v", got)
	}
}

func TestClient_PoolStatsExpiry(t *testing.T) {
	client, srv := newTestClient(t)
	ctx := context.Background()

	if err := client.SetPoolStats(ctx, map[string]int{"valid_shares": 7}, 5*time.Minute); err != nil {
		t.Fatalf("SetPoolStats() error = %v", err)
	}
	if ttl := srv.ttl("scashpool:pool_stats"); ttl != 5*time.Minute {
		t.Errorf("stats ttl = %v, want 5m", ttl)
	}

	var got map[string]int
	if err := client.GetPoolStats(ctx, &got); err != nil {
		t.Fatalf("GetPoolStats() error = %v", err)
	}
	if got["valid_shares"] != 7 {
		t.Errorf("GetPoolStats() = %v", got)
	}
}

func TestClient_Counters(t *testing.T) {
	client, srv := newTestClient(t)
	ctx := context.Background()

	if n, err := client.GetCounter(ctx, KeyBlocksFound); err != nil || n != 0 {
		t.Fatalf("GetCounter() on missing key = %d, %v", n, err)
	}

	for want := int64(1); want <= 3; want++ {
		n, err := client.IncrementCounter(ctx, KeyBlocksFound, 0)
		if err != nil {
			t.Fatalf("IncrementCounter() error = %v", err)
		}
		if n != want {
			t.Errorf("IncrementCounter() = %d, want %d", n, want)
		}
	}
	if ttl := srv.ttl("scashpool:blocks_found"); ttl != 0 {
		t.Errorf("permanent counter got ttl %v", ttl)
	}

	if _, err := client.IncrementCounter(ctx, "shares:valid", time.Hour); err != nil {
		t.Fatalf("IncrementCounter() error = %v", err)
	}
	if ttl := srv.ttl("scashpool:shares:valid"); ttl != time.Hour {
		t.Errorf("counter ttl = %v, want 1h", ttl)
	}

	if n, err := client.GetCounter(ctx, KeyBlocksFound); err != nil || n != 3 {
		t.Errorf("GetCounter() = %d, %v, want 3", n, err)
	}
}

func TestClient_Cache(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	type block struct {
		Hash string `json:"hash"`
	}
	if err := client.SetCache(ctx, "block:1201", block{Hash: "00ff"}, time.Hour); err != nil {
		t.Fatalf("SetCache() error = %v", err)
	}
	var got block
	if err := client.GetCache(ctx, "block:1201", &got); err != nil {
		t.Fatalf("GetCache() error = %v", err)
	}
	if got.Hash != "00ff" {
		t.Errorf("GetCache() = %+v", got)
	}
	if err := client.GetCache(ctx, "block:1", &got); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCache() miss error = %v, want ErrNotFound", err)
	}
}

func TestNewClient_Errors(t *testing.T) {
	if _, err := NewClient(context.Background(), DefaultConfig("not a url")); err == nil {
		t.Error("NewClient() with invalid URL should fail")
	}

	if testing.Short() {
		t.Skip("skipping dial test in short mode")
	}
	cfg := DefaultConfig("redis://127.0.0.1:1/0")
	cfg.MaxRetries = 0
	cfg.DialTimeout = 200 * time.Millisecond
	if _, err := NewClient(context.Background(), cfg); err == nil {
		t.Error("NewClient() with unreachable server should fail")
	}
}
