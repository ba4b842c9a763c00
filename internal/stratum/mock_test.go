package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/scashpool/internal/jobs"
	"github.com/bardlex/scashpool/internal/validation"
	"github.com/bardlex/scashpool/pkg/log"
)

type mockAuth struct {
	allow bool
	err   error
}

func (m *mockAuth) Authenticate(context.Context, string, string) (bool, error) {
	return m.allow, m.err
}

type mockShareHandler struct {
	mu     sync.Mutex
	err    error
	shares []*validation.Share
}

func (m *mockShareHandler) HandleShare(_ context.Context, share *validation.Share) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shares = append(m.shares, share)
	return m.err
}

func (m *mockShareHandler) received() []*validation.Share {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*validation.Share(nil), m.shares...)
}

type mockJobs struct {
	job *jobs.Job
}

func (m *mockJobs) Current() *jobs.Job { return m.job }

type mockAllocator struct {
	mu        sync.Mutex
	next      uint32
	allocated int
	released  []string
	err       error
}

func (m *mockAllocator) Allocate() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.next++
	m.allocated++
	return fmt.Sprintf("%08x", m.next), nil
}

func (m *mockAllocator) Release(en1 string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, en1)
}

func (m *mockAllocator) stats() (int, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated, append([]string(nil), m.released...)
}

// frame is any server message as seen by a miner.
type frame struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
	Result any             `json:"result"`
	Error  *Error          `json:"error"`
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("write failed: %v", err)
	}
}

func (c *testClient) read() frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read failed: %v", err)
	}
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		c.t.Fatalf("bad frame %q: %v", line, err)
	}
	return f
}

func testDeps() Deps {
	return Deps{
		Auth:        &mockAuth{allow: true},
		Shares:      &mockShareHandler{},
		Jobs:        &mockJobs{},
		Extranonces: &mockAllocator{},
	}
}

func testSettings() Settings {
	return Settings{Difficulty: 0.5, Extranonce2Size: 4}
}

// startSession serves a session over an in-memory pipe.
func startSession(t *testing.T, deps Deps) (*Session, *testClient) {
	t.Helper()
	server, client := net.Pipe()
	sess := NewSession("s1", server, testSettings(), deps, log.Discard())

	done := make(chan struct{})
	go func() {
		_ = sess.Serve(context.Background())
		close(done)
	}()

	t.Cleanup(func() {
		_ = client.Close()
		sess.Close()
		<-done
	})
	return sess, &testClient{t: t, conn: client, r: bufio.NewReader(client)}
}
