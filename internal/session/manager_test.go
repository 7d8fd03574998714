package session

import (
	"errors"
	"testing"
	"time"

	"github.com/skypro1111/voice-turn-service/internal/transport"
)

func newTestManager(t *testing.T, maxSessions int) (*Manager, *fakeRecorder) {
	t.Helper()
	rec := newFakeRecorder()
	config := ManagerConfig{
		MaxSessions:     maxSessions,
		IdleTimeout:     time.Minute,
		CleanupInterval: time.Hour,
		Session:         testConfig(),
	}
	m := NewManager(config, testDeps("Okay."), rec, testLogger)
	t.Cleanup(m.Stop)
	return m, rec
}

func startSession(t *testing.T, m *Manager, id string) (*Session, *transport.PipeConn, error) {
	t.Helper()
	server, client := transport.Pipe(transport.Config{})
	s, err := m.Start(server, "user-1", "chat-1", id)
	if err != nil {
		server.Close()
	}
	return s, client, err
}

func TestManagerStartAndGet(t *testing.T) {
	m, rec := newTestManager(t, 10)

	s, _, err := startSession(t, m, "")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if s.ID == "" {
		t.Error("Expected a generated session id")
	}

	got, ok := m.GetSession(s.ID)
	if !ok || got != s {
		t.Error("Expected to find the started session")
	}
	if _, ok := m.GetSession("missing"); ok {
		t.Error("Expected no session for an unknown id")
	}
	if m.GetActiveSessionCount() != 1 {
		t.Errorf("Expected 1 active session, got %d", m.GetActiveSessionCount())
	}

	infos := m.GetAllSessions()
	if len(infos) != 1 || infos[0].UserID != "user-1" || infos[0].ChatID != "chat-1" {
		t.Errorf("Expected one session snapshot for user-1/chat-1, got %+v", infos)
	}

	rec.mu.Lock()
	created := rec.created
	rec.mu.Unlock()
	if created != 1 {
		t.Errorf("Expected 1 created session recorded, got %d", created)
	}
}

func TestManagerLimits(t *testing.T) {
	m, _ := newTestManager(t, 1)

	if _, _, err := startSession(t, m, "first"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, _, err := startSession(t, m, "first"); !errors.Is(err, ErrSessionExists) {
		t.Errorf("Expected ErrSessionExists, got %v", err)
	}
	if _, _, err := startSession(t, m, "second"); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("Expected ErrTooManySessions, got %v", err)
	}

	stats := m.GetStats()
	if stats.Active != 1 || stats.Created != 1 || stats.Rejected != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestManagerRemoveSession(t *testing.T) {
	m, rec := newTestManager(t, 10)

	if _, _, err := startSession(t, m, "doomed"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !m.RemoveSession("doomed") {
		t.Fatal("Expected RemoveSession to find the session")
	}
	if m.RemoveSession("doomed") {
		t.Error("Expected second RemoveSession to report false")
	}
	if m.GetActiveSessionCount() != 0 {
		t.Errorf("Expected no active sessions, got %d", m.GetActiveSessionCount())
	}

	reasons := rec.destroyReasons()
	if len(reasons) != 1 || reasons[0] != ReasonRemoved {
		t.Errorf("Expected [%s], got %v", ReasonRemoved, reasons)
	}
}

func TestManagerExpiresIdleSessions(t *testing.T) {
	m, rec := newTestManager(t, 10)

	if _, _, err := startSession(t, m, "idle"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if n := m.cleanupExpiredSessions(time.Now()); n != 0 {
		t.Errorf("Expected no expired sessions yet, got %d", n)
	}
	if n := m.cleanupExpiredSessions(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Errorf("Expected 1 expired session, got %d", n)
	}

	eventually(t, func() bool { return m.GetActiveSessionCount() == 0 }, "Expected expired session to be removed")
	eventually(t, func() bool {
		reasons := rec.destroyReasons()
		return len(reasons) == 1 && reasons[0] == ReasonExpired
	}, "Expected the expired reason to be recorded")

	if stats := m.GetStats(); stats.Expired != 1 {
		t.Errorf("Expected 1 expired session in stats, got %d", stats.Expired)
	}
}

func TestManagerDisconnectRemovesSession(t *testing.T) {
	m, rec := newTestManager(t, 10)

	_, client, err := startSession(t, m, "leaving")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	client.Close()

	eventually(t, func() bool { return m.GetActiveSessionCount() == 0 }, "Expected disconnected session to be removed")
	eventually(t, func() bool {
		reasons := rec.destroyReasons()
		return len(reasons) == 1 && reasons[0] == ReasonDisconnect
	}, "Expected the disconnect reason to be recorded")
}

func TestManagerStop(t *testing.T) {
	rec := newFakeRecorder()
	m := NewManager(ManagerConfig{MaxSessions: 5, Session: testConfig()}, testDeps("Okay."), rec, testLogger)

	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := startSession(t, m, id); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	}

	m.Stop()

	if m.GetActiveSessionCount() != 0 {
		t.Errorf("Expected no sessions after Stop, got %d", m.GetActiveSessionCount())
	}
	reasons := rec.destroyReasons()
	if len(reasons) != 3 {
		t.Fatalf("Expected 3 destroyed sessions, got %v", reasons)
	}
	for _, r := range reasons {
		if r != ReasonShutdown {
			t.Errorf("Expected %s, got %s", ReasonShutdown, r)
		}
	}
	if _, _, err := startSession(t, m, "late"); err == nil {
		t.Error("Expected Start to fail after Stop")
	}
}
