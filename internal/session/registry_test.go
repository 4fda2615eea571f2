package session

import (
	"testing"
	"time"

	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/session/sessiontest"
	"github.com/coder/websocket"
)

func newTestRegistry(grace time.Duration) *Registry {
	return NewRegistry(Options{GracePeriod: grace, WriteTimeout: time.Second})
}

func TestCreateSessionIsIdempotent(t *testing.T) {
	r := newTestRegistry(time.Minute)

	s1 := r.CreateSession("user-1", "S1")
	r.UpdateSessionContext("S1", domain.ContextPatch{WorldID: strPtr("w-1")})
	s2 := r.CreateSession("user-2", "S1")

	if s1 != s2 {
		t.Fatal("expected the existing session to be returned")
	}
	if s2.UserID != "user-1" {
		t.Errorf("UserID = %q, want unchanged user-1", s2.UserID)
	}
	ctx, _ := r.GetSessionContext("S1")
	if ctx.WorldID != "w-1" {
		t.Errorf("context was reset: %+v", ctx)
	}
}

func TestCreateSessionAllocatesID(t *testing.T) {
	r := newTestRegistry(time.Minute)
	a := r.CreateSession("u", "")
	b := r.CreateSession("u", "")
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct generated ids, got %q and %q", a.ID, b.ID)
	}
	if got := r.Stats().Sessions; got != 2 {
		t.Fatalf("Sessions = %d, want 2", got)
	}
}

func TestJoinSessionWithoutSessionFails(t *testing.T) {
	r := newTestRegistry(time.Minute)

	if c := r.JoinSession("S9", "c1", domain.RoleInteractive, sessiontest.NewConn()); c != nil {
		t.Fatalf("expected nil client, got %+v", c)
	}
	if r.GetSession("S9") != nil {
		t.Fatal("JoinSession must not create sessions")
	}
	if got := r.Stats(); got.Sessions != 0 || got.Clients != 0 {
		t.Fatalf("Stats = %+v, want empty", got)
	}
}

func TestJoinAndLeave(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.CreateSession("user-1", "S1")

	c := r.JoinSession("S1", "c1", domain.RoleHeadless, sessiontest.NewConn())
	if c == nil {
		t.Fatal("join failed")
	}
	if c.SessionID != "S1" || c.UserID != "user-1" {
		t.Errorf("client not bound to session: %+v", c)
	}
	if !r.IsRoleConnected("S1", domain.RoleHeadless) {
		t.Error("expected headless role connected")
	}
	if r.IsRoleConnected("S1", domain.RoleInteractive) {
		t.Error("did not expect interactive role connected")
	}

	res, ok := r.LeaveSession("c1")
	if !ok {
		t.Fatal("leave failed")
	}
	if res.SessionID != "S1" || res.Role != domain.RoleHeadless || !res.Empty {
		t.Errorf("LeaveResult = %+v", res)
	}
	if _, ok := r.LeaveSession("c1"); ok {
		t.Error("second leave should report unknown client")
	}
}

func TestEmptySessionDeletedAfterGrace(t *testing.T) {
	deleted := make(chan string, 1)
	r := NewRegistry(Options{
		GracePeriod:      40 * time.Millisecond,
		OnSessionDeleted: func(id string) { deleted <- id },
	})
	r.CreateSession("u", "S1")
	r.JoinSession("S1", "c1", domain.RoleInteractive, sessiontest.NewConn())
	r.LeaveSession("c1")

	if r.GetSession("S1") == nil {
		t.Fatal("session deleted before grace period elapsed")
	}

	select {
	case id := <-deleted:
		if id != "S1" {
			t.Fatalf("deleted %q, want S1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session was not deleted after grace period")
	}
	if r.GetSession("S1") != nil {
		t.Fatal("session still registered")
	}
}

func TestUnjoinedSessionExpiresAfterGrace(t *testing.T) {
	deleted := make(chan string, 1)
	r := NewRegistry(Options{
		GracePeriod:      40 * time.Millisecond,
		OnSessionDeleted: func(id string) { deleted <- id },
	})
	r.CreateSession("u", "S1")

	select {
	case id := <-deleted:
		if id != "S1" {
			t.Fatalf("deleted %q, want S1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session that was never joined was not deleted")
	}
	if r.GetSession("S1") != nil {
		t.Fatal("session still registered")
	}
	if got := r.Stats().Sessions; got != 0 {
		t.Fatalf("Sessions = %d, want 0", got)
	}
}

func TestJoinCancelsCreationExpiry(t *testing.T) {
	r := newTestRegistry(40 * time.Millisecond)
	s := r.CreateSession("u", "S1")
	r.JoinSession("S1", "c1", domain.RoleInteractive, sessiontest.NewConn())

	time.Sleep(120 * time.Millisecond)
	if r.GetSession("S1") != s {
		t.Fatal("session with a connected client must not expire")
	}
}

func TestJoinSessionAsBindsUser(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.CreateSession("owner", "S1")

	guest := r.JoinSessionAs("S1", "c1", "guest", domain.RoleInteractive, sessiontest.NewConn())
	owner := r.JoinSessionAs("S1", "c2", "", domain.RoleHeadless, sessiontest.NewConn())
	if guest == nil || owner == nil {
		t.Fatal("join failed")
	}
	if guest.UserID != "guest" {
		t.Errorf("guest UserID = %q, want guest", guest.UserID)
	}
	if owner.UserID != "owner" {
		t.Errorf("fallback UserID = %q, want owner", owner.UserID)
	}
}

func TestRejoinWithinGracePreservesSession(t *testing.T) {
	r := newTestRegistry(60 * time.Millisecond)
	s := r.CreateSession("u", "S1")
	r.UpdateSessionContext("S1", domain.ContextPatch{StoryID: strPtr("story-7")})
	r.JoinSession("S1", "c1", domain.RoleInteractive, sessiontest.NewConn())
	r.LeaveSession("c1")

	time.Sleep(10 * time.Millisecond)
	if c := r.JoinSession("S1", "c2", domain.RoleInteractive, sessiontest.NewConn()); c == nil {
		t.Fatal("rejoin within grace failed")
	}

	time.Sleep(150 * time.Millisecond)
	if got := r.GetSession("S1"); got != s {
		t.Fatal("session should survive when a client rejoins within the grace period")
	}
	ctx, _ := r.GetSessionContext("S1")
	if ctx.StoryID != "story-7" {
		t.Errorf("context lost across reload: %+v", ctx)
	}
}

func TestDeleteSessionClosesSockets(t *testing.T) {
	deleted := 0
	r := NewRegistry(Options{OnSessionDeleted: func(string) { deleted++ }})
	r.CreateSession("u", "S1")
	a, b := sessiontest.NewConn(), sessiontest.NewConn()
	r.JoinSession("S1", "a", domain.RoleInteractive, a)
	r.JoinSession("S1", "b", domain.RoleHeadless, b)

	if !r.DeleteSession("S1") {
		t.Fatal("DeleteSession returned false")
	}
	for name, conn := range map[string]*sessiontest.Conn{"a": a, "b": b} {
		closed, code := conn.Closed()
		if !closed || code != websocket.StatusNormalClosure {
			t.Errorf("client %s: closed=%v code=%v", name, closed, code)
		}
	}
	if got := r.Stats(); got.Sessions != 0 || got.Clients != 0 {
		t.Errorf("Stats = %+v, want empty", got)
	}
	if _, ok := r.LeaveSession("a"); ok {
		t.Error("reverse index entry survived deletion")
	}
	if deleted != 1 {
		t.Errorf("OnSessionDeleted calls = %d, want 1", deleted)
	}
	if r.DeleteSession("S1") {
		t.Error("second delete should report false")
	}
}

func TestJoinReplacesDuplicateClientID(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.CreateSession("u", "S1")
	old := sessiontest.NewConn()
	r.JoinSession("S1", "c1", domain.RoleInteractive, old)
	r.JoinSession("S1", "c1", domain.RoleInteractive, sessiontest.NewConn())

	if closed, _ := old.Closed(); !closed {
		t.Error("replaced socket should be closed")
	}
	if got := len(r.GetClientsInSession("S1")); got != 1 {
		t.Errorf("clients = %d, want 1", got)
	}
}

func TestUpdateSessionContextMerges(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.CreateSession("u", "S1")

	r.UpdateSessionContext("S1", domain.ContextPatch{WorldID: strPtr("w-1"), WorldName: strPtr("Dune")})
	got, ok := r.UpdateSessionContext("S1", domain.ContextPatch{StoryID: strPtr("s-1"), WorldID: strPtr("w-2")})
	if !ok {
		t.Fatal("update failed")
	}
	want := domain.SessionContext{WorldID: "w-2", StoryID: "s-1", WorldName: "Dune"}
	if got != want {
		t.Errorf("context = %+v, want %+v", got, want)
	}
	if _, ok := r.UpdateSessionContext("missing", domain.ContextPatch{}); ok {
		t.Error("update on unknown session should fail")
	}
}

func TestGetClientsInSessionOrdered(t *testing.T) {
	r := newTestRegistry(time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	r.CreateSession("u", "S1")
	r.JoinSession("S1", "zeta", domain.RoleInteractive, sessiontest.NewConn())
	r.JoinSession("S1", "alpha", domain.RoleHeadless, sessiontest.NewConn())

	clients := r.GetClientsInSession("S1")
	if len(clients) != 2 || clients[0].ID != "zeta" || clients[1].ID != "alpha" {
		t.Fatalf("clients = %+v, want zeta then alpha", clients)
	}
	if r.GetClientsInSession("nope") != nil {
		t.Error("unknown session should return nil")
	}
}

func TestCloseDeletesEverything(t *testing.T) {
	r := newTestRegistry(time.Minute)
	conn := sessiontest.NewConn()
	r.CreateSession("u", "S1")
	r.CreateSession("u", "S2")
	r.JoinSession("S2", "c", domain.RoleInteractive, conn)

	r.Close()
	if got := r.Stats(); got.Sessions != 0 || got.Clients != 0 {
		t.Fatalf("Stats = %+v", got)
	}
	if closed, _ := conn.Closed(); !closed {
		t.Error("socket not closed on registry close")
	}
}

func TestLookup(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.CreateSession("u", "S1")
	r.JoinSession("S1", "c1", domain.RoleInteractive, sessiontest.NewConn())

	if _, c, ok := r.Lookup("S1", "c1"); !ok || c.ID != "c1" {
		t.Fatal("expected live client")
	}
	r.LeaveSession("c1")
	if s, _, ok := r.Lookup("S1", "c1"); ok || s == nil {
		t.Fatal("expected session without client after leave")
	}
}

func strPtr(s string) *string { return &s }
