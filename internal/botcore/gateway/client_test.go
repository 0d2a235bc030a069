package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNextBackoffEscalatesToCap(t *testing.T) {
	const (
		min = 1 * time.Second
		max = 30 * time.Second
	)
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // stays capped
	}
	backoff := min
	for i, w := range want {
		backoff = nextBackoff(backoff, max)
		if backoff != w {
			t.Fatalf("step %d: backoff = %v, want %v", i, backoff, w)
		}
	}
}

func TestJoinedMembersExcludesBot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/joined_members") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"joined":{
			"@kagari:example.org": {"display_name": "Kagari", "avatar_url": ""},
			"@alice:example.org":  {"display_name": "Alice", "avatar_url": ""},
			"@bob:example.org":    {"display_name": "", "avatar_url": ""}
		}}`))
	}))
	defer srv.Close()

	c, err := New(&Config{
		Homeserver:  srv.URL,
		UserID:      "@kagari:example.org",
		AccessToken: "token",
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	members, err := c.JoinedMembers(context.Background(), "!room:example.org")
	if err != nil {
		t.Fatalf("failed to list members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members (bot excluded), got %d", len(members))
	}
	if members[0].UserID != "@alice:example.org" || members[0].DisplayName != "Alice" {
		t.Errorf("unexpected first member: %+v", members[0])
	}
	if members[1].UserID != "@bob:example.org" || members[1].DisplayName != "" {
		t.Errorf("unexpected second member: %+v", members[1])
	}
}
