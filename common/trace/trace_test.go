package trace_test

import (
	"context"
	"strings"
	"testing"

	"github.com/bdobrica/Kagari/common/trace"
)

func TestGenerateID_Unique(t *testing.T) {
	a := trace.GenerateID()
	b := trace.GenerateID()
	if a == b {
		t.Fatalf("two generated IDs are identical: %q", a)
	}
	if !strings.HasPrefix(a, "t_") {
		t.Errorf("trace ID missing t_ prefix: %q", a)
	}
}

func TestContextRoundTrip(t *testing.T) {
	id := trace.GenerateID()
	ctx := trace.WithTraceID(context.Background(), id)
	if got := trace.FromContext(ctx); got != id {
		t.Errorf("FromContext: got %q, want %q", got, id)
	}
}

func TestFromContext_Absent(t *testing.T) {
	if got := trace.FromContext(context.Background()); got != "" {
		t.Errorf("expected empty trace ID for bare context, got %q", got)
	}
}
