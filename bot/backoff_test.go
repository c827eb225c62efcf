package bot

import (
	"testing"
	"time"
)

func TestBackoffGrowth(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second)
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("attempt %d: got %v, want %v", i, got, w)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute)
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("after reset got %v, want %v", got, time.Second)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0)
	if b.Base != time.Second {
		t.Fatalf("base default: got %v", b.Base)
	}
	if b.Max < b.Base {
		t.Fatalf("max %v below base %v", b.Max, b.Base)
	}
}
