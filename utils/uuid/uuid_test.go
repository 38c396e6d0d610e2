package uuid

import (
	"regexp"
	"testing"
	"time"
)

func TestTimestampIDs(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	u := NewTimestampIDs(func() time.Time { return ts })

	re := regexp.MustCompile(`^1700000000123-[0-9a-z]{9}$`)
	a, b := u.ID(), u.ID()
	for _, id := range []string{a, b} {
		if !re.MatchString(id) {
			t.Errorf("unexpected ID format: %q", id)
		}
	}
	if a == b {
		t.Error("IDs with the same timestamp are not unique")
	}
}

func TestStaticIDs(t *testing.T) {
	u := NewStaticIDs("A", "B")
	for _, expected := range []string{"A", "B", "A", "B", "A"} {
		if have, want := u.ID(), expected; have != want {
			t.Errorf("unexpected ID: have: %v, want: %v", have, want)
		}
	}
}
