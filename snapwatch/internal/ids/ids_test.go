package ids

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestUUIDv7(t *testing.T) {
	id := UUIDv7()()
	u, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("parse %q: %v", id, err)
	}
	if u.Version() != 7 {
		t.Errorf("version = %d", u.Version())
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("dl_", UUIDv7())()
	if !strings.HasPrefix(id, "dl_") {
		t.Errorf("id = %q", id)
	}
}

func TestSequence(t *testing.T) {
	g := Sequence("req_")
	if a, b := g(), g(); a != "req_1" || b != "req_2" {
		t.Errorf("got %s %s", a, b)
	}
}

func TestShort(t *testing.T) {
	if got := Short("dl_0192f3a4-aaaa"); got != "0192f3a4" {
		t.Errorf("Short = %q", got)
	}
	if got := Short("abc"); got != "abc" {
		t.Errorf("Short = %q", got)
	}
}
