package heartbeat

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
)

func TestBeatWritesUnixStamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "heartbeat_orchestrator")
	p := New(logger.NewNop(), path)

	before := time.Now().Unix()
	p.Beat()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("heartbeat file missing: %v", err)
	}
	stamp, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		t.Fatalf("heartbeat not a unix stamp: %q", b)
	}
	if stamp < before || stamp > time.Now().Unix() {
		t.Fatalf("stamp %d outside [%d, now]", stamp, before)
	}
}

func TestBeatStampsEveryPath(t *testing.T) {
	dir := t.TempDir()
	orch := filepath.Join(dir, "heartbeat_orchestrator")
	api := filepath.Join(dir, "heartbeat_control_api")
	p := New(logger.NewNop(), orch, api)

	p.Beat()

	for _, path := range []string{orch, api} {
		b, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("heartbeat %s missing: %v", path, err)
		}
		if _, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64); err != nil {
			t.Fatalf("heartbeat %s not a unix stamp: %q", path, b)
		}
	}
}

func TestAge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hb")
	p := New(logger.NewNop(), path)
	p.Beat()

	now := time.Now().Add(90 * time.Second)
	age, err := Age(path, now)
	if err != nil {
		t.Fatalf("age: %v", err)
	}
	if age < 89*time.Second || age > 92*time.Second {
		t.Fatalf("age %v not near 90s", age)
	}

	if _, err := Age(filepath.Join(t.TempDir(), "missing"), now); err == nil {
		t.Fatalf("missing heartbeat should error")
	}
}
