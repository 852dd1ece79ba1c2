package heartbeat

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
)

// Publisher writes liveness timestamps to well-known paths. An external
// watchdog restarts the process when they age out. Writes are atomic
// (temp file plus rename) so the watchdog never reads a torn value.
type Publisher struct {
	log   *logger.Logger
	paths []string
	clock func() time.Time
}

func New(baseLog *logger.Logger, paths ...string) *Publisher {
	return &Publisher{
		log:   baseLog.With("component", "Heartbeat"),
		paths: paths,
		clock: time.Now,
	}
}

// Beat stamps every configured path with the current unix time.
func (p *Publisher) Beat() {
	now := strconv.FormatInt(p.clock().Unix(), 10)
	for _, path := range p.paths {
		if err := writeAtomic(path, []byte(now+"\n")); err != nil {
			p.log.Warn("heartbeat write failed", "path", path, "error", err)
		}
	}
}

// Age reads a heartbeat path and reports how old the stamp is.
func Age(path string, now time.Time) (time.Duration, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var unix int64
	if _, err := fmt.Sscanf(string(b), "%d", &unix); err != nil {
		return 0, fmt.Errorf("malformed heartbeat file %s: %w", path, err)
	}
	return now.Sub(time.Unix(unix, 0)), nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
