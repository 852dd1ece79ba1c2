package media

import (
	"strings"
	"testing"
	"time"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
)

func TestASRIdleTimeoutScalesWithDuration(t *testing.T) {
	cases := []struct {
		name     string
		override time.Duration
		audioSec float64
		want     time.Duration
	}{
		{"short clip hits floor", 0, 60, 10 * time.Minute},
		{"hour program doubles", 0, 3600, 2 * time.Hour},
		{"marathon hits ceiling", 0, 4 * 3600, 4 * time.Hour},
		{"unknown duration uses floor", 0, 0, 10 * time.Minute},
		{"override wins", 42 * time.Minute, 3600, 42 * time.Minute},
	}
	for _, tc := range cases {
		if got := ASRIdleTimeout(tc.override, tc.audioSec); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAudioExtractArgsShape(t *testing.T) {
	tools := New(logger.NewNop(), "ffmpeg", "ffprobe")
	bin, args := tools.AudioExtractArgs("/vault/source/a.mp4", "/vault/audio/a.wav")
	if bin != "ffmpeg" {
		t.Fatalf("wrong binary %q", bin)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{"-vn", "-ac 1", "-ar 16000", "-f wav", "/vault/audio/a.wav"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q: %s", want, joined)
		}
	}
	if args[len(args)-1] != "/vault/audio/a.wav" {
		t.Fatalf("output path must be last: %v", args)
	}
}
