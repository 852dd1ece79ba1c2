package media

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
)

// Tools wraps the ffmpeg/ffprobe binaries the pipeline leans on. Extraction
// itself runs under the LocalRunner; this package only knows the argv shapes
// and the quick synchronous probes.
type Tools struct {
	log     *logger.Logger
	ffmpeg  string
	ffprobe string
}

func New(baseLog *logger.Logger, ffmpegPath, ffprobePath string) *Tools {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Tools{
		log:     baseLog.With("component", "MediaTools"),
		ffmpeg:  ffmpegPath,
		ffprobe: ffprobePath,
	}
}

func (t *Tools) AssertReady(ctx context.Context) error {
	for _, bin := range []string{t.ffmpeg, t.ffprobe} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("missing required binary %q in PATH: %w", bin, err)
		}
	}
	return nil
}

// AudioExtractArgs builds the demux invocation: mono 16 kHz WAV, the shape
// ASR engines expect.
func (t *Tools) AudioExtractArgs(videoPath, outPath string) (string, []string) {
	return t.ffmpeg, []string{
		"-y",
		"-i", videoPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-f", "wav",
		outPath,
	}
}

// ProbeDurationSeconds asks ffprobe for the container duration. Short-lived,
// so it runs synchronously with its own timeout.
func (t *Tools) ProbeDurationSeconds(ctx context.Context, path string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration failed: %w; out=%s", err, string(out))
	}
	s := strings.TrimSpace(string(out))
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe returned non-numeric duration %q", s)
	}
	return d, nil
}

// ASRIdleTimeout codifies the idle-output rule for transcription: unless
// overridden, twice the audio duration bounded to [10 min, 4 h].
func ASRIdleTimeout(override time.Duration, audioDurationSeconds float64) time.Duration {
	if override > 0 {
		return override
	}
	d := time.Duration(2*audioDurationSeconds) * time.Second
	if d < 10*time.Minute {
		d = 10 * time.Minute
	}
	if d > 4*time.Hour {
		d = 4 * time.Hour
	}
	return d
}
