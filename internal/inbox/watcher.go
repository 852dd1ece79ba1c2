package inbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/store"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/types"
)

const doneMarker = "DONE_"

// JobDefaults supplies per-job configuration at creation time, typically
// backed by the profiles catalog.
type JobDefaults interface {
	DefaultsFor(filename string) (targetLanguage, programProfile, subtitleStyle string, reviewRequired bool)
}

type Options struct {
	Dirs              []string // literal paths or globs
	AllowedExtensions []string
	PollInterval      time.Duration
	ProbeDelay        time.Duration
	StableProbes      int
	MinAge            time.Duration
}

// Watcher turns files dropped into the inbox directories into job rows. A
// file must hold still (same size and mtime) across StableProbes observations
// and be at least MinAge old before it is ingested, so partially-copied files
// are never picked up.
type Watcher struct {
	log      *logger.Logger
	jobs     *store.Store
	defaults JobDefaults
	opts     Options
	exts     map[string]bool

	candidates map[string]*candidate
	ingested   map[string]bool
	clock      func() time.Time
}

type candidate struct {
	size        int64
	modTime     time.Time
	stableCount int
	lastProbe   time.Time
}

func NewWatcher(baseLog *logger.Logger, jobs *store.Store, defaults JobDefaults, opts Options) *Watcher {
	if opts.StableProbes <= 0 {
		opts.StableProbes = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.ProbeDelay <= 0 {
		opts.ProbeDelay = 1 * time.Second
	}
	if opts.MinAge <= 0 {
		opts.MinAge = 3 * time.Second
	}
	exts := map[string]bool{}
	for _, e := range opts.AllowedExtensions {
		exts[strings.ToLower(e)] = true
	}
	return &Watcher{
		log:        baseLog.With("component", "InboxWatcher"),
		jobs:       jobs,
		defaults:   defaults,
		opts:       opts,
		exts:       exts,
		candidates: map[string]*candidate{},
		ingested:   map[string]bool{},
		clock:      time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (w *Watcher) WithClock(clock func() time.Time) *Watcher {
	w.clock = clock
	return w
}

func (w *Watcher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := w.ScanOnce(ctx); err != nil {
					w.log.Warn("inbox scan failed", "error", err)
				} else if n > 0 {
					w.log.Info("inbox scan ingested files", "count", n)
				}
			}
		}
	}()
}

// ScanOnce walks every watched directory once. Each call counts as one
// stability probe per candidate, so ingestion happens only after the file
// has been observed unchanged StableProbes times.
func (w *Watcher) ScanOnce(ctx context.Context) (int, error) {
	seen := map[string]bool{}
	created := 0
	for _, pattern := range w.opts.Dirs {
		dirs, err := expandDirs(pattern)
		if err != nil {
			w.log.Warn("inbox dir expand failed", "pattern", pattern, "error", err)
			continue
		}
		for _, dir := range dirs {
			entries, err := os.ReadDir(dir)
			if err != nil {
				if !os.IsNotExist(err) {
					w.log.Warn("inbox dir read failed", "dir", dir, "error", err)
				}
				continue
			}
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				path := filepath.Join(dir, e.Name())
				seen[path] = true
				if w.consider(ctx, path, e.Name()) {
					created++
				}
			}
		}
	}
	// Forget candidates whose file disappeared.
	for path := range w.candidates {
		if !seen[path] {
			delete(w.candidates, path)
		}
	}
	for path := range w.ingested {
		if !seen[path] {
			delete(w.ingested, path)
		}
	}
	return created, nil
}

func (w *Watcher) consider(ctx context.Context, path, name string) bool {
	if strings.HasPrefix(name, doneMarker) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !w.exts[ext] {
		return false
	}
	if w.ingested[path] {
		return false
	}

	info, err := os.Stat(path)
	if err != nil {
		delete(w.candidates, path)
		return false
	}
	now := w.clock()

	c, ok := w.candidates[path]
	if !ok {
		w.candidates[path] = &candidate{size: info.Size(), modTime: info.ModTime(), stableCount: 1, lastProbe: now}
		return false
	}
	if now.Sub(c.lastProbe) < w.opts.ProbeDelay {
		return false
	}
	c.lastProbe = now
	if info.Size() != c.size || !info.ModTime().Equal(c.modTime) {
		c.size = info.Size()
		c.modTime = info.ModTime()
		c.stableCount = 1
		return false
	}
	c.stableCount++
	if c.stableCount < w.opts.StableProbes {
		return false
	}
	if now.Sub(info.ModTime()) < w.opts.MinAge {
		return false
	}

	return w.ingest(ctx, path, name)
}

func (w *Watcher) ingest(ctx context.Context, path, name string) bool {
	stem := DeriveStem(name)
	if stem == "" {
		w.log.Warn("could not derive file stem, skipping", "file", name)
		return false
	}
	lang, profile, style, review := "", "", "", false
	if w.defaults != nil {
		lang, profile, style, review = w.defaults.DefaultsFor(name)
	}
	job := &types.Job{
		FileStem:       stem,
		Stage:          types.StageIngest,
		Status:         "queued",
		TargetLanguage: lang,
		ProgramProfile: profile,
		SubtitleStyle:  style,
	}
	meta := types.NewJobMeta()
	meta.SourcePath = path
	meta.OriginalFilename = name
	meta.ReviewRequired = review
	meta.EnterStage(types.StageIngest, w.clock())
	if err := job.SetMeta(meta); err != nil {
		w.log.Error("encode meta failed", "file", name, "error", err)
		return false
	}
	err := w.jobs.Create(ctx, job)
	switch {
	case err == nil:
		w.log.Info("ingested new media file", "file_stem", stem, "path", path)
		w.ingested[path] = true
		delete(w.candidates, path)
		return true
	case errors.Is(err, store.ErrExists):
		w.log.Info("duplicate inbox drop ignored", "file_stem", stem, "path", path)
		w.ingested[path] = true
		delete(w.candidates, path)
		return false
	default:
		w.log.Error("job create failed", "file_stem", stem, "error", err)
		return false
	}
}

func expandDirs(pattern string) ([]string, error) {
	if !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	return filepath.Glob(pattern)
}

var unsafeStemChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
var repeatedUnderscore = regexp.MustCompile(`_{2,}`)

// DeriveStem turns an original filename into the job's primary identifier:
// extension stripped, anything filesystem-unsafe collapsed to underscores.
func DeriveStem(filename string) string {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	s := unsafeStemChars.ReplaceAllString(base, "_")
	s = repeatedUnderscore.ReplaceAllString(s, "_")
	return strings.Trim(s, "._-")
}
