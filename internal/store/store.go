package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/types"
)

var (
	ErrExists   = errors.New("job already exists")
	ErrNotFound = errors.New("job not found")
)

// Filter narrows List results.
type Filter struct {
	Stages         []types.Stage
	StatusContains string
	UpdatedAfter   *time.Time
	UpdatedBefore  *time.Time
}

// Store is the single source of truth for job rows. All mutations go through
// Create/Update/Delete so every change is durable before the change event is
// published, and per-stem writers are serialized.
type Store struct {
	db    *gorm.DB
	log   *logger.Logger
	clock func() time.Time

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	publish []func(*types.Job)
}

func New(db *gorm.DB, baseLog *logger.Logger) *Store {
	return &Store{
		db:    db,
		log:   baseLog.With("component", "Store"),
		clock: time.Now,
		locks: map[string]*sync.Mutex{},
	}
}

// WithClock replaces the timestamp source. Used by tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// OnChange registers a change-event sink. Events fire after the row is
// durable, in per-job write order.
func (s *Store) OnChange(fn func(*types.Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish = append(s.publish, fn)
}

func (s *Store) stemLock(stem string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[stem]
	if !ok {
		l = &sync.Mutex{}
		s.locks[stem] = l
	}
	return l
}

func (s *Store) emit(job *types.Job) {
	s.mu.Lock()
	sinks := append([]func(*types.Job){}, s.publish...)
	s.mu.Unlock()
	for _, fn := range sinks {
		fn(job.Clone())
	}
}

// stamp returns a timestamp strictly after prev so change-feed consumers can
// deduplicate on (file_stem, updated_at).
func (s *Store) stamp(prev time.Time) time.Time {
	now := s.clock()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func (s *Store) Create(ctx context.Context, job *types.Job) error {
	l := s.stemLock(job.FileStem)
	l.Lock()
	defer l.Unlock()

	now := s.clock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = s.stamp(job.UpdatedAt)
	if len(job.Meta) == 0 {
		meta := types.NewJobMeta()
		meta.EnterStage(job.Stage, now)
		if err := job.SetMeta(meta); err != nil {
			return err
		}
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(job)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrExists
	}
	s.emit(job)
	return nil
}

func (s *Store) Get(ctx context.Context, stem string) (*types.Job, error) {
	var job types.Job
	err := s.db.WithContext(ctx).Where("file_stem = ?", stem).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) List(ctx context.Context, f Filter) ([]*types.Job, error) {
	q := s.db.WithContext(ctx).Model(&types.Job{})
	if len(f.Stages) > 0 {
		stages := make([]string, 0, len(f.Stages))
		for _, st := range f.Stages {
			stages = append(stages, string(st))
		}
		q = q.Where("stage IN ?", stages)
	}
	if strings.TrimSpace(f.StatusContains) != "" {
		q = q.Where("status LIKE ?", "%"+f.StatusContains+"%")
	}
	if f.UpdatedAfter != nil {
		q = q.Where("updated_at > ?", *f.UpdatedAfter)
	}
	if f.UpdatedBefore != nil {
		q = q.Where("updated_at < ?", *f.UpdatedBefore)
	}
	var out []*types.Job
	if err := q.Order("updated_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListActive returns all non-terminal jobs, oldest update first. This is the
// tick loop's working set.
func (s *Store) ListActive(ctx context.Context) ([]*types.Job, error) {
	terminal := []string{
		string(types.StageCompleted), string(types.StageDelivered),
		string(types.StageDead), string(types.StageHalted),
	}
	var out []*types.Job
	err := s.db.WithContext(ctx).
		Where("stage NOT IN ?", terminal).
		Order("updated_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies mutate under the job's row lock inside a transaction. The
// meta bag is decoded for the mutator and re-encoded on commit; updated_at is
// stamped, status changes land in the status timeline, and a change event is
// published only after the write is durable. A mutator error rolls everything
// back.
func (s *Store) Update(ctx context.Context, stem string, mutate func(job *types.Job, meta *types.JobMeta) error) (*types.Job, error) {
	l := s.stemLock(stem)
	l.Lock()
	defer l.Unlock()

	var updated *types.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job types.Job
		if err := tx.Where("file_stem = ?", stem).First(&job).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		meta, _ := job.DecodeMeta()
		prevStatus := job.Status
		prevUpdated := job.UpdatedAt
		if err := mutate(&job, meta); err != nil {
			return err
		}
		if job.Progress < 0 {
			job.Progress = 0
		}
		if job.Progress > 100 {
			job.Progress = 100
		}
		now := s.stamp(prevUpdated)
		if job.Status != prevStatus {
			meta.PushStatus(job.Status, now)
		}
		if err := job.SetMeta(meta); err != nil {
			return err
		}
		job.UpdatedAt = now
		if err := tx.Save(&job).Error; err != nil {
			return err
		}
		updated = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(updated)
	return updated, nil
}

func (s *Store) Delete(ctx context.Context, stem string) error {
	l := s.stemLock(stem)
	l.Lock()
	defer l.Unlock()

	var job types.Job
	err := s.db.WithContext(ctx).Where("file_stem = ?", stem).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&types.Job{}, "file_stem = ?", stem).Error; err != nil {
		return err
	}
	job.UpdatedAt = s.stamp(job.UpdatedAt)
	job.Status = "deleted"
	s.emit(&job)
	return nil
}

// CountActive is used by the health endpoint.
func (s *Store) CountActive(ctx context.Context) (int64, error) {
	terminal := []string{
		string(types.StageCompleted), string(types.StageDelivered),
		string(types.StageDead), string(types.StageHalted),
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&types.Job{}).
		Where("stage NOT IN ?", terminal).
		Count(&n).Error
	return n, err
}
