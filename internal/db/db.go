package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/types"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/utils"
)

// ErrCorrupt marks a store that failed its integrity check. The process
// exits with a dedicated code so the supervisor can page instead of restart.
var ErrCorrupt = errors.New("job store corrupt")

type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

// New opens the job store. Default is an embedded SQLite file; setting
// DB_DRIVER=postgres points the same schema at a shared operator database.
func New(log *logger.Logger) (*Service, error) {
	serviceLog := log.With("service", "DBService")
	driver := strings.ToLower(utils.GetEnv("DB_DRIVER", "sqlite", log))

	var dial gorm.Dialector
	switch driver {
	case "sqlite", "":
		path := utils.GetEnv("SQLITE_PATH", "state/jobs.db", log)
		if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file::memory:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		dsn := path
		if !strings.Contains(dsn, "?") {
			dsn += "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL&_foreign_keys=on"
		}
		dial = sqlite.Open(dsn)
	case "postgres":
		host := utils.GetEnv("POSTGRES_HOST", "localhost", log)
		port := utils.GetEnv("POSTGRES_PORT", "5432", log)
		user := utils.GetEnv("POSTGRES_USER", "postgres", log)
		password := utils.GetEnv("POSTGRES_PASSWORD", "", log)
		name := utils.GetEnv("POSTGRES_NAME", "subtitleflow", log)
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)
		dial = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", driver)
	}

	serviceLog.Info("Opening job store", "driver", driver)
	gdb, err := gorm.Open(dial, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	svc := &Service{db: gdb, log: serviceLog}
	if driver == "sqlite" || driver == "" {
		if err := svc.integrityCheck(); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

func (s *Service) DB() *gorm.DB { return s.db }

func (s *Service) AutoMigrateAll() error {
	s.log.Info("Auto migrating job store tables...")
	return s.db.AutoMigrate(&types.Job{})
}

func (s *Service) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (s *Service) integrityCheck() error {
	var result string
	if err := s.db.Raw("PRAGMA integrity_check").Scan(&result).Error; err != nil {
		return fmt.Errorf("%w: integrity_check failed: %v", ErrCorrupt, err)
	}
	if !strings.EqualFold(strings.TrimSpace(result), "ok") {
		return fmt.Errorf("%w: %s", ErrCorrupt, result)
	}
	return nil
}
