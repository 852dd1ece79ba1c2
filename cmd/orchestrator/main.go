package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/app"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/db"
	"github.com/haukur1982/SubtitleWorkflow-sub000/internal/logger"
)

// Exit codes: 0 clean shutdown, 1 startup failure, 2 listen address taken,
// 3 job database failed its integrity check.
func main() {
	os.Exit(run())
}

func run() int {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "production"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	a, err := app.New(log)
	if err != nil {
		if errors.Is(err, db.ErrCorrupt) {
			log.Error("job database corrupt", "error", err)
			return 3
		}
		log.Error("startup failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		if errors.Is(err, app.ErrBind) {
			log.Error("listen address unavailable", "error", err)
			return 2
		}
		log.Error("startup failed", "error", err)
		return 1
	}

	<-ctx.Done()
	a.Shutdown(context.Background())
	return 0
}
