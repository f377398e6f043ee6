package server

import (
	"context"
	"time"

	"github.com/lcpu-dev/labsched/repository"
	"github.com/lcpu-dev/labsched/utils/logging"
)

// StartCron runs the periodic jobs every interval until ctx is done.
func (s *Server) StartCron(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCron(logging.WithRequestID(ctx, s.log, ""))
		}
	}
}

// RunCron retries queued cleanups and fetches every repository a lab
// refers to.
func (s *Server) RunCron(ctx context.Context) {
	log := logging.From(ctx)
	if err := s.orch.RetryCleanups(ctx); err != nil {
		log.WithError(err).Error("failed to retry cleanups")
	}
	if s.repos == nil {
		return
	}
	labs, err := s.orch.ListLabs(ctx)
	if err != nil {
		log.WithError(err).Error("failed to list labs")
		return
	}
	if err := s.repos.FetchAll(ctx, repository.LabRepositories(labs)); err != nil {
		log.WithError(err).Warn("failed to fetch repositories")
	}
}
