package timescheduler

import (
	"time"

	"github.com/Sats-Terminal/spark-bridge-backend/internal/core/ports"
	"github.com/go-co-op/gocron"
)

type service struct {
	scheduler *gocron.Scheduler
}

func NewScheduler() ports.SchedulerService {
	svc := gocron.NewScheduler(time.UTC)
	return &service{svc}
}

func (s *service) Start() {
	s.scheduler.StartAsync()
}

func (s *service) Stop() {
	s.scheduler.Stop()
}

func (s *service) ScheduleTaskEvery(interval time.Duration, task func()) error {
	_, err := s.scheduler.Every(interval).Do(task)
	return err
}

func (s *service) ScheduleTaskOnce(after time.Duration, task func()) error {
	_, err := s.scheduler.Every(after).WaitForSchedule().LimitRunsTo(1).Do(task)
	return err
}
