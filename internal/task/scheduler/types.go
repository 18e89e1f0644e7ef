package scheduler

import (
	"context"
	"sync"
	"time"

	"geonotify/internal/task/engine"
	logx "geonotify/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "America/New_York"; empty means UTC
}

type TaskOptions = engine.TaskOptions

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Submitter is the slice of the task engine the scheduler needs.
type Submitter interface {
	Enqueue(t engine.Task) error
}

type scheduleDef struct {
	name    string
	spec    string // cron spec or @every
	every   time.Duration
	timeout time.Duration
	job     func(ctx context.Context) error
	opt     TaskOptions
	entryID cron.EntryID
	spread  time.Duration

	fired   uint64
	skipped uint64
	lastAt  time.Time
	lastErr string
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	eng    Submitter
	cfg    Config
	parser cron.Parser

	c         *cron.Cron
	loc       *time.Location
	running   bool
	schedules map[string]*scheduleDef
}

// ScheduleInfo is a diagnostic view of one registered schedule.
type ScheduleInfo struct {
	Name     string
	Spec     string
	Next     time.Time
	Prev     time.Time
	Fired    uint64
	Skipped  uint64
	LastAt   time.Time
	LastErr  string
	Timezone string
}
