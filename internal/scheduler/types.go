package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "modguard/pkg/logx"
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Options tunes one schedule.
type Options struct {
	// Timeout bounds a single run; 0 means no bound beyond Stop.
	Timeout time.Duration
	// RunOnStart runs the job once as soon as the scheduler starts.
	RunOnStart bool
	// Spread delays the first interval run by a random fraction of the
	// interval (capped at 30s) so jobs registered together do not align.
	Spread bool
}

type scheduleDef struct {
	name    string
	spec    string
	opt     Options
	job     Job
	entryID cron.EntryID
	wrapped cron.Job // job behind the no-overlap chain
	stats   *runStats
}

type runStats struct {
	mu       sync.Mutex
	runs     uint64
	failures uint64
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup
}

type ScheduleInfo struct {
	Name     string
	Spec     string
	Timeout  time.Duration
	Next     time.Time
	Prev     time.Time
	Runs     uint64
	Failures uint64
	LastRun  time.Time
	LastTook time.Duration
	LastErr  string
}
