package stageflow

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/stageflow/pkg/stageflow/config"
)

func TestLoadSettings_Defaults(t *testing.T) {
	s := LoadSettings(config.New(nil))

	assert.Equal(t, ThreadPoolPerStage, s.ThreadManager)
	assert.False(t, s.CrashOnException)
	assert.Equal(t, 0, s.DefaultQueueThreshold)
	assert.Equal(t, runtime.NumCPU(), s.NumCPUs)

	assert.Equal(t, PoolSettings{
		Initial:   1,
		Min:       1,
		Max:       20,
		BlockTime: time.Second,
		IdleTime:  time.Second,
	}, s.Pool)
	assert.Equal(t, SizeControllerSettings{
		Delay:     2 * time.Second,
		HighWater: 1000,
		IdleTicks: 2,
	}, s.SizeController)
	assert.Equal(t, BatchSettings{Min: 1, Max: 1000}, s.Batch)
	assert.Equal(t, RTSettings{
		Target:       time.Second,
		Smoothing:    0.5,
		Window:       200,
		MinThreshold: 1,
		MaxThreshold: 1024,
		AdditiveStep: 2,
	}, s.RT)
	assert.Equal(t, ProfileSettings{Delay: time.Second}, s.Profile)
}

func TestLoadSettings_FromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
global:
  threadManager: tpp
  crashOnException: true
  defaultQueueThreshold: 100
  tpp:
    numCPUs: 3
  threadPool:
    minThreads: 2
    maxThreads: 6
    blockTime: 250
    sizeController:
      enable: true
      delay: 500ms
      threshold: 50
  rtController:
    enable: true
    targetResponseTime: 100ms
    smoothConst: 0.7
  profile:
    enable: true
    sqliteFile: /tmp/profile.db
stages:
  parse:
    queueThreshold: 8
    rateLimit: 100
    threadPool:
      maxThreads: 2
      sizeController:
        enable: false
    rtController:
      targetResponseTime: 20ms
  store: {}
`))
	if !assert.NoError(t, err) {
		return
	}
	s := LoadSettings(cfg)

	assert.Equal(t, ThreadPerProcessor, s.ThreadManager)
	assert.True(t, s.CrashOnException)
	assert.Equal(t, 3, s.NumCPUs)
	assert.Equal(t, 2, s.Pool.Min)
	assert.Equal(t, 250*time.Millisecond, s.Pool.BlockTime)
	assert.True(t, s.SizeController.Enable)
	assert.Equal(t, 500*time.Millisecond, s.SizeController.Delay)
	assert.Equal(t, 50, s.SizeController.HighWater)
	assert.Equal(t, 100*time.Millisecond, s.RT.Target)
	assert.Equal(t, 0.7, s.RT.Smoothing)
	assert.Equal(t, "/tmp/profile.db", s.Profile.SQLiteFile)

	parse := s.ForStage(cfg, "parse")
	assert.Equal(t, 8, parse.QueueThreshold)
	assert.Equal(t, 100, parse.RateLimit)
	assert.Equal(t, 2, parse.Pool.Min, "inherited")
	assert.Equal(t, 2, parse.Pool.Max)
	assert.False(t, parse.Pool.SizeController)
	assert.True(t, parse.RT.Enable, "inherited")
	assert.Equal(t, 20*time.Millisecond, parse.RT.Target)
	assert.Equal(t, 0.7, parse.RT.Smoothing)

	store := s.ForStage(cfg, "store")
	assert.Equal(t, 100, store.QueueThreshold, "global default")
	assert.Equal(t, 6, store.Pool.Max)
	assert.True(t, store.Pool.SizeController)
	assert.Equal(t, []string{"parse", "store"}, cfg.Stages())
}

func TestLoadPool_Clamps(t *testing.T) {
	p := loadPool(config.New(map[string]any{"minThreads": 0, "maxThreads": -3}), PoolSettings{})
	assert.Equal(t, 1, p.Min)
	assert.Equal(t, 1, p.Max)
}
