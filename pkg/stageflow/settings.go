package stageflow

import (
	"runtime"
	"time"

	"github.com/randalmurphal/stageflow/pkg/stageflow/config"
)

// Thread manager names accepted by global.threadManager.
const (
	ThreadPoolPerStage = "tps"
	ThreadPerProcessor = "tpp"
)

const (
	defaultStagePrefix  = "stages."
	defaultPoolMax      = 20
	defaultSizeHigh     = 1000
	defaultBatchMax     = 1000
	defaultRTMax        = 1024
	defaultProfileDelay = time.Second
)

// PoolSettings configures one stage's worker pool.
type PoolSettings struct {
	Initial   int
	Min       int
	Max       int
	BlockTime time.Duration
	IdleTime  time.Duration

	// SizeController registers the pool with the size controller.
	SizeController bool
}

// SizeControllerSettings configures the shared pool size controller.
type SizeControllerSettings struct {
	Enable    bool
	Delay     time.Duration
	HighWater int
	LowWater  int
	IdleTicks int
}

// BatchSettings configures the adaptive batch sorter used when a stage
// has no explicit sorter.
type BatchSettings struct {
	Enable bool
	Min    int
	Max    int
}

// RTSettings configures a response-time controller.
type RTSettings struct {
	Enable       bool
	Target       time.Duration
	Smoothing    float64
	Window       int
	MinThreshold int
	MaxThreshold int
	AdditiveStep int
}

// ProfileSettings configures the profiler.
type ProfileSettings struct {
	Enable bool
	Delay  time.Duration

	// SQLiteFile, if set, persists samples to this database instead of
	// memory.
	SQLiteFile string
}

// Settings is the typed form of the global.* configuration keys.
type Settings struct {
	ThreadManager         string
	CrashOnException      bool
	DefaultQueueThreshold int
	NumCPUs               int

	Pool           PoolSettings
	SizeController SizeControllerSettings
	Batch          BatchSettings
	RT             RTSettings
	Profile        ProfileSettings
}

// StageSettings is the resolved configuration of one stage: global
// defaults overlaid with stages.<name>.*.
type StageSettings struct {
	Name           string
	QueueThreshold int
	RateLimit      int
	Pool           PoolSettings
	RT             RTSettings

	// Config is the stages.<name> subtree, handed to the handler's Init.
	Config config.Config
}

// LoadSettings reads the global.* keys, applying defaults.
func LoadSettings(cfg config.Config) Settings {
	g := cfg.Sub("global")
	return Settings{
		ThreadManager:         g.String("threadManager", ThreadPoolPerStage),
		CrashOnException:      g.Bool("crashOnException", false),
		DefaultQueueThreshold: g.Int("defaultQueueThreshold", 0),
		NumCPUs:               max(g.Int("tpp.numCPUs", runtime.NumCPU()), 1),
		Pool: loadPool(g.Sub("threadPool"), PoolSettings{
			Initial:   1,
			Min:       1,
			Max:       defaultPoolMax,
			BlockTime: time.Second,
			IdleTime:  time.Second,
		}),
		SizeController: SizeControllerSettings{
			Enable:    g.Bool("threadPool.sizeController.enable", false),
			Delay:     g.Duration("threadPool.sizeController.delay", 2*time.Second),
			HighWater: g.Int("threadPool.sizeController.threshold", defaultSizeHigh),
			LowWater:  g.Int("threadPool.sizeController.lowWater", 0),
			IdleTicks: g.Int("threadPool.sizeController.idleTicks", 2),
		},
		Batch: BatchSettings{
			Enable: g.Bool("batchController.enable", false),
			Min:    g.Int("batchController.minBatch", 1),
			Max:    g.Int("batchController.maxBatch", defaultBatchMax),
		},
		RT: loadRT(g.Sub("rtController"), RTSettings{
			Target:       time.Second,
			Smoothing:    0.5,
			Window:       200,
			MinThreshold: 1,
			MaxThreshold: defaultRTMax,
			AdditiveStep: 2,
		}),
		Profile: ProfileSettings{
			Enable:     g.Bool("profile.enable", false),
			Delay:      g.Duration("profile.delay", defaultProfileDelay),
			SQLiteFile: g.String("profile.sqliteFile", ""),
		},
	}
}

// ForStage resolves the settings of the named stage.
func (s Settings) ForStage(cfg config.Config, name string) StageSettings {
	sc := cfg.Sub(defaultStagePrefix + name)
	pool := loadPool(sc.Sub("threadPool"), s.Pool)
	pool.SizeController = sc.Bool("threadPool.sizeController.enable", s.SizeController.Enable)
	return StageSettings{
		Name:           name,
		QueueThreshold: sc.Int("queueThreshold", s.DefaultQueueThreshold),
		RateLimit:      sc.Int("rateLimit", 0),
		Pool:           pool,
		RT:             loadRT(sc.Sub("rtController"), s.RT),
		Config:         sc,
	}
}

func loadPool(c config.Config, def PoolSettings) PoolSettings {
	p := PoolSettings{
		Initial:        c.Int("initialThreads", def.Initial),
		Min:            c.Int("minThreads", def.Min),
		Max:            c.Int("maxThreads", def.Max),
		BlockTime:      c.Duration("blockTime", def.BlockTime),
		IdleTime:       c.Duration("idleTime", def.IdleTime),
		SizeController: def.SizeController,
	}
	p.Min = max(p.Min, 1)
	p.Max = max(p.Max, p.Min)
	return p
}

func loadRT(c config.Config, def RTSettings) RTSettings {
	return RTSettings{
		Enable:       c.Bool("enable", def.Enable),
		Target:       c.Duration("targetResponseTime", def.Target),
		Smoothing:    c.Float("smoothConst", def.Smoothing),
		Window:       c.Int("window", def.Window),
		MinThreshold: c.Int("minThreshold", def.MinThreshold),
		MaxThreshold: c.Int("maxThreshold", def.MaxThreshold),
		AdditiveStep: c.Int("additiveStep", def.AdditiveStep),
	}
}
