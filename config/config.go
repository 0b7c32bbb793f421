package config

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

const (
	DefaultPaxosLogFolder  = "paxosLog"
	DefaultMaxConnAttempts = 20
)

// Config carries every tunable consumed by the node. Values are owned by the
// caller; components read them once at construction.
type Config struct {
	// failure detection
	FailureDetectionTimeout time.Duration
	PingInterval            time.Duration

	// transport
	MaxConnectAttempts int
	ConnectCooldown    time.Duration
	DialTimeout        time.Duration
	MaxFrameSize       int
	WriteQueueLen      int

	// consensus
	PaxosLogFolder     string
	Durable            bool
	AcceptTimeout      time.Duration
	CheckpointInterval int64
	DedupWindow        int

	// replica sets
	MinReplica int
	MaxReplica int
	VoteWindow int

	// reconfiguration
	ReconfigStepTimeout time.Duration
	ReconfigMaxRetries  int
	PrevValueRetries    int

	// executor
	Workers   int
	QueueSize int

	QueryTimeout  time.Duration
	StatsInterval time.Duration
	LoadInterval  time.Duration

	LogLevel string
}

func Default() *Config {
	return &Config{
		FailureDetectionTimeout: 30 * time.Second,
		PingInterval:            10 * time.Second,
		MaxConnectAttempts:      DefaultMaxConnAttempts,
		ConnectCooldown:         30 * time.Second,
		DialTimeout:             2 * time.Second,
		MaxFrameSize:            16 << 20,
		WriteQueueLen:           4096,
		PaxosLogFolder:          DefaultPaxosLogFolder,
		Durable:                 true,
		AcceptTimeout:           time.Second,
		CheckpointInterval:      100,
		DedupWindow:             10000,
		MinReplica:              3,
		MaxReplica:              100,
		VoteWindow:              5,
		ReconfigStepTimeout:     2 * time.Second,
		ReconfigMaxRetries:      5,
		PrevValueRetries:        10,
		Workers:                 16,
		QueueSize:               10000,
		QueryTimeout:            2 * time.Second,
		StatsInterval:           10 * time.Second,
		LoadInterval:            10 * time.Second,
		LogLevel:                "info",
	}
}

// BindFlags registers every field on fs, using the current values as
// defaults.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.DurationVar(&c.FailureDetectionTimeout, "fdtimeout", c.FailureDetectionTimeout, "Time without contact before a peer is suspected")
	fs.DurationVar(&c.PingInterval, "fdping", c.PingInterval, "Interval between failure detection pings")
	fs.IntVar(&c.MaxConnectAttempts, "maxconnattempts", c.MaxConnectAttempts, "Connection attempts to a node before sends to it are refused")
	fs.DurationVar(&c.ConnectCooldown, "connectcooldown", c.ConnectCooldown, "Wait after the last failed attempt before an exhausted node is dialed again")
	fs.DurationVar(&c.DialTimeout, "dialtimeout", c.DialTimeout, "Timeout of a single connection attempt")
	fs.IntVar(&c.MaxFrameSize, "maxframe", c.MaxFrameSize, "Largest accepted frame payload in bytes")
	fs.IntVar(&c.WriteQueueLen, "writequeue", c.WriteQueueLen, "Frames queued per connection before sends are refused")
	fs.StringVar(&c.PaxosLogFolder, "paxoslog", c.PaxosLogFolder, "Folder holding paxos logs and checkpoints")
	fs.BoolVar(&c.Durable, "durable", c.Durable, "Log accepts and checkpoints to stable storage")
	fs.DurationVar(&c.AcceptTimeout, "accepttimeout", c.AcceptTimeout, "Time before an undecided slot is re-driven")
	fs.Int64Var(&c.CheckpointInterval, "checkpointinterval", c.CheckpointInterval, "Applied slots between checkpoints")
	fs.IntVar(&c.DedupWindow, "dedupwindow", c.DedupWindow, "Decided request ids remembered per name")
	fs.IntVar(&c.MinReplica, "minreplica", c.MinReplica, "Smallest replica set accepted for a name")
	fs.IntVar(&c.MaxReplica, "maxreplica", c.MaxReplica, "Largest replica set accepted for a name")
	fs.IntVar(&c.VoteWindow, "votewindow", c.VoteWindow, "Name server votes considered when selecting actives")
	fs.DurationVar(&c.ReconfigStepTimeout, "reconfigtimeout", c.ReconfigStepTimeout, "Wait before a reconfiguration step is retried")
	fs.IntVar(&c.ReconfigMaxRetries, "reconfigretries", c.ReconfigMaxRetries, "Retries of a reconfiguration step before the change is abandoned")
	fs.IntVar(&c.PrevValueRetries, "prevvalueretries", c.PrevValueRetries, "State fetch attempts made by a new active")
	fs.IntVar(&c.Workers, "workers", c.Workers, "Goroutines executing handled packets")
	fs.IntVar(&c.QueueSize, "queue", c.QueueSize, "Packets queued for execution")
	fs.DurationVar(&c.QueryTimeout, "querytimeout", c.QueryTimeout, "Wait for a cross-node query reply")
	fs.DurationVar(&c.StatsInterval, "statsinterval", c.StatsInterval, "Interval of message count logging")
	fs.DurationVar(&c.LoadInterval, "loadinterval", c.LoadInterval, "Interval of load reports")
	fs.StringVar(&c.LogLevel, "loglevel", c.LogLevel, "trace, debug, info, warn or error")
}

func (c *Config) Validate() error {
	var errs []error
	if c.PingInterval <= 0 {
		errs = append(errs, errors.New("ping interval must be positive"))
	}
	if c.FailureDetectionTimeout <= c.PingInterval {
		errs = append(errs, fmt.Errorf("failure detection timeout %v must exceed ping interval %v", c.FailureDetectionTimeout, c.PingInterval))
	}
	for name, d := range map[string]time.Duration{
		"accept timeout":          c.AcceptTimeout,
		"reconfiguration timeout": c.ReconfigStepTimeout,
		"stats interval":          c.StatsInterval,
		"load interval":           c.LoadInterval,
		"query timeout":           c.QueryTimeout,
		"connect cooldown":        c.ConnectCooldown,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.MaxConnectAttempts < 1 {
		errs = append(errs, errors.New("max connect attempts must be at least 1"))
	}
	if c.MinReplica < 1 || c.MaxReplica < c.MinReplica {
		errs = append(errs, fmt.Errorf("bad replica bounds [%d, %d]", c.MinReplica, c.MaxReplica))
	}
	if c.CheckpointInterval < 1 {
		errs = append(errs, errors.New("checkpoint interval must be at least 1"))
	}
	if c.Workers < 1 || c.QueueSize < 1 {
		errs = append(errs, errors.New("executor needs at least one worker and queue slot"))
	}
	if c.ReconfigMaxRetries < 0 || c.PrevValueRetries < 1 {
		errs = append(errs, errors.New("bad reconfiguration retry bounds"))
	}
	if c.MaxFrameSize < 1 || c.WriteQueueLen < 1 {
		errs = append(errs, errors.New("bad transport bounds"))
	}
	return joinErrors(errs)
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return fmt.Errorf("invalid config: %w", errors.New(msg))
}
