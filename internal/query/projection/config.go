package projection

import "time"

const (
	CurrentStateTable = "projections.current_states"
	LocksTable        = "projections.locks"
	FailedEventsTable = "projections.failed_events"
)

// Config is the top-level configuration for the whole registry, decoded
// from YAML by internal/config (spec.md §6, "Environment-ish
// configuration").
type Config struct {
	RequeueEvery          Duration
	RetryFailedAfter      Duration
	BulkLimit             uint64
	MaxFailureCount       uint32
	ImmediateRetries      uint
	EnableLocking         bool
	LockTTL               Duration
	ConcurrentInstances   uint
	HandleActiveInstances Duration
	InstanceID            string

	// Customizations lets an operator override, for one named projection,
	// the fields listed in CustomConfig (RequeueEvery, RetryFailedAfter,
	// BulkLimit, MaxFailureCount, EnableLocking, LockTTL); the other fields
	// above cannot be overridden (spec.md §3, ProjectionConfig).
	Customizations map[string]CustomConfig
}

type CustomConfig struct {
	RequeueEvery     *Duration
	RetryFailedAfter *Duration
	BulkLimit        *uint64
	MaxFailureCount  *uint32
	EnableLocking    *bool
	LockTTL          *Duration
}

// Duration wraps time.Duration so it can be decoded from a plain "100ms"
// style string by viper/mapstructure without a custom hook per field.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func DefaultConfig() Config {
	return Config{
		RequeueEvery:          Duration{time.Second},
		RetryFailedAfter:      Duration{time.Second},
		BulkLimit:             200,
		MaxFailureCount:       5,
		ImmediateRetries:      3,
		EnableLocking:         true,
		LockTTL:               Duration{60 * time.Second},
		ConcurrentInstances:   5,
		HandleActiveInstances: Duration{2 * time.Minute},
	}
}
