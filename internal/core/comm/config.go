package comm

import "time"

// Format identifies an envelope encoding. JSON is the only format with a
// native codec; the others are accepted and currently encode as JSON, an
// explicit compatibility shim kept until real codecs land.
type Format string

const (
	FormatJSON     Format = "json"
	FormatMsgPack  Format = "msgpack"
	FormatProtobuf Format = "protobuf"
	FormatAvro     Format = "avro"
)

// SerializerConfig controls envelope encoding defaults.
type SerializerConfig struct {
	Format      Format `yaml:"format" json:"format"`
	Compression bool   `yaml:"compression" json:"compression"`
	Encryption  bool   `yaml:"encryption" json:"encryption"`
}

// RouterConfig controls path resolution.
type RouterConfig struct {
	Enabled      bool `yaml:"enabled" json:"enabled"`
	CacheEnabled bool `yaml:"cache_enabled" json:"cache_enabled"`
	CacheSize    int  `yaml:"cache_size" json:"cache_size"`
	MaxHops      int  `yaml:"max_hops" json:"max_hops"`
}

// ValidatorConfig controls pre-send validation. In strict mode warnings
// fail validation alongside errors.
type ValidatorConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Strict  bool `yaml:"strict" json:"strict"`
}

// QueueConfig controls the priority queue and its dispatch loop.
type QueueConfig struct {
	MaxSize           int           `yaml:"max_size" json:"max_size"`
	BatchSize         int           `yaml:"batch_size" json:"batch_size"`
	WindowSize        int           `yaml:"window_size" json:"window_size"`
	FlowRate          int           `yaml:"flow_rate" json:"flow_rate"` // messages per second
	RetryAttempts     int           `yaml:"retry_attempts" json:"retry_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay" json:"retry_delay"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout" json:"processing_timeout"`
	DeadLetterLimit   int           `yaml:"dead_letter_limit" json:"dead_letter_limit"`
}

// Config aggregates the per-component configuration of a Manager.
type Config struct {
	Serializer SerializerConfig `yaml:"serializer" json:"serializer"`
	Router     RouterConfig     `yaml:"router" json:"router"`
	Validator  ValidatorConfig  `yaml:"validator" json:"validator"`
	Queue      QueueConfig      `yaml:"queue" json:"queue"`
}

// Overrides replaces whole top-level sections of a Config. Sections left
// nil keep their current value; a non-nil section replaces the section
// wholesale.
type Overrides struct {
	Serializer *SerializerConfig `yaml:"serializer" json:"serializer"`
	Router     *RouterConfig     `yaml:"router" json:"router"`
	Validator  *ValidatorConfig  `yaml:"validator" json:"validator"`
	Queue      *QueueConfig      `yaml:"queue" json:"queue"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Serializer: SerializerConfig{
			Format:      FormatJSON,
			Compression: false,
			Encryption:  false,
		},
		Router: RouterConfig{
			Enabled:      true,
			CacheEnabled: true,
			CacheSize:    1000,
			MaxHops:      10,
		},
		Validator: ValidatorConfig{
			Enabled: true,
			Strict:  false,
		},
		Queue: QueueConfig{
			MaxSize:           10000,
			BatchSize:         10,
			WindowSize:        100,
			FlowRate:          100,
			RetryAttempts:     3,
			RetryDelay:        time.Second,
			ProcessingTimeout: 30 * time.Second,
			DeadLetterLimit:   1000,
		},
	}
}

// With merges the overrides into the config, section by section.
func (c Config) With(o Overrides) Config {
	if o.Serializer != nil {
		c.Serializer = *o.Serializer
	}
	if o.Router != nil {
		c.Router = *o.Router
	}
	if o.Validator != nil {
		c.Validator = *o.Validator
	}
	if o.Queue != nil {
		c.Queue = *o.Queue
	}
	return c
}
