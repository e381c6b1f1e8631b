// Config is a key/value map for coordinator tunables, adapted from the
// indexing service's own configuration convention: keys are
// dot-separated paths, values carry a default and a mutability flag, and
// the whole map is swapped atomically so readers never observe a
// torn update.
//
// Shape of config-parameter, the key string, is a sequence of
// alpha-numeric characters separated by one or more '.', e.g.
//      "indexbuild.scheduler.maxRetries"

package common

import (
	"fmt"
	"sync/atomic"
)

// ConfigValue holds one configuration parameter: its current value, a
// human-readable help string, the value it started life at, and whether
// it may be changed after the coordinator has started.
type ConfigValue struct {
	Value      interface{}
	Help       string
	DefaultVal interface{}
	Immutable  bool
}

// Config is a key, value map with key always being a string.
type Config map[string]ConfigValue

// ConfigHolder is a threadsafe config holder object: readers Load() a
// fully-formed snapshot without ever blocking a concurrent Store().
type ConfigHolder struct {
	ptr atomic.Value
}

func (h *ConfigHolder) Store(conf Config) {
	h.ptr.Store(conf)
}

func (h *ConfigHolder) Load() Config {
	v := h.ptr.Load()
	if v == nil {
		return nil
	}
	return v.(Config)
}

// SystemConfig is the registry of all coordinator tunables and their
// defaults. New coordinator processes start from a clone of this map.
var SystemConfig = Config{
	"indexbuild.numWorkers": ConfigValue{
		Value: 8, DefaultVal: 8,
		Help: "Number of concurrent worker threads available to run Drivers",
	},
	"indexbuild.twoPhaseEnabled": ConfigValue{
		Value: true, DefaultVal: true,
		Help: "Whether new builds may use the two-phase commit protocol",
	},
	"indexbuild.featureCompatVersion": ConfigValue{
		Value: int32(FeatureCompatV44), DefaultVal: int32(FeatureCompatV44),
		Help: "Cluster-wide feature compatibility version gating protocol selection",
	},
	"indexbuild.commitGate.pollInterval": ConfigValue{
		Value: 50, DefaultVal: 50,
		Help: "Milliseconds between liveness checks while a Driver waits at the commit gate",
	},
	"indexbuild.scheduler.maxRetries": ConfigValue{
		Value: 1000, DefaultVal: 1000,
		Help: "Maximum scheduled retry attempts for a build that failed with a transient error",
	},
	"indexbuild.scheduler.backoffMinMs": ConfigValue{
		Value: 50, DefaultVal: 50,
		Help: "Minimum randomized backoff before a scheduled retry, in milliseconds",
	},
	"indexbuild.scheduler.backoffMaxMs": ConfigValue{
		Value: 5000, DefaultVal: 5000,
		Help: "Maximum randomized backoff before a scheduled retry, in milliseconds",
	},
}

// NewConfig clones the system defaults so a caller can override individual
// keys without mutating the global registry.
func NewConfig() Config {
	clone := make(Config, len(SystemConfig))
	for k, v := range SystemConfig {
		clone[k] = v
	}
	return clone
}

// SetValue overrides a key's current value, refusing writes to immutable
// keys once set.
func (config Config) SetValue(key string, value interface{}) error {
	cv, ok := config[key]
	if !ok {
		return fmt.Errorf("common.Config: unknown key %q", key)
	}
	if cv.Immutable {
		return fmt.Errorf("common.Config: key %q is immutable", key)
	}
	cv.Value = value
	config[key] = cv
	return nil
}

func (config Config) Int(key string) int {
	v, ok := config[key]
	if !ok {
		return 0
	}
	i, _ := v.Value.(int)
	return i
}

func (config Config) Bool(key string) bool {
	v, ok := config[key]
	if !ok {
		return false
	}
	b, _ := v.Value.(bool)
	return b
}

func (config Config) Int32(key string) int32 {
	v, ok := config[key]
	if !ok {
		return 0
	}
	i, _ := v.Value.(int32)
	return i
}

// Clone returns an independent copy of this Config.
func (config Config) Clone() Config {
	clone := make(Config, len(config))
	for k, v := range config {
		clone[k] = v
	}
	return clone
}
