package config

import "github.com/spf13/viper"

// Viper config keys. Grouped under the "tabflow." prefix so the core's
// settings coexist with a host application's own viper namespace.
const (
	keyMaxRows              = "tabflow.performance.max_rows"
	keyChunkSize            = "tabflow.performance.chunk_size"
	keyMaxFieldSize         = "tabflow.performance.max_field_size"
	keySampleSize           = "tabflow.performance.sample_size"
	keyBatchSize            = "tabflow.performance.batch_size"
	keyMemoryThresholdBytes = "tabflow.performance.memory_threshold_bytes"
	keyMemoryThresholdMB    = "tabflow.streaming.memory_threshold_mb"
)

// ViperProvider implements Provider over a *viper.Viper instance, reading
// fresh values on every call so a host application's live config reload
// is observed on the next parse or detection.
type ViperProvider struct {
	v *viper.Viper
}

// NewViperProvider wraps v, seeding it with the spec's defaults via
// SetDefault so an application that never touches the tabflow.* keys still
// gets sane behaviour. Passing nil constructs a fresh, unshared *viper.Viper.
func NewViperProvider(v *viper.Viper) *ViperProvider {
	if v == nil {
		v = viper.New()
	}
	v.SetDefault(keyMaxRows, DefaultMaxRows)
	v.SetDefault(keyChunkSize, DefaultChunkSize)
	v.SetDefault(keyMaxFieldSize, DefaultMaxFieldSize)
	v.SetDefault(keySampleSize, DefaultSampleSize)
	v.SetDefault(keyBatchSize, DefaultBatchSize)
	v.SetDefault(keyMemoryThresholdBytes, DefaultMemoryThresholdBytes)
	v.SetDefault(keyMemoryThresholdMB, DefaultMemoryThresholdMB)
	return &ViperProvider{v: v}
}

func (p *ViperProvider) GetPerformanceConfig() PerformanceConfig {
	return PerformanceConfig{
		MaxRows:              p.v.GetInt(keyMaxRows),
		ChunkSize:            p.v.GetInt(keyChunkSize),
		MaxFieldSize:         p.v.GetInt(keyMaxFieldSize),
		SampleSize:           p.v.GetInt(keySampleSize),
		BatchSize:            p.v.GetInt(keyBatchSize),
		MemoryThresholdBytes: p.v.GetInt64(keyMemoryThresholdBytes),
	}
}

func (p *ViperProvider) GetStreamingConfig() StreamingConfig {
	return StreamingConfig{
		MemoryThresholdMB: p.v.GetInt(keyMemoryThresholdMB),
	}
}
