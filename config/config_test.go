package config_test

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"

	"github.com/datakit/tabflow/config"
)

func TestStaticProviderDefaults(t *testing.T) {
	p := config.NewStaticProvider()
	perf := p.GetPerformanceConfig()
	assert.Equal(t, config.DefaultChunkSize, perf.ChunkSize)
	assert.Equal(t, config.DefaultMaxFieldSize, perf.MaxFieldSize)

	stream := p.GetStreamingConfig()
	assert.Equal(t, config.DefaultMemoryThresholdMB, stream.MemoryThresholdMB)
}

func TestViperProviderReadsOverrides(t *testing.T) {
	v := viper.New()
	v.Set("tabflow.performance.chunk_size", 4096)
	v.Set("tabflow.streaming.memory_threshold_mb", 50)

	p := config.NewViperProvider(v)
	perf := p.GetPerformanceConfig()
	assert.Equal(t, 4096, perf.ChunkSize)
	// Unset keys still fall back to the seeded defaults.
	assert.Equal(t, config.DefaultMaxFieldSize, perf.MaxFieldSize)

	assert.Equal(t, 50, p.GetStreamingConfig().MemoryThresholdMB)
}

func TestViperProviderNilConstructsOwnInstance(t *testing.T) {
	p := config.NewViperProvider(nil)
	assert.Equal(t, config.DefaultBatchSize, p.GetPerformanceConfig().BatchSize)
}
