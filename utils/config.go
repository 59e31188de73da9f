package utils

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v2"

	"github.com/slabworks/segstore/utils/log"
)

var InstanceConfig SegstoreConfig

// SegstoreConfig is the parsed segstore.yml. Journal tunables trade write
// latency against batching amortization, see the journal package.
type SegstoreConfig struct {
	RootDirectory     string
	BlockSize         uint32
	SegmentSize       uint64
	SegmentsPerDevice uint32
	IODepth           int
	BatchCapacity     int
	BatchFlushSize    uint64
	PreferredFullness float64
	CircularSize      uint64
}

type aux struct {
	RootDirectory     string  `yaml:"root_directory"`
	BlockSize         uint32  `yaml:"block_size"`
	SegmentSize       uint64  `yaml:"segment_size"`
	SegmentsPerDevice uint32  `yaml:"segments_per_device"`
	IODepth           int     `yaml:"io_depth"`
	BatchCapacity     int     `yaml:"batch_capacity"`
	BatchFlushSize    uint64  `yaml:"batch_flush_size"`
	PreferredFullness float64 `yaml:"preferred_fullness"`
	CircularSize      uint64  `yaml:"circular_size"`
}

const (
	defaultBlockSize         = 4096
	defaultSegmentSize       = 64 << 20
	defaultSegmentsPerDevice = 64
	defaultIODepth           = 4
	defaultBatchCapacity     = 16
	defaultBatchFlushSize    = 1 << 20
	defaultPreferredFullness = 0.95
	defaultCircularSize      = 1 << 26
)

// Parse populates the config from yaml data, applying defaults for
// omitted fields.
func (m *SegstoreConfig) Parse(data []byte) error {
	a := aux{
		BlockSize:         defaultBlockSize,
		SegmentSize:       defaultSegmentSize,
		SegmentsPerDevice: defaultSegmentsPerDevice,
		IODepth:           defaultIODepth,
		BatchCapacity:     defaultBatchCapacity,
		BatchFlushSize:    defaultBatchFlushSize,
		PreferredFullness: defaultPreferredFullness,
		CircularSize:      defaultCircularSize,
	}
	if err := yaml.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if a.RootDirectory == "" {
		log.Error("Invalid root directory.")
		return errors.New("invalid root directory")
	}
	if a.BlockSize == 0 || a.BlockSize&(a.BlockSize-1) != 0 {
		log.Error("Invalid block size %d - must be a power of two.", a.BlockSize)
		return errors.New("invalid block size")
	}
	if a.SegmentSize%uint64(a.BlockSize) != 0 {
		log.Error("Segment size %d is not block aligned.", a.SegmentSize)
		return errors.New("invalid segment size")
	}
	if a.IODepth <= 0 || a.BatchCapacity <= 0 {
		log.Error("io_depth and batch_capacity must be positive.")
		return errors.New("invalid submitter config")
	}
	if a.PreferredFullness < 0 || a.PreferredFullness > 1 {
		log.Error("preferred_fullness %v out of [0, 1].", a.PreferredFullness)
		return errors.New("invalid preferred fullness")
	}

	m.RootDirectory = a.RootDirectory
	m.BlockSize = a.BlockSize
	m.SegmentSize = a.SegmentSize
	m.SegmentsPerDevice = a.SegmentsPerDevice
	m.IODepth = a.IODepth
	m.BatchCapacity = a.BatchCapacity
	m.BatchFlushSize = a.BatchFlushSize
	m.PreferredFullness = a.PreferredFullness
	m.CircularSize = a.CircularSize
	return nil
}
