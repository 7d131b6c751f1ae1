package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Index     IndexConfig     `yaml:"index"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Retention RetentionConfig `yaml:"retention"`
	Spatial   SpatialConfig   `yaml:"spatial"`
}

type ServerConfig struct {
	Addr    string `yaml:"addr"`     // HTTP Listen Address (e.g. :8080)
	TCPAddr string `yaml:"tcp_addr"` // TCP Listen Address (e.g. :9090)
}

type IndexConfig struct {
	Order             int           `yaml:"order"`
	IngestQueueSize   int           `yaml:"ingest_queue_size"`
	QueryQueueSize    int           `yaml:"query_queue_size"`
	EventBufferSize   int           `yaml:"event_buffer_size"`
	QueryWorkers      int           `yaml:"query_workers"`
	TreeTimeSpan      time.Duration `yaml:"tree_time_span"`
	TreeTupleCapacity int64         `yaml:"tree_tuple_capacity"`
	TreeByteCapacity  int64         `yaml:"tree_byte_capacity"`
	TemplateMode      bool          `yaml:"template_mode"`
	KeyLower          int64         `yaml:"key_lower"`
	KeyUpper          int64         `yaml:"key_upper"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

type RetentionConfig struct {
	MaxColdTrees int           `yaml:"max_cold_trees"` // 0 keeps every cold tree
	MaxAge       time.Duration `yaml:"max_age"` // 0 disables age based eviction
	Interval     time.Duration `yaml:"interval"`
}

type SpatialConfig struct {
	X1         float64 `yaml:"x1"`
	X2         float64 `yaml:"x2"`
	Y1         float64 `yaml:"y1"`
	Y2         float64 `yaml:"y2"`
	Partitions uint32  `yaml:"partitions"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:    ":8080",
			TCPAddr: ":9090",
		},
		Index: IndexConfig{
			Order:             64,
			IngestQueueSize:   1024,
			QueryQueueSize:    1024,
			EventBufferSize:   256,
			QueryWorkers:      4,
			TreeTimeSpan:      time.Minute,
			TreeTupleCapacity: 1_000_000,
			TreeByteCapacity:  256 << 20,
		},
		Catalog: CatalogConfig{
			Path: "rtindex_data/catalog.db",
		},
		Retention: RetentionConfig{
			MaxColdTrees: 16,
			Interval:     5 * time.Second,
		},
		Spatial: SpatialConfig{
			X1:         116.0,
			X2:         117.0,
			Y1:         39.6,
			Y2:         40.6,
			Partitions: 128,
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		for _, p := range []string{"configs/rtindex.yaml", "rtindex.yaml"} {
			data, err := os.ReadFile(p)
			if err == nil {
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return cfg, err
				}
				applyDefaults(cfg)
				return cfg, nil
			}
		}
		applyDefaults(cfg)
		return cfg, nil // no file found: use defaults
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Index.Order < 2 {
		cfg.Index.Order = def.Index.Order
	}
	if cfg.Index.IngestQueueSize <= 0 {
		cfg.Index.IngestQueueSize = def.Index.IngestQueueSize
	}
	if cfg.Index.QueryQueueSize <= 0 {
		cfg.Index.QueryQueueSize = def.Index.QueryQueueSize
	}
	if cfg.Index.EventBufferSize < 0 {
		cfg.Index.EventBufferSize = def.Index.EventBufferSize
	}
	if cfg.Index.QueryWorkers <= 0 {
		cfg.Index.QueryWorkers = def.Index.QueryWorkers
	}
	if cfg.Index.TreeTimeSpan <= 0 {
		cfg.Index.TreeTimeSpan = def.Index.TreeTimeSpan
	}
	if cfg.Index.TreeTupleCapacity <= 0 {
		cfg.Index.TreeTupleCapacity = def.Index.TreeTupleCapacity
	}
	if cfg.Index.TreeByteCapacity <= 0 {
		cfg.Index.TreeByteCapacity = def.Index.TreeByteCapacity
	}
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = def.Catalog.Path
	}
	if cfg.Retention.MaxColdTrees < 0 {
		cfg.Retention.MaxColdTrees = 0
	}
	if cfg.Retention.Interval <= 0 {
		cfg.Retention.Interval = def.Retention.Interval
	}
	if cfg.Spatial.X1 >= cfg.Spatial.X2 || cfg.Spatial.Y1 >= cfg.Spatial.Y2 {
		cfg.Spatial.X1, cfg.Spatial.X2 = def.Spatial.X1, def.Spatial.X2
		cfg.Spatial.Y1, cfg.Spatial.Y2 = def.Spatial.Y1, def.Spatial.Y2
	}
	if cfg.Spatial.Partitions == 0 {
		cfg.Spatial.Partitions = def.Spatial.Partitions
	}
}
