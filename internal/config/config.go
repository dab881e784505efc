// Package config handles configuration loading for the residual analysis server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultDatasetID names the dataset of a single-dataset configuration.
const DefaultDatasetID = "default"

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Cache    CacheConfig    `yaml:"cache"`
	Jobs     JobsConfig     `yaml:"jobs"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// DatasetConfig lists the input files of one dataset.
type DatasetConfig struct {
	Name string `yaml:"name"`
	// DrugResponse rows are indexed by drug id, name and screen version.
	DrugResponse      string `yaml:"drug_response"`
	DrugIndexColumns  int    `yaml:"drug_index_columns"`
	Screen            string `yaml:"screen"`
	Events            string `yaml:"events"`
	Associations      string `yaml:"associations"`
	EssentialGenes    string `yaml:"essential_genes"`
	NonEssentialGenes string `yaml:"nonessential_genes"`
}

// DataConfig holds one or more named datasets in file order.
//
// Two YAML layouts are accepted. The legacy layout has the dataset fields
// directly under data and yields one dataset named "default". The multi-dataset
// layout maps dataset ids to dataset fields; the first id is the default.
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string
	order          []string
}

var legacyKeys = map[string]bool{
	"name": true, "drug_response": true, "drug_index_columns": true, "screen": true,
	"events": true, "associations": true, "essential_genes": true, "nonessential_genes": true,
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("config: data must be a mapping, got line %d", node.Line)
	}

	legacy := false
	for i := 0; i < len(node.Content); i += 2 {
		if legacyKeys[node.Content[i].Value] {
			legacy = true
			break
		}
	}
	if legacy {
		var ds DatasetConfig
		if err := node.Decode(&ds); err != nil {
			return err
		}
		d.Datasets = map[string]DatasetConfig{DefaultDatasetID: ds}
		d.order = []string{DefaultDatasetID}
		d.DefaultDataset = DefaultDatasetID
		return nil
	}

	d.Datasets = make(map[string]DatasetConfig)
	d.order = nil
	for i := 0; i < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("config: dataset %q: %w", id, err)
		}
		if _, dup := d.Datasets[id]; dup {
			return fmt.Errorf("config: duplicate dataset %q", id)
		}
		d.Datasets[id] = ds
		d.order = append(d.order, id)
	}
	if len(d.order) > 0 {
		d.DefaultDataset = d.order[0]
	}
	return nil
}

// DatasetIDs returns the dataset ids in file order.
func (d DataConfig) DatasetIDs() []string {
	return append([]string(nil), d.order...)
}

// Dataset returns the dataset config for id; an empty id selects the default.
func (d DataConfig) Dataset(id string) (DatasetConfig, bool) {
	if id == "" {
		id = d.DefaultDataset
	}
	ds, ok := d.Datasets[id]
	return ds, ok
}

// AnalysisConfig contains analysis defaults.
type AnalysisConfig struct {
	MinSupport int `yaml:"min_support"`
	// BatchWorkers bounds the parallel pair analyses of a batch.
	BatchWorkers int `yaml:"batch_workers"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	ReportSizeMB     int `yaml:"report_size_mb"`
	ReportTTLMinutes int `yaml:"report_ttl_minutes"`
	QueryCacheSize   int `yaml:"query_cache_size"`
}

// JobsConfig contains background job settings.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Drug residual associations",
		},
		Data: DataConfig{
			Datasets:       map[string]DatasetConfig{DefaultDatasetID: defaultDataset()},
			DefaultDataset: DefaultDatasetID,
			order:          []string{DefaultDatasetID},
		},
		Analysis: AnalysisConfig{
			MinSupport:   5,
			BatchWorkers: 4,
		},
		Cache: CacheConfig{
			ReportSizeMB:     256,
			ReportTTLMinutes: 30,
			QueryCacheSize:   1000,
		},
		Jobs: JobsConfig{
			MaxConcurrent: 2,
			SQLitePath:    "./data/jobs/jobs.sqlite",
			RetentionDays: 7,
		},
	}
}

func defaultDataset() DatasetConfig {
	return DatasetConfig{
		DrugResponse:     "./data/drug_response.tsv",
		DrugIndexColumns: 3,
		Screen:           "./data/crispr_logfc.tsv",
		Events:           "./data/mobem.tsv",
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	for id, ds := range cfg.Data.Datasets {
		if ds.DrugIndexColumns == 0 {
			ds.DrugIndexColumns = defaults.Data.Datasets[DefaultDatasetID].DrugIndexColumns
		}
		if ds.Name == "" {
			ds.Name = id
		}
		cfg.Data.Datasets[id] = ds
	}
	if cfg.Analysis.MinSupport == 0 {
		cfg.Analysis.MinSupport = defaults.Analysis.MinSupport
	}
	if cfg.Analysis.BatchWorkers == 0 {
		cfg.Analysis.BatchWorkers = defaults.Analysis.BatchWorkers
	}
	if cfg.Cache.ReportSizeMB == 0 {
		cfg.Cache.ReportSizeMB = defaults.Cache.ReportSizeMB
	}
	if cfg.Cache.ReportTTLMinutes == 0 {
		cfg.Cache.ReportTTLMinutes = defaults.Cache.ReportTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
}
