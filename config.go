package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/keyhound/keyhound/keysource"
	"github.com/keyhound/keyhound/pipeline"
	"gopkg.in/yaml.v3"
)

// Command selects the operation the process performs.
type Command string

const (
	CommandFind               Command = "Find"
	CommandAddressFilesToLMDB Command = "AddressFilesToLMDB"
	CommandLMDBToAddressFile  Command = "LMDBToAddressFile"
	CommandOpenCLInfo         Command = "OpenCLInfo"
)

type Config struct {
	originalFilepath string

	Command Command `json:"command" yaml:"command"`

	Find               *FindConfig   `json:"find,omitempty" yaml:"find"`
	AddressFilesToLMDB *ImportConfig `json:"addressFilesToLMDB,omitempty" yaml:"addressFilesToLMDB"`
	LMDBToAddressFile  *ExportConfig `json:"lmdbToAddressFile,omitempty" yaml:"lmdbToAddressFile"`
}

// StoreConfig locates the address store and sets the minimum LMDB map size.
type StoreConfig struct {
	Path            string `json:"path" yaml:"path"`
	MinMapSizeBytes int64  `json:"minMapSizeBytes" yaml:"minMapSizeBytes"`
}

type KeySourceConfig struct {
	ID       string `json:"id" yaml:"id"`
	Kind     string `json:"kind" yaml:"kind"`
	Seed     int64  `json:"seed,omitempty" yaml:"seed"`
	MaskBits uint   `json:"maskBits,omitempty" yaml:"maskBits"`
	Path     string `json:"path,omitempty" yaml:"path"`
	Format   string `json:"format,omitempty" yaml:"format"`
}

type ProducerConfig struct {
	KeySource string `json:"keySource" yaml:"keySource"`
	GridBits  uint   `json:"gridBits" yaml:"gridBits"`
	RunOnce   bool   `json:"runOnce,omitempty" yaml:"runOnce"`

	// file-replay producers
	BatchSize int `json:"batchSize,omitempty" yaml:"batchSize"`

	// gpu producers
	Platform    int    `json:"platform,omitempty" yaml:"platform"`
	Device      int    `json:"device,omitempty" yaml:"device"`
	BISTFailure string `json:"bistFailure,omitempty" yaml:"bistFailure"`
}

type ConsumerConfig struct {
	Pattern                string `json:"pattern,omitempty" yaml:"pattern"`
	HitFile                string `json:"hitFile" yaml:"hitFile"`
	Threads                int    `json:"threads,omitempty" yaml:"threads"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds,omitempty" yaml:"shutdownTimeoutSeconds"`
}

type FindConfig struct {
	Store               StoreConfig       `json:"store" yaml:"store"`
	KeySources          []KeySourceConfig `json:"keySources" yaml:"keySources"`
	ProducersCPU        []ProducerConfig  `json:"producersCPU,omitempty" yaml:"producersCPU"`
	ProducersFileReplay []ProducerConfig  `json:"producersFileReplay,omitempty" yaml:"producersFileReplay"`
	ProducersGPU        []ProducerConfig  `json:"producersGPU,omitempty" yaml:"producersGPU"`
	Consumer            ConsumerConfig    `json:"consumer" yaml:"consumer"`
}

type ImportConfig struct {
	Store StoreConfig `json:"store" yaml:"store"`
	Files []string    `json:"files" yaml:"files"`
}

type ExportConfig struct {
	Store      StoreConfig `json:"store" yaml:"store"`
	OutputFile string      `json:"outputFile" yaml:"outputFile"`
	FixedWidth bool        `json:"fixedWidth,omitempty" yaml:"fixedWidth"`
}

func LoadConfig(configFilepath string) (*Config, error) {
	var config Config
	if isJSONFile(configFilepath) {
		if err := loadFromJSON(configFilepath, &config); err != nil {
			return nil, err
		}
	} else if isYAMLFile(configFilepath) {
		if err := loadFromYAML(configFilepath, &config); err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("config file %q must be JSON or YAML", configFilepath)
	}
	config.originalFilepath = configFilepath
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config file %q: %w", configFilepath, err)
	}
	return &config, nil
}

func isJSONFile(path string) bool {
	return filepath.Ext(path) == ".json"
}

func isYAMLFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

func loadFromJSON(configFilepath string, dst *Config) error {
	file, err := os.Open(configFilepath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()
	dec := json.NewDecoder(file)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func loadFromYAML(configFilepath string, dst *Config) error {
	file, err := os.Open(configFilepath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()
	return yaml.NewDecoder(file).Decode(dst)
}

func (c *Config) Validate() error {
	switch c.Command {
	case CommandFind:
		if c.Find == nil {
			return fmt.Errorf("command %s requires a \"find\" section", c.Command)
		}
		if c.Find.Store.Path == "" {
			return fmt.Errorf("find.store.path is required")
		}
		if c.Find.Consumer.HitFile == "" {
			return fmt.Errorf("find.consumer.hitFile is required")
		}
	case CommandAddressFilesToLMDB:
		if c.AddressFilesToLMDB == nil {
			return fmt.Errorf("command %s requires an \"addressFilesToLMDB\" section", c.Command)
		}
		if len(c.AddressFilesToLMDB.Files) == 0 {
			return fmt.Errorf("addressFilesToLMDB.files must name at least one dump file")
		}
	case CommandLMDBToAddressFile:
		if c.LMDBToAddressFile == nil {
			return fmt.Errorf("command %s requires an \"lmdbToAddressFile\" section", c.Command)
		}
		if c.LMDBToAddressFile.OutputFile == "" {
			return fmt.Errorf("lmdbToAddressFile.outputFile is required")
		}
	case CommandOpenCLInfo:
	case "":
		return fmt.Errorf("missing \"command\"")
	default:
		return fmt.Errorf("unknown command %q", c.Command)
	}
	return nil
}

// PipelineOptions maps the Find section onto the pipeline configuration.
func (c *FindConfig) PipelineOptions() pipeline.Options {
	opts := pipeline.Options{
		StorePath:       c.Store.Path,
		StoreMinMapSize: c.Store.MinMapSizeBytes,
		SinkPath:        c.Consumer.HitFile,
		VanityPattern:   c.Consumer.Pattern,
		ConsumerThreads: c.Consumer.Threads,
		ShutdownTimeout: time.Duration(c.Consumer.ShutdownTimeoutSeconds) * time.Second,
	}
	for _, ks := range c.KeySources {
		opts.KeySources = append(opts.KeySources, keysource.Spec{
			ID:       ks.ID,
			Kind:     keysource.Kind(ks.Kind),
			Seed:     ks.Seed,
			MaskBits: ks.MaskBits,
			Path:     ks.Path,
			Format:   keysource.Format(ks.Format),
		})
	}
	add := func(kind pipeline.ProducerKind, specs []ProducerConfig) {
		for _, p := range specs {
			opts.Producers = append(opts.Producers, pipeline.ProducerSpec{
				Kind:        kind,
				KeySource:   p.KeySource,
				GridBits:    p.GridBits,
				RunOnce:     p.RunOnce,
				BatchSize:   p.BatchSize,
				Platform:    p.Platform,
				Device:      p.Device,
				BISTFailure: pipeline.BISTPolicy(p.BISTFailure),
			})
		}
	}
	add(pipeline.KindCPU, c.ProducersCPU)
	add(pipeline.KindFileReplay, c.ProducersFileReplay)
	add(pipeline.KindGPU, c.ProducersGPU)
	return opts
}
