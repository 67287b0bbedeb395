package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	TaskConversational = "conversational"
	TaskTextGeneration = "text-generation"

	DefaultPromptTemplate = "You are a helpful assistant.\n" +
		"Use ONLY the context below to answer the question.\n" +
		"If the answer is not in the context, say \"{fallback}\".\n\n" +
		"Context:\n{context}\n\n" +
		"Question: {question}"

	DefaultFallbackPhrase = "I don't know"

	HuggingFaceRouterURL = "https://router.huggingface.co/v1"
)

type Config struct {
	LLM struct {
		Provider     string        `yaml:"provider" validate:"oneof=huggingface ollama openai"`
		Task         string        `yaml:"task" validate:"oneof=conversational text-generation"`
		Model        string        `yaml:"model" validate:"required"`
		BaseURL      string        `yaml:"base_url" validate:"omitempty,url"`
		APIKey       string        `yaml:"api_key"`
		SystemPrompt string        `yaml:"system_prompt"`
		MaxTokens    int           `yaml:"max_tokens" validate:"min=1,max=4096"`
		Temperature  float64       `yaml:"temperature" validate:"min=0,max=2"`
		Timeout      time.Duration `yaml:"timeout" validate:"min=0"`
	} `yaml:"llm"`

	Embedding struct {
		Provider   string        `yaml:"provider" validate:"oneof=huggingface ollama openai hash"`
		Model      string        `yaml:"model" validate:"required_unless=Provider hash"`
		BaseURL    string        `yaml:"base_url" validate:"omitempty,url"`
		APIKey     string        `yaml:"api_key"`
		Dimensions int           `yaml:"dimensions" validate:"min=0,max=8192"`
		BatchSize  int           `yaml:"batch_size" validate:"min=1"`
		RateLimit  float64       `yaml:"rate_limit" validate:"min=0"`
		Timeout    time.Duration `yaml:"timeout" validate:"min=0"`
	} `yaml:"embedding"`

	Store struct {
		Driver     string `yaml:"driver" validate:"oneof=sqlite pgvector chromem"`
		Path       string `yaml:"path" validate:"required_unless=Driver pgvector"`
		URL        string `yaml:"url" validate:"required_if=Driver pgvector"`
		TableName  string `yaml:"table_name" validate:"required"`
		Collection string `yaml:"collection"`
	} `yaml:"store"`

	Processor struct {
		ChunkSize    int `yaml:"chunk_size" validate:"min=1"`
		ChunkOverlap int `yaml:"chunk_overlap" validate:"min=0,ltfield=ChunkSize"`
	} `yaml:"processor"`

	Retrieval struct {
		TopK             int     `yaml:"top_k" validate:"min=1,max=100"`
		MinScore         float64 `yaml:"min_score" validate:"min=-1,max=1"`
		PromptTemplate   string  `yaml:"prompt_template" validate:"required"`
		FallbackPhrase   string  `yaml:"fallback_phrase" validate:"required"`
		ContextSeparator string  `yaml:"context_separator"`
		MaxContextTokens int     `yaml:"max_context_tokens" validate:"min=0"`
	} `yaml:"retrieval"`

	Server struct {
		Addr        string `yaml:"addr" validate:"required"`
		MaxUploadMB int64  `yaml:"max_upload_mb" validate:"min=1"`
	} `yaml:"server"`

	UI struct {
		ShowSources bool `yaml:"show_sources"`
		NoColor     bool `yaml:"no_color"`
	} `yaml:"ui"`
}

// LoadEnvFile loads KEY=value pairs from a .env file into the process
// environment. A missing file is not an error.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error loading %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig reads path, or the first config file found in the default
// locations, on top of the defaults. Environment variables win over the file.
func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/documind/config.yaml"),
			"/etc/documind/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Unmarshal over the defaults so keys absent from the file keep them and
	// explicit zero values (chunk_overlap: 0) are honored.
	config := defaults()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	mergeWithEnv(config)
	applyDefaults(config)

	return config, nil
}

func getDefaultConfig() (*Config, error) {
	config := defaults()
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func defaults() *Config {
	config := &Config{}

	config.LLM.Provider = "huggingface"
	config.LLM.Task = TaskConversational
	config.LLM.Model = "meta-llama/Meta-Llama-3.1-8B-Instruct"
	config.LLM.MaxTokens = 512
	config.LLM.Temperature = 0.1
	config.LLM.Timeout = 60 * time.Second

	config.Embedding.Provider = "huggingface"
	config.Embedding.Model = "sentence-transformers/all-MiniLM-L6-v2"
	config.Embedding.BatchSize = 32
	config.Embedding.Timeout = 30 * time.Second

	config.Store.Driver = "sqlite"
	config.Store.Path = "./db/documind.db"
	config.Store.TableName = "chunks"
	config.Store.Collection = "documind"

	config.Processor.ChunkSize = 1000
	config.Processor.ChunkOverlap = 200

	config.Retrieval.TopK = 5
	config.Retrieval.PromptTemplate = DefaultPromptTemplate
	config.Retrieval.FallbackPhrase = DefaultFallbackPhrase
	config.Retrieval.ContextSeparator = "\n\n"

	config.Server.Addr = ":8080"
	config.Server.MaxUploadMB = 32

	config.UI.ShowSources = true

	return config
}

// applyDefaults fills values that depend on other settings.
func applyDefaults(config *Config) {
	if config.LLM.BaseURL == "" {
		switch {
		case config.LLM.Provider == "ollama":
			config.LLM.BaseURL = "http://localhost:11434"
		case config.LLM.Provider == "huggingface" && config.LLM.Task == TaskConversational:
			config.LLM.BaseURL = HuggingFaceRouterURL
		}
	}
	if config.Embedding.BaseURL == "" && config.Embedding.Provider == "ollama" {
		config.Embedding.BaseURL = "http://localhost:11434"
	}
	if config.Embedding.Provider == "hash" && config.Embedding.Dimensions == 0 {
		config.Embedding.Dimensions = 384
	}
	if config.Store.Driver == "chromem" && filepath.Ext(config.Store.Path) == ".db" {
		config.Store.Path = filepath.Join(filepath.Dir(config.Store.Path), "chromem")
	}
	if config.Retrieval.ContextSeparator == "" {
		config.Retrieval.ContextSeparator = "\n\n"
	}
}

func mergeWithEnv(config *Config) {
	if token := os.Getenv("HUGGINGFACEHUB_API_TOKEN"); token != "" {
		if config.LLM.Provider == "huggingface" {
			config.LLM.APIKey = token
		}
		if config.Embedding.Provider == "huggingface" {
			config.Embedding.APIKey = token
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if config.LLM.Provider == "openai" {
			config.LLM.APIKey = key
		}
		if config.Embedding.Provider == "openai" {
			config.Embedding.APIKey = key
		}
	}
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		if config.LLM.Provider == "ollama" {
			config.LLM.BaseURL = baseURL
		}
		if config.Embedding.Provider == "ollama" {
			config.Embedding.BaseURL = baseURL
		}
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Store.URL = dbURL
	}
	if storePath := os.Getenv("DOCUMIND_STORE_PATH"); storePath != "" {
		config.Store.Path = storePath
	}
}
