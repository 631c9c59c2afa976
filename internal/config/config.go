package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"infochat/internal/domain"
	"infochat/internal/rerank"
	"infochat/internal/service"
)

// EmbedderConfig selects and configures the text embedder implementation.
// Hosted embedders read their API key from the environment variable named by APIKeyEnv.
type EmbedderConfig struct {
	Type        string `yaml:"type"`
	Model       string `yaml:"model"`
	BaseURL     string `yaml:"base_url,omitempty"`
	APIKeyEnv   string `yaml:"api_key_env,omitempty"`
	BatchSize   int    `yaml:"batch_size"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// ChunkerConfig configures how documents are split into chunks.
type ChunkerConfig struct {
	Type              string `yaml:"type"`
	ChunkSize         int    `yaml:"chunk_size"`
	ChunkOverlap      int    `yaml:"chunk_overlap"`
	SentencesPerChunk int    `yaml:"sentences_per_chunk"`
	OverlapSentences  int    `yaml:"overlap_sentences"`
}

// VectorStoreConfig selects and configures the vector store implementation.
type VectorStoreConfig struct {
	Type    string         `yaml:"type"`
	Chromem *ChromemConfig `yaml:"chromem,omitempty"`
	Qdrant  *QdrantConfig  `yaml:"qdrant,omitempty"`
}

// ChromemConfig places the chromem database. An empty path keeps it in memory.
type ChromemConfig struct {
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
	Compress   bool   `yaml:"compress"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	Collection  string `yaml:"collection"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// RetrievalConfig tunes query-time behaviour.
type RetrievalConfig struct {
	TopK            int      `yaml:"top_k"`
	MMRDiversity    *float64 `yaml:"mmr_diversity,omitempty"`
	UseDiversity    bool     `yaml:"use_diversity"`
	Overfetch       int      `yaml:"overfetch"`
	MinScore        *float32 `yaml:"min_score,omitempty"`
	LexicalFallback bool     `yaml:"lexical_fallback"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Chunker     ChunkerConfig     `yaml:"chunker"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	IndexDir    string            `yaml:"index_dir"`
	Docstore    string            `yaml:"docstore"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, fills unset fields with defaults and validates the result.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	applyConfigDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/infochat/config.yaml.
// If neither exists, it writes defaults to ~/.config/infochat/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := Default()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "infochat", "config.yaml"), nil
}

// Default returns the configuration used when no file is present.
func Default() *AppConfig {
	cfg := &AppConfig{
		Embedder:    EmbedderConfig{Type: EmbedderTFIDF},
		Chunker:     ChunkerConfig{Type: ChunkerWord},
		VectorStore: VectorStoreConfig{Type: StoreMemory},
		Retrieval:   RetrievalConfig{UseDiversity: true},
	}
	applyConfigDefaults(cfg)
	return cfg
}

// Recognised component types.
const (
	EmbedderTFIDF  = "tfidf"
	EmbedderOpenAI = "openai"
	EmbedderOllama = "ollama"

	ChunkerWord     = "word"
	ChunkerSentence = "sentence"

	StoreMemory  = "memory"
	StoreChromem = "chromem"
	StoreQdrant  = "qdrant"
)

func applyConfigDefaults(cfg *AppConfig) {
	sd := service.DefaultConfig()
	e := &cfg.Embedder
	if e.Type == "" {
		e.Type = EmbedderTFIDF
	}
	switch e.Type {
	case EmbedderTFIDF:
		if e.Model == "" {
			e.Model = sd.EmbeddingModel
		}
	case EmbedderOpenAI:
		if e.BaseURL == "" {
			e.BaseURL = "https://api.openai.com/v1"
		}
		if e.APIKeyEnv == "" {
			e.APIKeyEnv = "OPENAI_API_KEY"
		}
		if e.Model == "" {
			e.Model = "text-embedding-3-small"
		}
	case EmbedderOllama:
		if e.BaseURL == "" {
			e.BaseURL = "http://localhost:11434"
		}
		if e.Model == "" {
			e.Model = "nomic-embed-text"
		}
	}
	if e.BatchSize == 0 {
		e.BatchSize = 32
	}
	if e.TimeoutSecs == 0 {
		e.TimeoutSecs = 30
	}

	c := &cfg.Chunker
	if c.Type == "" {
		c.Type = ChunkerWord
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = sd.ChunkSize
		if c.ChunkOverlap == 0 {
			c.ChunkOverlap = sd.ChunkOverlap
		}
	}
	if c.SentencesPerChunk == 0 {
		c.SentencesPerChunk = 5
		if c.OverlapSentences == 0 {
			c.OverlapSentences = 1
		}
	}

	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = StoreMemory
	}
	if q := cfg.VectorStore.Qdrant; q != nil {
		if q.Collection == "" {
			q.Collection = "infochat"
		}
		if q.TimeoutSecs == 0 {
			q.TimeoutSecs = 15
		}
	}

	r := &cfg.Retrieval
	if r.TopK == 0 {
		r.TopK = sd.TopK
	}
	if r.MMRDiversity == nil {
		d := sd.MMRDiversity
		r.MMRDiversity = &d
	}
	if r.Overfetch == 0 {
		r.Overfetch = sd.Overfetch
	}

	if cfg.IndexDir == "" {
		cfg.IndexDir = filepath.Join("indexes", "default")
	}
	if cfg.Docstore == "" {
		cfg.Docstore = filepath.Join("data", "docstore.jsonl")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

// Validate rejects unknown component types and out-of-range values.
func (cfg *AppConfig) Validate() error {
	switch cfg.Embedder.Type {
	case EmbedderTFIDF, EmbedderOpenAI, EmbedderOllama:
	default:
		return fmt.Errorf("%w: unknown embedder type %q", domain.ErrInvalidConfig, cfg.Embedder.Type)
	}
	if cfg.Embedder.TimeoutSecs < 0 || cfg.Embedder.BatchSize < 0 {
		return fmt.Errorf("%w: embedder timeout and batch size must not be negative", domain.ErrInvalidConfig)
	}
	switch cfg.Chunker.Type {
	case ChunkerWord:
	case ChunkerSentence:
		c := cfg.Chunker
		if c.SentencesPerChunk <= 0 || c.OverlapSentences < 0 || c.OverlapSentences >= c.SentencesPerChunk {
			return fmt.Errorf("%w: overlap_sentences %d must be in [0, sentences_per_chunk %d)", domain.ErrInvalidConfig, c.OverlapSentences, c.SentencesPerChunk)
		}
	default:
		return fmt.Errorf("%w: unknown chunker type %q", domain.ErrInvalidConfig, cfg.Chunker.Type)
	}
	switch cfg.VectorStore.Type {
	case StoreMemory, StoreChromem:
	case StoreQdrant:
		if cfg.VectorStore.Qdrant == nil || cfg.VectorStore.Qdrant.URL == "" {
			return fmt.Errorf("%w: vector_store.qdrant.url is required", domain.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown vector store type %q", domain.ErrInvalidConfig, cfg.VectorStore.Type)
	}
	return cfg.Service().Validate()
}

// Service projects the file configuration onto the service configuration.
func (cfg *AppConfig) Service() service.Config {
	r := cfg.Retrieval
	return service.Config{
		EmbeddingModel:  cfg.Embedder.Model,
		ChunkSize:       cfg.Chunker.ChunkSize,
		ChunkOverlap:    cfg.Chunker.ChunkOverlap,
		TopK:            r.TopK,
		MMRDiversity:    diversityOr(r.MMRDiversity, rerank.DefaultDiversity),
		Overfetch:       r.Overfetch,
		MinScore:        r.MinScore,
		LexicalFallback: r.LexicalFallback,
		EmbedTimeout:    time.Duration(cfg.Embedder.TimeoutSecs) * time.Second,
	}
}

func diversityOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
