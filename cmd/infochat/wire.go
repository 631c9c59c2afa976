package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"infochat/internal/chunker"
	"infochat/internal/config"
	"infochat/internal/domain"
	"infochat/internal/embedding/langchain"
	"infochat/internal/embedding/tfidf"
	"infochat/internal/index"
	"infochat/internal/logging"
	"infochat/internal/service"
	"infochat/internal/vectorstore"
	"infochat/internal/vectorstore/chromem"
	"infochat/internal/vectorstore/qdrant"
)

// app holds the assembled components for one command invocation.
type app struct {
	cfg    *config.AppConfig
	logger zerolog.Logger
	svc    *service.RetrievalService
}

func setup(cmd *cli.Command, overrides ...func(*config.AppConfig)) (*app, error) {
	envFile := cmd.String("env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	var (
		cfg *config.AppConfig
		err error
	)
	if p := cmd.String("config"); p != "" {
		cfg, err = config.Load(p)
	} else {
		cfg, _, err = config.LoadDefault()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	for _, o := range overrides {
		o(cfg)
	}

	lc := logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
	if cmd.Bool("verbose") {
		lc.Level = "debug"
	}
	logger, err := logging.New(lc)
	if err != nil {
		return nil, err
	}
	log.Logger = logger

	emb, err := newEmbedder(cfg, logger)
	if err != nil {
		return nil, err
	}
	factory, err := newStoreFactory(cfg, logger)
	if err != nil {
		return nil, err
	}
	ch, err := newChunker(cfg)
	if err != nil {
		return nil, err
	}
	ix := index.New(emb, factory, index.WithLogger(logger))
	svc, err := service.NewRetrievalService(cfg.Service(), ix, service.WithChunker(ch), service.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, svc: svc}, nil
}

// Assemble components
func newEmbedder(cfg *config.AppConfig, logger zerolog.Logger) (domain.Embedder, error) {
	e := cfg.Embedder
	switch e.Type {
	case config.EmbedderTFIDF:
		return tfidf.NewEmbedder(), nil
	case config.EmbedderOpenAI:
		key := os.Getenv(e.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("%w: environment variable %s is empty", domain.ErrInvalidConfig, e.APIKeyEnv)
		}
		return langchain.NewOpenAI(langchain.OpenAIConfig{
			BaseURL:   e.BaseURL,
			APIKey:    key,
			Model:     e.Model,
			BatchSize: e.BatchSize,
		}, langchain.WithLogger(logger))
	case config.EmbedderOllama:
		return langchain.NewOllama(langchain.OllamaConfig{
			ServerURL: e.BaseURL,
			Model:     e.Model,
			BatchSize: e.BatchSize,
		}, langchain.WithLogger(logger))
	default:
		return nil, fmt.Errorf("%w: unknown embedder: %s", domain.ErrInvalidConfig, e.Type)
	}
}

func newStoreFactory(cfg *config.AppConfig, logger zerolog.Logger) (vectorstore.Factory, error) {
	vc := vectorstore.Config{Type: cfg.VectorStore.Type, Logger: logger}
	if c := cfg.VectorStore.Chromem; c != nil {
		vc.Chromem = chromem.Config{Path: c.Path, Collection: c.Collection, Compress: c.Compress}
	}
	if q := cfg.VectorStore.Qdrant; q != nil {
		vc.Qdrant = qdrant.Config{
			URL:        q.URL,
			APIKey:     q.APIKey,
			Collection: q.Collection,
			Timeout:    time.Duration(q.TimeoutSecs) * time.Second,
		}
	}
	return vectorstore.NewFactory(vc)
}

func newChunker(cfg *config.AppConfig) (domain.Chunker, error) {
	c := cfg.Chunker
	switch c.Type {
	case config.ChunkerSentence:
		return chunker.NewSentenceChunker(c.SentencesPerChunk, c.OverlapSentences)
	default:
		return chunker.NewWordChunker(c.ChunkSize, c.ChunkOverlap)
	}
}

func (a *app) indexDir(cmd *cli.Command) string {
	if d := cmd.String("index"); d != "" {
		return d
	}
	return a.cfg.IndexDir
}
