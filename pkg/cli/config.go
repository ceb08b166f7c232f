package cli

import (
	"context"
	"io"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/adapter"
	"github.com/m-mizutani/scanvault/pkg/repository"
	"github.com/m-mizutani/scanvault/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logFormat string

	// Repository
	project    string
	database   string
	collection string

	// Object store
	bucket       string
	objectPrefix string

	// Embedding
	vertexProject  string
	vertexLocation string
	embeddingModel string
	dimension      int64
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("SCANVAULT_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       "console",
			Sources:     cli.EnvVars("SCANVAULT_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "collection",
			Usage:       "Firestore collection holding scan records",
			Value:       repository.DefaultCollection,
			Sources:     cli.EnvVars("SCANVAULT_COLLECTION"),
			Destination: &cfg.collection,
		},
	}
}

// storageFlags returns flags for the scan image object store
func storageFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "bucket",
			Aliases:     []string{"b"},
			Usage:       "Cloud Storage bucket for scan images",
			Sources:     cli.EnvVars("SCANVAULT_BUCKET"),
			Destination: &cfg.bucket,
		},
		&cli.StringFlag{
			Name:        "object-prefix",
			Usage:       "Object name prefix for scan images",
			Value:       adapter.DefaultObjectPrefix,
			Sources:     cli.EnvVars("SCANVAULT_OBJECT_PREFIX"),
			Destination: &cfg.objectPrefix,
		},
	}
}

// embeddingFlags returns flags for the image embedding model
func embeddingFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "vertex-project",
			Usage:       "Google Cloud project ID for Vertex AI embeddings (default: --project)",
			Sources:     cli.EnvVars("SCANVAULT_VERTEX_PROJECT"),
			Destination: &cfg.vertexProject,
		},
		&cli.StringFlag{
			Name:        "vertex-location",
			Usage:       "Google Cloud location for Vertex AI embeddings",
			Value:       "us-central1",
			Sources:     cli.EnvVars("SCANVAULT_VERTEX_LOCATION"),
			Destination: &cfg.vertexLocation,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Multimodal embedding model name",
			Value:       adapter.DefaultEmbeddingModel,
			Sources:     cli.EnvVars("SCANVAULT_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		dimensionFlag(cfg),
	}
}

func dimensionFlag(cfg *config) cli.Flag {
	return &cli.IntFlag{
		Name:        "dimension",
		Usage:       "Embedding vector dimension (128, 256, 512 or 1408)",
		Value:       adapter.DefaultDimension,
		Sources:     cli.EnvVars("SCANVAULT_DIMENSION"),
		Destination: &cfg.dimension,
	}
}

// setupLogger attaches the configured logger to ctx
func (cfg *config) setupLogger(ctx context.Context, w io.Writer) (context.Context, error) {
	logger, err := logging.New(cfg.logLevel, cfg.logFormat, w)
	if err != nil {
		return ctx, err
	}
	logging.SetDefault(logger)
	return logging.With(ctx, logger), nil
}

// newRepository creates a new repository instance
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, error) {
	if cfg.project == "" {
		return nil, goerr.New("project is required")
	}
	if cfg.database == "" {
		return nil, goerr.New("database is required")
	}

	repo, err := repository.New(ctx, cfg.project, cfg.database, repository.WithCollection(cfg.collection))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create repository")
	}
	return repo, nil
}

// newStorage creates a new object store instance
func (cfg *config) newStorage(ctx context.Context) (adapter.ObjectStore, error) {
	if cfg.bucket == "" {
		return nil, goerr.New("bucket is required")
	}

	storage, err := adapter.NewStorage(ctx, cfg.bucket, adapter.WithObjectPrefix(cfg.objectPrefix))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return storage, nil
}

// newEmbedder creates the embedding adapter and warms it up so model
// failures surface before any scan is processed
func (cfg *config) newEmbedder(ctx context.Context) (*adapter.VertexEmbedder, error) {
	projectID := cfg.vertexProject
	if projectID == "" {
		projectID = cfg.project
	}
	if projectID == "" {
		return nil, goerr.New("vertex-project is required")
	}
	if cfg.vertexLocation == "" {
		return nil, goerr.New("vertex-location is required")
	}
	if cfg.dimension <= 0 {
		return nil, goerr.New("dimension must be positive", goerr.V("dimension", cfg.dimension))
	}

	embedder, err := adapter.NewVertex(ctx, projectID, cfg.vertexLocation,
		adapter.WithEmbeddingModel(cfg.embeddingModel),
		adapter.WithDimension(int(cfg.dimension)),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedder")
	}

	started := time.Now()
	if err := embedder.WarmUp(ctx); err != nil {
		closeAll(ctx, embedder)
		return nil, err
	}
	logging.From(ctx).Debug("embedding model ready", "model", cfg.embeddingModel, "elapsed", time.Since(started))

	return embedder, nil
}

type closer interface {
	Close() error
}

// closeAll releases clients in reverse acquisition order
func closeAll(ctx context.Context, clients ...closer) {
	for i := len(clients) - 1; i >= 0; i-- {
		if clients[i] == nil {
			continue
		}
		if err := clients[i].Close(); err != nil {
			logging.From(ctx).Warn("failed to close client", "error", err)
		}
	}
}
