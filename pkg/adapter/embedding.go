package adapter

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"slices"
	"sync"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"cloud.google.com/go/firestore"
	"github.com/googleapis/gax-go/v2"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/m-mizutani/scanvault/pkg/scan"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	DefaultEmbeddingModel = "multimodalembedding@001"
	DefaultDimension      = 512

	embedJPEGQuality = 95
)

// SupportedDimensions lists the output sizes multimodalembedding accepts
var SupportedDimensions = []int{128, 256, 512, 1408}

// Embedder turns an image into a fixed-length vector. WarmUp must succeed
// before Embed is called.
type Embedder interface {
	WarmUp(ctx context.Context) error
	Embed(ctx context.Context, img image.Image) (firestore.Vector32, error)
	Dimension() int
}

// Predictor is the part of the Vertex AI prediction client the embedder uses
type Predictor interface {
	Predict(ctx context.Context, req *aiplatformpb.PredictRequest, opts ...gax.CallOption) (*aiplatformpb.PredictResponse, error)
	Close() error
}

// VertexEmbedder embeds images with the Vertex AI multimodal embedding
// model through its predict endpoint. It is safe for concurrent use.
type VertexEmbedder struct {
	predictor Predictor
	projectID string
	location  string
	model     string
	dimension int

	warmOnce sync.Once
	warmErr  error
}

type VertexOption func(*VertexEmbedder)

func WithEmbeddingModel(model string) VertexOption {
	return func(v *VertexEmbedder) {
		v.model = model
	}
}

// WithDimension sets the requested output dimension
func WithDimension(dim int) VertexOption {
	return func(v *VertexEmbedder) {
		v.dimension = dim
	}
}

// WithPredictor replaces the prediction client, mainly for tests
func WithPredictor(p Predictor) VertexOption {
	return func(v *VertexEmbedder) {
		v.predictor = p
	}
}

func NewVertex(ctx context.Context, projectID, location string, opts ...VertexOption) (*VertexEmbedder, error) {
	if projectID == "" {
		return nil, goerr.New("project ID is required for embeddings")
	}
	if location == "" {
		return nil, goerr.New("location is required for embeddings")
	}

	v := &VertexEmbedder{
		projectID: projectID,
		location:  location,
		model:     DefaultEmbeddingModel,
		dimension: DefaultDimension,
	}
	for _, opt := range opts {
		opt(v)
	}

	if !slices.Contains(SupportedDimensions, v.dimension) {
		return nil, goerr.New("unsupported embedding dimension",
			goerr.V("dimension", v.dimension), goerr.V("supported", SupportedDimensions))
	}

	if v.predictor == nil {
		client, err := aiplatform.NewPredictionClient(ctx,
			option.WithEndpoint(location+"-aiplatform.googleapis.com:443"))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create prediction client", goerr.V("location", location))
		}
		v.predictor = client
	}

	return v, nil
}

func (v *VertexEmbedder) Dimension() int {
	return v.dimension
}

func (v *VertexEmbedder) Close() error {
	return v.predictor.Close()
}

// Endpoint returns the publisher model path the predict call targets
func (v *VertexEmbedder) Endpoint() string {
	return fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s", v.projectID, v.location, v.model)
}

// WarmUp embeds a small gradient once to confirm the model answers with the
// configured dimension. The first result is cached; later calls return it.
func (v *VertexEmbedder) WarmUp(ctx context.Context) error {
	v.warmOnce.Do(func() {
		sample := image.NewGray(image.Rect(0, 0, 8, 8))
		for i := range sample.Pix {
			sample.Pix[i] = uint8(i * 4)
		}

		if _, err := v.embed(ctx, sample); err != nil {
			v.warmErr = goerr.Wrap(err, "embedding model warm up failed", goerr.V("model", v.model))
		}
	})
	return v.warmErr
}

func (v *VertexEmbedder) Embed(ctx context.Context, img image.Image) (firestore.Vector32, error) {
	if err := v.WarmUp(ctx); err != nil {
		return nil, err
	}
	return v.embed(ctx, img)
}

func (v *VertexEmbedder) embed(ctx context.Context, img image.Image) (firestore.Vector32, error) {
	if img == nil {
		return nil, goerr.Wrap(model.ErrEmbeddingFailure, "image is nil")
	}

	data, err := scan.EncodeJPEG(img, embedJPEGQuality)
	if err != nil {
		return nil, goerr.Wrap(model.Classify(model.ErrEmbeddingFailure, err), "failed to encode image for embedding")
	}

	req, err := PredictRequest(v.Endpoint(), data, v.dimension)
	if err != nil {
		return nil, err
	}

	resp, err := v.predictor.Predict(ctx, req)
	if err != nil {
		return nil, goerr.Wrap(model.Classify(model.ErrEmbeddingFailure, err), "failed to embed image",
			goerr.V("model", v.model), goerr.V("endpoint", req.Endpoint))
	}

	return VectorFromPrediction(resp, v.dimension)
}

// PredictRequest builds a multimodal embedding request for one JPEG image
func PredictRequest(endpoint string, jpeg []byte, dimension int) (*aiplatformpb.PredictRequest, error) {
	if len(jpeg) == 0 {
		return nil, goerr.Wrap(model.ErrEmbeddingFailure, "image payload is empty")
	}

	instance, err := structpb.NewValue(map[string]any{
		"image": map[string]any{
			"bytesBase64Encoded": base64.StdEncoding.EncodeToString(jpeg),
		},
	})
	if err != nil {
		return nil, goerr.Wrap(model.Classify(model.ErrEmbeddingFailure, err), "failed to build embedding instance")
	}

	params, err := structpb.NewValue(map[string]any{
		"dimension": dimension,
	})
	if err != nil {
		return nil, goerr.Wrap(model.Classify(model.ErrEmbeddingFailure, err), "failed to build embedding parameters")
	}

	return &aiplatformpb.PredictRequest{
		Endpoint:   endpoint,
		Instances:  []*structpb.Value{instance},
		Parameters: params,
	}, nil
}

// VectorFromPrediction extracts the image embedding of the first prediction
// and checks its length
func VectorFromPrediction(resp *aiplatformpb.PredictResponse, dimension int) (firestore.Vector32, error) {
	if resp == nil || len(resp.GetPredictions()) == 0 {
		return nil, goerr.Wrap(model.ErrEmbeddingFailure, "embedding response is empty")
	}

	fields := resp.GetPredictions()[0].GetStructValue().GetFields()
	list := fields["imageEmbedding"].GetListValue()
	if list == nil {
		return nil, goerr.Wrap(model.ErrEmbeddingFailure, "prediction has no image embedding")
	}

	values := list.GetValues()
	if len(values) != dimension {
		return nil, goerr.Wrap(model.ErrEmbeddingFailure, "unexpected embedding dimension",
			goerr.V("expected", dimension), goerr.V("actual", len(values)))
	}

	vector := make(firestore.Vector32, len(values))
	for i, value := range values {
		n, ok := value.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, goerr.Wrap(model.ErrEmbeddingFailure, "embedding element is not a number", goerr.V("index", i))
		}
		vector[i] = float32(n.NumberValue)
	}
	return vector, nil
}
