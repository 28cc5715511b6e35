package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"unicode/utf8"

	aiplatform "google.golang.org/api/aiplatform/v1"
	"google.golang.org/api/option"

	"github.com/teemow/inboxdraft/internal/logging"
)

const (
	// maxQueryChars bounds the embedding input. Over-long queries are
	// truncated rather than failed; retrieval is best-effort.
	maxQueryChars = 2000

	retrieveTimeout = 10 * time.Second
)

// VertexConfig configures the Vertex AI vector-search retriever.
type VertexConfig struct {
	// Project and Location identify the Vertex AI deployment.
	Project  string
	Location string
	// IndexEndpoint is the full resource name of the index endpoint
	// (projects/.../locations/.../indexEndpoints/...).
	IndexEndpoint string
	// DeployedIndexID is the ID of the deployed index on the endpoint.
	DeployedIndexID string
	// EmbeddingModel is the publisher embedding model ID
	// (default: text-embedding-004).
	EmbeddingModel string
	// CatalogPath points at the passage catalog written by the index
	// build tooling.
	CatalogPath string
}

// Enabled reports whether the configuration names a usable index.
func (c VertexConfig) Enabled() bool {
	return c.IndexEndpoint != "" && c.DeployedIndexID != ""
}

// Vertex retrieves passages from a deployed Vertex AI Matching Engine
// index.
type Vertex struct {
	svc     *aiplatform.Service
	config  VertexConfig
	catalog *Catalog
	logger  *slog.Logger
}

// NewVertex creates a Vertex retriever. The service account running the
// process must have access to the endpoint; credentials come from the
// ambient application-default chain.
func NewVertex(ctx context.Context, config VertexConfig, logger *slog.Logger) (*Vertex, error) {
	if !config.Enabled() {
		return nil, fmt.Errorf("vertex retriever requires an index endpoint and deployed index id")
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = "text-embedding-004"
	}
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := fmt.Sprintf("https://%s-aiplatform.googleapis.com/", config.Location)
	svc, err := aiplatform.NewService(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fmt.Errorf("create aiplatform service: %w", err)
	}

	var catalog *Catalog
	if config.CatalogPath != "" {
		catalog, err = LoadCatalog(config.CatalogPath)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded passage catalog",
			slog.String("path", config.CatalogPath),
			slog.Int("passages", catalog.Len()))
	}

	return &Vertex{
		svc:     svc,
		config:  config,
		catalog: catalog,
		logger:  logging.WithComponent(logger, "retriever"),
	}, nil
}

// Retrieve implements Retriever. Failures degrade to an empty result: a
// missing answer is strictly better than a failed pipeline run here.
func (v *Vertex) Retrieve(ctx context.Context, query string, k int) ([]Passage, error) {
	k = ClampK(k)

	ctx, cancel := context.WithTimeout(ctx, retrieveTimeout)
	defer cancel()

	vector, err := v.embed(ctx, query)
	if err != nil {
		v.logger.Warn("query embedding failed, skipping retrieval", logging.Err(err))
		return nil, nil
	}

	neighbors, err := v.findNeighbors(ctx, vector, k)
	if err != nil {
		v.logger.Warn("neighbor lookup failed, skipping retrieval", logging.Err(err))
		return nil, nil
	}

	return v.rank(neighbors), nil
}

// embed turns the query into an embedding vector. An over-long query is
// truncated and retried once before giving up.
func (v *Vertex) embed(ctx context.Context, query string) ([]float64, error) {
	query = truncateQuery(query, maxQueryChars)

	vector, err := v.predictEmbedding(ctx, query)
	if err != nil && len(query) > maxQueryChars/2 {
		vector, err = v.predictEmbedding(ctx, truncateQuery(query, maxQueryChars/2))
	}
	return vector, err
}

// truncateQuery cuts s at limit bytes, backing up so a multi-byte rune is
// never split.
func truncateQuery(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

func (v *Vertex) predictEmbedding(ctx context.Context, text string) ([]float64, error) {
	model := fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s",
		v.config.Project, v.config.Location, v.config.EmbeddingModel)

	req := &aiplatform.GoogleCloudAiplatformV1PredictRequest{
		Instances: []interface{}{
			map[string]interface{}{"content": text},
		},
	}

	res, err := v.svc.Projects.Locations.Publishers.Models.Predict(model, req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("predict embedding: %w", err)
	}
	if len(res.Predictions) == 0 {
		return nil, fmt.Errorf("predict embedding: empty response")
	}

	prediction, ok := res.Predictions[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("predict embedding: unexpected prediction shape")
	}
	embeddings, ok := prediction["embeddings"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("predict embedding: missing embeddings field")
	}
	values, ok := embeddings["values"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("predict embedding: missing values field")
	}

	vector := make([]float64, 0, len(values))
	for _, value := range values {
		f, ok := value.(float64)
		if !ok {
			return nil, fmt.Errorf("predict embedding: non-numeric value")
		}
		vector = append(vector, f)
	}
	return vector, nil
}

// neighbor is the distance-annotated lookup result before catalog join.
type neighbor struct {
	id       string
	distance float64
}

func (v *Vertex) findNeighbors(ctx context.Context, vector []float64, k int) ([]neighbor, error) {
	req := &aiplatform.GoogleCloudAiplatformV1FindNeighborsRequest{
		DeployedIndexId: v.config.DeployedIndexID,
		Queries: []*aiplatform.GoogleCloudAiplatformV1FindNeighborsRequestQuery{
			{
				NeighborCount: int64(k),
				Datapoint: &aiplatform.GoogleCloudAiplatformV1IndexDatapoint{
					FeatureVector: vector,
				},
			},
		},
	}

	res, err := v.svc.Projects.Locations.IndexEndpoints.FindNeighbors(v.config.IndexEndpoint, req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("find neighbors: %w", err)
	}

	var neighbors []neighbor
	for _, nn := range res.NearestNeighbors {
		for _, n := range nn.Neighbors {
			if n.Datapoint == nil {
				continue
			}
			neighbors = append(neighbors, neighbor{
				id:       n.Datapoint.DatapointId,
				distance: n.Distance,
			})
		}
	}
	return neighbors, nil
}

// rank converts neighbors to passages ordered by score descending, ties
// broken by original (index) order, and joins snippet text from the
// catalog.
func (v *Vertex) rank(neighbors []neighbor) []Passage {
	passages := make([]Passage, 0, len(neighbors))
	for _, n := range neighbors {
		// Matching Engine returns distances; lower distance means more
		// relevant. Mirror the ingestion tooling's relevance conversion.
		score := 1 - n.distance
		if score < 0 {
			score = 0
		}
		passages = append(passages, Passage{
			SourceID: n.id,
			Snippet:  v.catalog.Snippet(n.id),
			Score:    score,
		})
	}

	sort.SliceStable(passages, func(i, j int) bool {
		return passages[i].Score > passages[j].Score
	})
	for i := range passages {
		passages[i].Rank = i + 1
	}
	return passages
}
