package retrieval

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
)

const (
	defaultQdrantPort = 6334

	// maxTenantDocs bounds one scroll. Tenant knowledge bases are FAQ-sized;
	// anything past this is an indexing mistake, not a corpus.
	maxTenantDocs = 1024

	payloadTextKey = "text"
)

// QdrantConfig locates the vector collection holding tenant documents.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
}

// QdrantStore loads tenant document sets from a qdrant collection. Points
// carry the passage text in payload and are tagged with a tenant_id keyword
// for isolation.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}

	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant url: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = cfg.URL
	}
	port := defaultQdrantPort
	if p := parsed.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("parse qdrant port: %w", err)
		}
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: parsed.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	return &QdrantStore{client: client, collection: cfg.Collection}, nil
}

// FetchDocuments scrolls every point tagged with the tenant and returns the
// passages with their stored vectors. Points without a vector or text payload
// are skipped.
func (s *QdrantStore) FetchDocuments(ctx context.Context, tenantID string) ([]Document, error) {
	limit := uint32(maxTenantDocs)
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Filter:         tenantFilter(tenantID),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("scroll collection %s: %w", s.collection, err)
	}

	docs := make([]Document, 0, len(points))
	for _, p := range points {
		text := p.Payload[payloadTextKey].GetStringValue()
		vec := p.Vectors.GetVector().GetData()
		if text == "" || len(vec) == 0 {
			continue
		}
		docs = append(docs, Document{
			ID:        pointID(p.Id),
			Text:      text,
			Embedding: vec,
		})
	}
	return docs, nil
}

// Close releases the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func tenantFilter(tenantID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key: "tenant_id",
						Match: &qdrant.Match{
							MatchValue: &qdrant.Match_Keyword{Keyword: tenantID},
						},
					},
				},
			},
		},
	}
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}
