// Package vectorstore indexes episode embeddings in Qdrant.
package vectorstore

import (
	"context"
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nidhogg/atlas/internal/memory"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

// Client is a memory.Index over one Qdrant collection.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	collection  string
	logger      *zap.Logger
}

// NewClient dials the Qdrant gRPC endpoint and returns a ready Client.
func NewClient(cfg QdrantConfig, logger *zap.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "episodes"
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		collection:  collection,
		logger:      logger,
	}, nil
}

// EnsureCollection creates the episode collection if it does not already exist.
func (c *Client) EnsureCollection(ctx context.Context, dimension uint64) error {
	_, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: c.collection})
	if err == nil {
		return nil
	}
	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: c.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", c.collection, err)
	}
	c.logger.Info("qdrant collection created",
		zap.String("collection", c.collection),
		zap.Uint64("dimension", dimension))
	return nil
}

// Add upserts the episode's vector with its record time as payload.
func (c *Client) Add(ctx context.Context, id string, vector []float32, at time.Time) error {
	_, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: c.collection,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vector}}},
				Payload: map[string]*pb.Value{
					"recorded_at": {Kind: &pb.Value_IntegerValue{IntegerValue: at.UnixNano()}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert %s: %w", id, err)
	}
	return nil
}

// Search returns the k nearest episode ids by cosine score.
func (c *Client) Search(ctx context.Context, vector []float32, k int) ([]memory.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	resp, err := c.points.Search(ctx, &pb.SearchPoints{
		CollectionName: c.collection,
		Vector:         vector,
		Limit:          uint64(k),
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", c.collection, err)
	}
	hits := make([]memory.Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		id := r.GetId().GetUuid()
		if id == "" {
			continue
		}
		hits = append(hits, memory.Hit{ID: id, Score: float64(r.Score)})
	}
	return hits, nil
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
