// Package semantic maintains a vector index of classified raw items in a
// Qdrant collection. The classify stage consults it before each LLM call:
// the same story cross-posted to several targets, or re-scraped with minor
// edits, lands on a near-identical vector, and the earlier verdict is
// reused instead of paying for another model call.
package semantic

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultCollection is the Qdrant collection holding one point per
// classified raw item.
const DefaultCollection = "raw_items"

// MinDuplicateScore is the cosine similarity above which two posts are
// treated as the same content. Kept high so only genuine duplicates reuse a
// verdict; borderline rewrites still go to the model.
const MinDuplicateScore = 0.95

// pointsAPI and collectionsAPI are the slices of the Qdrant gRPC surface
// the store actually uses, kept as interfaces so tests can substitute fakes
// without a running Qdrant.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// VectorStore is the sole owner of all Qdrant operations.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string, collection string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// NewWithClients wires pre-built clients, for tests.
func NewWithClients(points pointsAPI, collections collectionsAPI, collection string) *VectorStore {
	return &VectorStore{points: points, collections: collections, collection: collection}
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

// EnsureCollection creates the collection if it doesn't exist.
func (v *VectorStore) EnsureCollection(ctx context.Context) error {
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == v.collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(Dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", v.collection, err)
	}
	return nil
}

// Match is a near-duplicate hit: the raw item whose vector matched, and the
// verdict recorded for it.
type Match struct {
	RawItemID  string
	IsRelevant bool
	Confidence int
	Score      float32
}

// FindNearDuplicate searches for an already-classified item whose text is
// near-identical to text. Returns nil (no error) when nothing clears
// MinDuplicateScore.
func (v *VectorStore) FindNearDuplicate(ctx context.Context, text string) (*Match, error) {
	resp, err := v.points.Search(ctx, &pb.SearchPoints{
		CollectionName: v.collection,
		Vector:         Embed(text),
		Limit:          1,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}

	results := resp.GetResult()
	if len(results) == 0 || results[0].GetScore() < MinDuplicateScore {
		return nil, nil
	}

	r := results[0]
	payload := r.GetPayload()
	return &Match{
		RawItemID:  r.GetId().GetUuid(),
		IsRelevant: payload["is_relevant"].GetBoolValue(),
		Confidence: int(payload["confidence"].GetIntegerValue()),
		Score:      r.GetScore(),
	}, nil
}

// IndexClassified stores one classified item's vector and verdict, keyed by
// the raw item's id so re-classification of the same row overwrites in place.
func (v *VectorStore) IndexClassified(ctx context.Context, rawItemID, text string, isRelevant bool, confidence int) error {
	wait := true
	_, err := v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: v.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: rawItemID},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: Embed(text)},
				},
			},
			Payload: map[string]*pb.Value{
				"is_relevant": {Kind: &pb.Value_BoolValue{BoolValue: isRelevant}},
				"confidence":  {Kind: &pb.Value_IntegerValue{IntegerValue: int64(confidence)}},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %s: %w", rawItemID, err)
	}
	return nil
}
