package semantic

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/MdHelalUddinBiswas/langchain-rag/engine/domain"
)

// Payload keys stored on every point.
const (
	keyText     = "text"
	keySource   = "source"
	keyChunk    = "chunk"
	keyType     = "type"
	keyRecordID = "record_id"
)

// PointsAPI is the subset of the Qdrant points service the store uses.
type PointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
}

// CollectionsAPI is the subset of the Qdrant collections service the store uses.
type CollectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// QdrantStore is a Store backed by a Qdrant collection over gRPC.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      PointsAPI
	collections CollectionsAPI
	collection  string
	dim         int
}

var _ Store = (*QdrantStore)(nil)

// NewQdrant creates a QdrantStore connected to Qdrant at the given gRPC address.
func NewQdrant(addr, collection string, dim int) (*QdrantStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	s := NewQdrantWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), collection, dim)
	s.conn = conn
	return s, nil
}

// NewQdrantWithClients creates a QdrantStore over existing service clients.
func NewQdrantWithClients(points PointsAPI, collections CollectionsAPI, collection string, dim int) *QdrantStore {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &QdrantStore{points: points, collections: collections, collection: collection, dim: dim}
}

// Close closes the underlying gRPC connection, if any.
func (q *QdrantStore) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// PointID maps a record id onto the UUID Qdrant requires.
func PointID(recordID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(recordID)).String()
}

// EnsureCollection creates the collection with the store's dimension if it doesn't exist.
func (q *QdrantStore) EnsureCollection(ctx context.Context) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w: %w", domain.ErrVectorStoreUnavailable, err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(q.dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", q.collection, err)
	}
	return nil
}

// DeleteCollection deletes the collection.
func (q *QdrantStore) DeleteCollection(ctx context.Context) error {
	_, err := q.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: q.collection})
	if err != nil {
		return fmt.Errorf("semantic: delete collection %s: %w", q.collection, err)
	}
	return nil
}

// Upsert stores records in batches of BatchSize, one call per batch.
func (q *QdrantStore) Upsert(ctx context.Context, records []domain.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	fitted, err := fitRecords(records, q.dim)
	if err != nil {
		return fmt.Errorf("semantic: upsert: %w", err)
	}
	return upsertBatches(ctx, fitted, BatchSize, q.upsertBatch)
}

func (q *QdrantStore) upsertBatch(ctx context.Context, batch []domain.VectorRecord) error {
	points := make([]*pb.PointStruct, len(batch))
	for i, r := range batch {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(r.ID)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: r.Values},
				},
			},
			Payload: map[string]*pb.Value{
				keyText:     stringValue(r.Metadata.Text),
				keySource:   stringValue(r.Metadata.Source),
				keyChunk:    {Kind: &pb.Value_IntegerValue{IntegerValue: int64(r.Metadata.Chunk)}},
				keyType:     stringValue(r.Metadata.Type),
				keyRecordID: stringValue(r.ID),
			},
		}
	}

	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert %d points: %w: %w", len(batch), domain.ErrVectorStoreUnavailable, err)
	}
	return nil
}

// DeleteBySource removes all points whose source matches.
func (q *QdrantStore) DeleteBySource(ctx context.Context, source string) error {
	return q.deleteWhere(ctx, &pb.Filter{Must: []*pb.Condition{fieldMatch(keySource, source)}})
}

// DeleteStale removes the points of source with chunk >= keep.
func (q *QdrantStore) DeleteStale(ctx context.Context, source string, keep int) error {
	gte := float64(keep)
	return q.deleteWhere(ctx, &pb.Filter{Must: []*pb.Condition{
		fieldMatch(keySource, source),
		{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{Key: keyChunk, Range: &pb.Range{Gte: &gte}},
			},
		},
	}})
}

func (q *QdrantStore) deleteWhere(ctx context.Context, filter *pb.Filter) error {
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete points: %w: %w", domain.ErrVectorStoreUnavailable, err)
	}
	return nil
}

// Query performs k-NN similarity search with optional exact-match filters.
func (q *QdrantStore) Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]domain.Match, error) {
	vec, err := Truncate(vector, q.dim)
	if err != nil {
		return nil, fmt.Errorf("semantic: query: %w", err)
	}
	req := &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vec,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filter) > 0 {
		must := make([]*pb.Condition, 0, len(filter))
		for k, v := range filter {
			must = append(must, fieldMatch(k, v))
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := q.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w: %w", domain.ErrVectorStoreUnavailable, err)
	}

	matches := make([]domain.Match, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		score := r.GetScore()
		m := domain.Match{ID: r.GetId().GetUuid(), Score: score}
		m.Metadata.Score = &score
		for k, v := range r.GetPayload() {
			switch k {
			case keyText:
				m.Metadata.Text = v.GetStringValue()
			case keySource:
				m.Metadata.Source = v.GetStringValue()
			case keyChunk:
				m.Metadata.Chunk = int(v.GetIntegerValue())
			case keyType:
				m.Metadata.Type = v.GetStringValue()
			case keyRecordID:
				m.ID = v.GetStringValue()
			}
		}
		matches[i] = m
	}
	return matches, nil
}

// Stats returns the exact number of points in the collection.
func (q *QdrantStore) Stats(ctx context.Context) (domain.Stats, error) {
	exact := true
	resp, err := q.points.Count(ctx, &pb.CountPoints{CollectionName: q.collection, Exact: &exact})
	if err != nil {
		return domain.Stats{}, fmt.Errorf("semantic: count: %w: %w", domain.ErrVectorStoreUnavailable, err)
	}
	return domain.Stats{TotalRecordCount: int(resp.GetResult().GetCount())}, nil
}

// Ping checks that Qdrant answers and the collection exists.
func (q *QdrantStore) Ping(ctx context.Context) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: ping: %w: %w", domain.ErrVectorStoreUnavailable, err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}
	return fmt.Errorf("semantic: collection %s not found: %w", q.collection, domain.ErrVectorStoreUnavailable)
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
