package memory

import (
	"context"
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantStore is the vector_qdrant backend: a dedicated ANN server reached
// over gRPC. One collection holds both memory and trace rows; traces carry a
// zero vector and are excluded from ANN results by the kind filter.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	dims        int
}

// NewQdrantStore dials the server and ensures the collection exists with
// cosine distance and the configured dimensionality.
func NewQdrantStore(ctx context.Context, addr, collection string, dims int) (*QdrantStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrantstore: dial %s: %w", addr, err)
	}
	s := &QdrantStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		dims:        dims,
	}
	if err := s.ensureCollection(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("qdrantstore: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.collection {
			return nil
		}
	}
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(s.dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrantstore: create collection %s: %w", s.collection, err)
	}
	return nil
}

// Close closes the underlying gRPC connection.
func (s *QdrantStore) Close() error { return s.conn.Close() }

func recordPayload(r Record) map[string]*pb.Value {
	payload := map[string]*pb.Value{
		"kind":         {Kind: &pb.Value_StringValue{StringValue: string(r.Kind)}},
		"workspace_id": {Kind: &pb.Value_StringValue{StringValue: r.WorkspaceID}},
		"trace_id":     {Kind: &pb.Value_StringValue{StringValue: r.TraceID}},
		"ts":           {Kind: &pb.Value_IntegerValue{IntegerValue: r.Timestamp.UnixNano()}},
		"outcome":      {Kind: &pb.Value_StringValue{StringValue: string(r.Outcome)}},
		"domain":       {Kind: &pb.Value_StringValue{StringValue: r.Domain}},
		"has_error":    {Kind: &pb.Value_BoolValue{BoolValue: r.HasError}},
		"payload":      {Kind: &pb.Value_StringValue{StringValue: string(r.Payload)}},
	}
	tags := make([]*pb.Value, len(r.PatternTags))
	for i, t := range r.PatternTags {
		tags[i] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: t}}
	}
	payload["pattern_tags"] = &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: tags}}}
	return payload
}

func payloadRecord(id string, payload map[string]*pb.Value) Record {
	r := Record{ID: id}
	if v, ok := payload["kind"]; ok {
		r.Kind = RecordKind(v.GetStringValue())
	}
	if v, ok := payload["workspace_id"]; ok {
		r.WorkspaceID = v.GetStringValue()
	}
	if v, ok := payload["trace_id"]; ok {
		r.TraceID = v.GetStringValue()
	}
	if v, ok := payload["ts"]; ok {
		r.Timestamp = time.Unix(0, v.GetIntegerValue()).UTC()
	}
	if v, ok := payload["outcome"]; ok {
		r.Outcome = Outcome(v.GetStringValue())
	}
	if v, ok := payload["domain"]; ok {
		r.Domain = v.GetStringValue()
	}
	if v, ok := payload["has_error"]; ok {
		r.HasError = v.GetBoolValue()
	}
	if v, ok := payload["pattern_tags"]; ok {
		for _, t := range v.GetListValue().GetValues() {
			r.PatternTags = append(r.PatternTags, t.GetStringValue())
		}
	}
	if v, ok := payload["payload"]; ok {
		r.Payload = []byte(v.GetStringValue())
	}
	return r
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func fieldBool(key string, value bool) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Boolean{Boolean: value}},
			},
		},
	}
}

// buildFilter pushes the structured predicate down to qdrant. PatternTags
// become a nested should-filter for OR semantics.
func buildFilter(f Filter) *pb.Filter {
	var must []*pb.Condition
	if f.WorkspaceID != "" {
		must = append(must, fieldMatch("workspace_id", f.WorkspaceID))
	}
	if f.Kind != "" {
		must = append(must, fieldMatch("kind", string(f.Kind)))
	}
	if f.TraceID != "" {
		must = append(must, fieldMatch("trace_id", f.TraceID))
	}
	if f.Domain != "" {
		must = append(must, fieldMatch("domain", f.Domain))
	}
	if f.Outcome != "" {
		must = append(must, fieldMatch("outcome", string(f.Outcome)))
	}
	if f.ExcludeErrors {
		must = append(must, fieldBool("has_error", false))
	}
	if f.OnlyErrors {
		must = append(must, fieldBool("has_error", true))
	}
	if !f.Before.IsZero() {
		lt := float64(f.Before.UnixNano())
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   "ts",
					Range: &pb.Range{Lt: &lt},
				},
			},
		})
	}
	if len(f.PatternTags) > 0 {
		should := make([]*pb.Condition, len(f.PatternTags))
		for i, t := range f.PatternTags {
			should[i] = fieldMatch("pattern_tags", t)
		}
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Filter{Filter: &pb.Filter{Should: should}},
		})
	}
	if len(must) == 0 {
		return nil
	}
	return &pb.Filter{Must: must}
}

// Upsert stores records. Trace rows get a zero vector to satisfy the
// collection schema.
func (s *QdrantStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		vec := r.Vector
		if len(vec) == 0 {
			vec = make([]float32, s.dims)
		}
		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: r.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vec}}},
			Payload: recordPayload(r),
		}
	}
	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return &StorageError{Op: "upsert", Cause: err}
	}
	return nil
}

// ANNQuery performs filtered k-NN search. Qdrant's cosine score is mapped
// onto [0,1].
func (s *QdrantStore) ANNQuery(ctx context.Context, embedding []float32, k int, f Filter) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	if f.Kind == "" {
		f.Kind = KindMemory
	}
	req := &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         embedding,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter:         buildFilter(f),
	}
	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, &RetrievalError{Op: "ann_query", Cause: err}
	}
	matches := make([]Match, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		rec := payloadRecord(r.GetId().GetUuid(), r.GetPayload())
		sim := (float64(r.GetScore()) + 1) / 2
		if sim < 0 {
			sim = 0
		} else if sim > 1 {
			sim = 1
		}
		matches = append(matches, Match{Record: rec, Similarity: sim})
	}
	return matches, nil
}

// Scan pages through all records matching the filter via the scroll API.
func (s *QdrantStore) Scan(ctx context.Context, f Filter) ([]Record, error) {
	var out []Record
	var offset *pb.PointId
	limit := uint32(256)
	for {
		resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: s.collection,
			Filter:         buildFilter(f),
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		})
		if err != nil {
			return nil, &RetrievalError{Op: "scan", Cause: err}
		}
		for _, p := range resp.GetResult() {
			out = append(out, payloadRecord(p.GetId().GetUuid(), p.GetPayload()))
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}
	return out, nil
}

// Delete removes records matching the filter and returns the count observed
// before deletion.
func (s *QdrantStore) Delete(ctx context.Context, f Filter) (int, error) {
	n, err := s.Count(ctx, f)
	if err != nil {
		return 0, err
	}
	wait := true
	_, err = s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: buildFilter(f)},
		},
	})
	if err != nil {
		return 0, &StorageError{Op: "delete", Cause: err}
	}
	return n, nil
}

// Count returns how many records match the filter.
func (s *QdrantStore) Count(ctx context.Context, f Filter) (int, error) {
	exact := true
	resp, err := s.points.Count(ctx, &pb.CountPoints{
		CollectionName: s.collection,
		Filter:         buildFilter(f),
		Exact:          &exact,
	})
	if err != nil {
		return 0, &RetrievalError{Op: "count", Cause: err}
	}
	return int(resp.GetResult().GetCount()), nil
}
