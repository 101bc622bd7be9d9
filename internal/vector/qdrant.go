package vector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/provider"
	"github.com/IBazylchuk/paparats-mcp-sub000/pkg/types"
)

// scrollPageSize bounds one scroll request.
const scrollPageSize = 1000

// Config locates the qdrant instance.
type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// Store implements provider.VectorStore on qdrant.
type Store struct {
	client *qdrant.Client
	logger *slog.Logger
}

// New connects to qdrant.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create qdrant client: %v", types.ErrUpstream, err)
	}
	return &Store{client: client, logger: logger}, nil
}

// PointID derives the stable deterministic point id for a chunk id.
func PointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(chunkID)).String()
}

// EnsureCollection idempotently creates the group's collection with cosine
// distance and keyword payload indices on project and file.
func (s *Store) EnsureCollection(ctx context.Context, group string, dim int) error {
	return withRetry(ctx, s.logger, "ensure_collection", func() error {
		names, err := s.client.ListCollections(ctx)
		if err != nil {
			return fmt.Errorf("list collections: %w", err)
		}
		for _, name := range names {
			if name == group {
				return nil
			}
		}

		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: group,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("create collection %s: %w", group, err)
		}

		for _, field := range []string{"project", "file"} {
			_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: group,
				FieldName:      field,
				FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			})
			if err != nil {
				return fmt.Errorf("create payload index on %s: %w", field, err)
			}
		}
		s.logger.Info("created vector collection", slog.String("group", group), slog.Int("dim", dim))
		return nil
	})
}

// Upsert writes points into the group's collection.
func (s *Store) Upsert(ctx context.Context, group string, points []provider.Point) error {
	if len(points) == 0 {
		return nil
	}
	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qpoints[i] = &qdrant.PointStruct{
			Id:      stringToPointID(p.ID),
			Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: p.Vector}}},
			Payload: payloadToQdrant(p.Payload),
		}
	}
	err := withRetry(ctx, s.logger, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: group,
			Points:         qpoints,
			Wait:           qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: upsert into %s: %v", types.ErrUpstream, group, err)
	}
	return nil
}

// Search runs a similarity query. A collection that does not exist yet
// yields an empty result, never an error.
func (s *Store) Search(ctx context.Context, group string, vector []float32, limit int, filter *provider.Filter) ([]provider.ScoredPayload, error) {
	var hits []*qdrant.ScoredPoint
	err := withRetry(ctx, s.logger, "search", func() error {
		var callErr error
		hits, callErr = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: group,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         filterToQdrant(filter),
		})
		return callErr
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: search in %s: %v", types.ErrUpstream, group, err)
	}

	out := make([]provider.ScoredPayload, 0, len(hits))
	for _, h := range hits {
		out = append(out, provider.ScoredPayload{
			Score:   h.GetScore(),
			Payload: payloadFromQdrant(h.GetPayload()),
		})
	}
	return out, nil
}

// DeleteByFilter removes all points matching the filter.
func (s *Store) DeleteByFilter(ctx context.Context, group string, filter *provider.Filter) error {
	err := withRetry(ctx, s.logger, "delete_by_filter", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: group,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: filterToQdrant(filter),
				},
			},
			Wait: qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: delete from %s: %v", types.ErrUpstream, group, err)
	}
	return nil
}

// ScrollByFilter iterates all payloads matching the filter.
func (s *Store) ScrollByFilter(ctx context.Context, group string, filter *provider.Filter) ([]map[string]any, error) {
	var out []map[string]any
	var offset *qdrant.PointId

	for {
		var page []*qdrant.RetrievedPoint
		err := withRetry(ctx, s.logger, "scroll", func() error {
			var callErr error
			page, callErr = s.client.Scroll(ctx, &qdrant.ScrollPoints{
				CollectionName: group,
				Filter:         filterToQdrant(filter),
				Limit:          qdrant.PtrOf(uint32(scrollPageSize)),
				Offset:         offset,
				WithPayload:    qdrant.NewWithPayload(true),
			})
			return callErr
		})
		if err != nil {
			if isNotFound(err) {
				return out, nil
			}
			return nil, fmt.Errorf("%w: scroll %s: %v", types.ErrUpstream, group, err)
		}
		for _, p := range page {
			out = append(out, payloadFromQdrant(p.GetPayload()))
		}
		if len(page) < scrollPageSize {
			return out, nil
		}
		offset = page[len(page)-1].GetId()
	}
}

// SetPayload patches payload fields on one point.
func (s *Store) SetPayload(ctx context.Context, group, pointID string, patch map[string]any) error {
	err := withRetry(ctx, s.logger, "set_payload", func() error {
		_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: group,
			Payload:        payloadToQdrant(patch),
			PointsSelector: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{
						Ids: []*qdrant.PointId{stringToPointID(pointID)},
					},
				},
			},
			Wait: qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: point %s in %s", types.ErrNotFound, pointID, group)
		}
		return fmt.Errorf("%w: set payload in %s: %v", types.ErrUpstream, group, err)
	}
	return nil
}

// DeleteCollection drops the group's collection.
func (s *Store) DeleteCollection(ctx context.Context, group string) error {
	err := withRetry(ctx, s.logger, "delete_collection", func() error {
		return s.client.DeleteCollection(ctx, group)
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("%w: delete collection %s: %v", types.ErrUpstream, group, err)
	}
	return nil
}

// ListCollections names all existing collections.
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	var names []string
	err := withRetry(ctx, s.logger, "list_collections", func() error {
		var callErr error
		names, callErr = s.client.ListCollections(ctx)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list collections: %v", types.ErrUpstream, err)
	}
	return names, nil
}

// Close shuts down the client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ provider.VectorStore = (*Store)(nil)

func stringToPointID(s string) *qdrant.PointId {
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: s}}
}

func filterToQdrant(f *provider.Filter) *qdrant.Filter {
	if f == nil || len(f.Must) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(f.Must))
	for _, c := range f.Must {
		var match *qdrant.Match
		if len(c.AnyOf) > 0 {
			match = &qdrant.Match{MatchValue: &qdrant.Match_Keywords{
				Keywords: &qdrant.RepeatedStrings{Strings: c.AnyOf},
			}}
		} else {
			match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: c.Equals}}
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{Key: c.Field, Match: match},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func payloadToQdrant(payload map[string]any) map[string]*qdrant.Value {
	out := make(map[string]*qdrant.Value, len(payload))
	for k, v := range payload {
		out[k] = valueToQdrant(v)
	}
	return out
}

func valueToQdrant(v any) *qdrant.Value {
	switch val := v.(type) {
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	case []string:
		values := make([]*qdrant.Value, len(val))
		for i, s := range val {
			values[i] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}
	case nil:
		return &qdrant.Value{Kind: &qdrant.Value_NullValue{}}
	default:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}

func payloadFromQdrant(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = valueFromQdrant(v)
	}
	return out
}

func valueFromQdrant(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return int(kind.IntegerValue)
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		values := kind.ListValue.GetValues()
		out := make([]string, 0, len(values))
		for _, item := range values {
			out = append(out, item.GetStringValue())
		}
		return out
	default:
		return nil
	}
}
