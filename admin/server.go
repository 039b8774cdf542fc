// Package admin exposes read-only cache introspection over gRPC, using a
// manually written grpc.ServiceDesc and a JSON wire codec instead of
// protoc-generated stubs — the same pattern the teacher's cmd/server
// used for its TinySQLServer, retargeted from SQL exec/query RPCs to
// the debug hooks cache/debug.go already implements (Stats, DumpIndex,
// DumpDirtyList, Validate). These are diagnostic endpoints, not part of
// the cache's own concurrency model: every handler only reads from
// cache.Cache (Stats, Snapshot, Validate all take the cache's own
// mutex internally), so admin.Server never needs its own locking.
package admin

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/hdf5go/mdcache/cache"
)

// JSONCodec is the wire codec registered alongside this service, per
// the teacher's jsonCodec — plain JSON instead of protobuf framing, so
// no .proto compilation step is needed to stand up the server.
type JSONCodec struct{}

func (JSONCodec) Name() string                      { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// StatsRequest carries no fields; it exists so the JSON codec has
// something concrete to decode on the wire.
type StatsRequest struct{}

// StatsResponse mirrors cache.Stats field-for-field rather than
// embedding it, so the wire shape stays stable if cache.Stats grows
// internal-only fields later.
type StatsResponse struct {
	Accesses     uint64 `json:"accesses"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Inserts      uint64 `json:"inserts"`
	IndexSize    uint64 `json:"index_size"`
	NumEntries   int    `json:"num_entries"`
	MaxSize      uint64 `json:"max_size"`
	MinCleanSize uint64 `json:"min_clean_size"`
}

type DumpRequest struct {
	Name string `json:"name"`
}

type DumpResponse struct {
	Text string `json:"text"`
}

type DumpIndexRequest struct{}

type DumpIndexResponse struct {
	Entries []cache.EntrySnapshot `json:"entries"`
}

type ValidateRequest struct{}

type ValidateResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Server is the debug-facing RPC surface over one cache.Cache.
type Server interface {
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
	DumpIndex(context.Context, *DumpIndexRequest) (*DumpIndexResponse, error)
	DumpDirtyList(context.Context, *DumpRequest) (*DumpResponse, error)
	Validate(context.Context, *ValidateRequest) (*ValidateResponse, error)
}

// cacheServer is the concrete Server backed by a live cache.Cache.
type cacheServer struct {
	c *cache.Cache
}

// NewServer wraps c as a debug RPC target.
func NewServer(c *cache.Cache) Server {
	return &cacheServer{c: c}
}

func (s *cacheServer) Stats(_ context.Context, _ *StatsRequest) (*StatsResponse, error) {
	st := s.c.Stats()
	maxSize, minClean := s.c.Bounds()
	return &StatsResponse{
		Accesses:     st.Accesses,
		Hits:         st.Hits,
		Misses:       st.Misses,
		Inserts:      st.Inserts,
		IndexSize:    st.IndexSize,
		NumEntries:   len(s.c.Snapshot()),
		MaxSize:      maxSize,
		MinCleanSize: minClean,
	}, nil
}

func (s *cacheServer) DumpIndex(_ context.Context, _ *DumpIndexRequest) (*DumpIndexResponse, error) {
	return &DumpIndexResponse{Entries: s.c.Snapshot()}, nil
}

// DumpDirtyList reuses the same human-readable Dump() text the debug
// hook produces; it isn't filtered to dirty entries only, matching
// cache/debug.go's single Dump implementation (DumpIndex above is the
// structured/programmatic equivalent for tooling that wants to filter
// client-side).
func (s *cacheServer) DumpDirtyList(_ context.Context, req *DumpRequest) (*DumpResponse, error) {
	return &DumpResponse{Text: s.c.Dump(req.Name)}, nil
}

func (s *cacheServer) Validate(_ context.Context, _ *ValidateRequest) (*ValidateResponse, error) {
	if err := s.c.Validate(); err != nil {
		return &ValidateResponse{Valid: false, Error: err.Error()}, nil
	}
	return &ValidateResponse{Valid: true}, nil
}

// Register installs Server's four RPCs on gs, manually, per the
// teacher's registerTinySQLServer — no protoc-generated descriptor.
func Register(gs *grpc.Server, srv Server) {
	gs.RegisterService(&grpc.ServiceDesc{
		ServiceName: "mdcache.Admin",
		HandlerType: (*Server)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Stats", Handler: statsHandler},
			{MethodName: "DumpIndex", Handler: dumpIndexHandler},
			{MethodName: "DumpDirtyList", Handler: dumpDirtyListHandler},
			{MethodName: "Validate", Handler: validateHandler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "mdcache",
	}, srv)
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/mdcache.Admin/Stats"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(Server).Stats(ctx, req.(*StatsRequest)) }
	return interceptor(ctx, in, info, handler)
}

func dumpIndexHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DumpIndexRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).DumpIndex(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/mdcache.Admin/DumpIndex"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(Server).DumpIndex(ctx, req.(*DumpIndexRequest)) }
	return interceptor(ctx, in, info, handler)
}

func dumpDirtyListHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DumpRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).DumpDirtyList(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/mdcache.Admin/DumpDirtyList"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).DumpDirtyList(ctx, req.(*DumpRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func validateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ValidateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Validate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/mdcache.Admin/Validate"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(Server).Validate(ctx, req.(*ValidateRequest)) }
	return interceptor(ctx, in, info, handler)
}
