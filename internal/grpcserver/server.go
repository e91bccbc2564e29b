package grpcserver

import (
	"context"
	"errors"

	"github.com/aiennonprofit/pumpkin-voting/pkg/voting"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// GalleryServiceName is the fully qualified gRPC service name of the read API.
	GalleryServiceName = "pumpkins.v1.Gallery"

	methodGetEntry       = "GetEntry"
	methodGetLeaderboard = "GetLeaderboard"

	errorInvalidEntryID   = "invalid_entry_id"
	errorEntryNotFound    = "entry_not_found"
	errorStoreUnavailable = "store_unavailable"
	errorTransient        = "transient_failure"
)

// GalleryReader is the read side of the voting service.
type GalleryReader interface {
	Entry(ctx context.Context, entryID voting.EntryID) (voting.Entry, error)
	ApprovedEntries(ctx context.Context) ([]voting.Entry, error)
}

// GalleryServer exposes approved entries and the leaderboard over gRPC.
type GalleryServer struct {
	reader GalleryReader
}

// NewGalleryServer constructs the gRPC read API.
func NewGalleryServer(reader GalleryReader) *GalleryServer {
	return &GalleryServer{reader: reader}
}

// NewServer builds a gRPC server with the gallery API and the health service registered.
func NewServer(reader GalleryReader, healthServer *health.Server, options ...grpc.ServerOption) *grpc.Server {
	server := grpc.NewServer(options...)
	RegisterGalleryServer(server, NewGalleryServer(reader))
	healthpb.RegisterHealthServer(server, healthServer)
	return server
}

// GetEntry returns one approved entry. Entries still in moderation are reported as missing.
func (server *GalleryServer) GetEntry(ctx context.Context, request *wrapperspb.StringValue) (*structpb.Struct, error) {
	entryID, err := voting.NewEntryID(request.GetValue())
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	entry, err := server.reader.Entry(ctx, entryID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if entry.Status != voting.EntryStatusApproved {
		return nil, mapToGRPCError(voting.ErrEntryNotFound)
	}
	return structpb.NewStruct(entryFields(entry))
}

// GetLeaderboard ranks every approved entry.
func (server *GalleryServer) GetLeaderboard(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	entries, err := server.reader.ApprovedEntries(ctx)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	leaderboard := voting.RankLeaderboard(entries)
	standings := make([]any, 0, len(leaderboard.Standings))
	for _, standing := range leaderboard.Standings {
		fields := entryFields(standing.Entry)
		delete(fields, "image")
		fields["rank"] = standing.Rank
		standings = append(standings, fields)
	}
	payload := map[string]any{
		"standings":   standings,
		"total_votes": leaderboard.TotalVotes(),
	}
	if winner, ok := leaderboard.Winner(); ok {
		payload["winner_id"] = winner.ID.String()
	}
	return structpb.NewStruct(payload)
}

func entryFields(entry voting.Entry) map[string]any {
	return map[string]any{
		"id":                   entry.ID.String(),
		"title":                entry.Title,
		"description":          entry.Description,
		"carver_name":          entry.CarverName,
		"image":                entry.Image,
		"vote_count":           entry.VoteCount,
		"submitted_unix_milli": entry.SubmittedUnixMilli,
		"approved_unix_milli":  entry.ApprovedUnixMilli,
	}
}

func mapToGRPCError(source error) error {
	if errors.Is(source, voting.ErrInvalidEntryID) {
		return status.Error(codes.InvalidArgument, errorInvalidEntryID)
	}
	if errors.Is(source, voting.ErrEntryNotFound) {
		return status.Error(codes.NotFound, errorEntryNotFound)
	}
	if errors.Is(source, voting.ErrStoreUnavailable) {
		return status.Error(codes.Unavailable, errorStoreUnavailable)
	}
	if errors.Is(source, voting.ErrTransientFailure) || errors.Is(source, voting.ErrConflict) {
		return status.Error(codes.Aborted, errorTransient)
	}
	return status.Error(codes.Internal, source.Error())
}

// galleryService is implemented by GalleryServer; the descriptor below dispatches to it.
type galleryService interface {
	GetEntry(ctx context.Context, request *wrapperspb.StringValue) (*structpb.Struct, error)
	GetLeaderboard(ctx context.Context, request *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterGalleryServer registers the gallery API on a gRPC service registrar.
func RegisterGalleryServer(registrar grpc.ServiceRegistrar, server galleryService) {
	registrar.RegisterService(&galleryServiceDesc, server)
}

var galleryServiceDesc = grpc.ServiceDesc{
	ServiceName: GalleryServiceName,
	HandlerType: (*galleryService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodGetEntry, Handler: getEntryHandler},
		{MethodName: methodGetLeaderboard, Handler: getLeaderboardHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func getEntryHandler(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(wrapperspb.StringValue)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return server.(galleryService).GetEntry(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: server, FullMethod: FullMethod(methodGetEntry)}
	return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
		return server.(galleryService).GetEntry(ctx, request.(*wrapperspb.StringValue))
	})
}

func getLeaderboardHandler(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	request := new(emptypb.Empty)
	if err := decode(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return server.(galleryService).GetLeaderboard(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: server, FullMethod: FullMethod(methodGetLeaderboard)}
	return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
		return server.(galleryService).GetLeaderboard(ctx, request.(*emptypb.Empty))
	})
}

// FullMethod returns the invocation path of a gallery method.
func FullMethod(method string) string {
	return "/" + GalleryServiceName + "/" + method
}
