package aggregator

import (
	"context"

	"github.com/hazyhaar/snapstory/snapwatch/internal/protocol"
	"github.com/hazyhaar/snapstory/snapwatch/media"
)

// Register installs the content verbs on bus.
func (a *Aggregator) Register(bus *protocol.Bus) {
	bus.Register(protocol.VerbGetMediaCount, protocol.Handle(
		func(_ context.Context, _ struct{}) (protocol.CountResponse, error) {
			return protocol.CountResponse{Count: a.Session().Len()}, nil
		}))

	bus.Register(protocol.VerbGetMediaList, protocol.Handle(
		func(_ context.Context, _ struct{}) (protocol.MediaListResponse, error) {
			recs := a.Session().Records()
			if recs == nil {
				recs = []media.Record{}
			}
			return protocol.MediaListResponse{Media: recs}, nil
		}))

	bus.Register(protocol.VerbDownloadAll, protocol.Handle(
		func(ctx context.Context, _ struct{}) (protocol.BulkResult, error) {
			return a.DownloadAll(ctx), nil
		}))

	bus.Register(protocol.VerbDownloadSingle, protocol.Handle(
		func(ctx context.Context, req protocol.DownloadSingleRequest) (protocol.Ack, error) {
			if err := a.DownloadSingle(ctx, req.MediaItem); err != nil {
				return protocol.Ack{}, err
			}
			return protocol.Ack{Success: true}, nil
		}))

	bus.Register(protocol.VerbRefreshScan, protocol.Handle(
		func(ctx context.Context, _ struct{}) (protocol.CountResponse, error) {
			if _, err := a.Rescan(ctx); err != nil {
				return protocol.CountResponse{}, err
			}
			return protocol.CountResponse{Count: a.Session().Len()}, nil
		}))
}
