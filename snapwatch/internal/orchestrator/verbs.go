package orchestrator

import (
	"context"

	"github.com/hazyhaar/snapstory/snapwatch/internal/protocol"
)

// Register installs the orchestrator verbs on bus.
func (o *Orchestrator) Register(bus *protocol.Bus) {
	bus.Register(protocol.VerbUpdateBadge, protocol.Handle(
		func(ctx context.Context, req protocol.UpdateBadgeRequest) (protocol.Ack, error) {
			o.UpdateBadge(ctx, req.PageID, req.Count)
			return protocol.Ack{Success: true}, nil
		}))

	bus.Register(protocol.VerbGetBadge, protocol.Handle(
		func(_ context.Context, req protocol.BadgeRequest) (protocol.BadgeResponse, error) {
			count, text := o.Badge(req.PageID)
			resp := protocol.BadgeResponse{PageID: req.PageID, Count: count, Text: text}
			if count > 0 {
				resp.Color = BadgeColor
			}
			return resp, nil
		}))

	bus.Register(protocol.VerbDownload, protocol.Handle(
		func(ctx context.Context, req protocol.DownloadRequest) (protocol.DownloadResponse, error) {
			id, err := o.Download(ctx, req.URL, req.Filename)
			if err != nil {
				return protocol.DownloadResponse{}, err
			}
			return protocol.DownloadResponse{Success: true, DownloadID: id}, nil
		}))

	bus.Register(protocol.VerbGetSettings, protocol.Handle(
		func(ctx context.Context, _ struct{}) (protocol.SettingsResponse, error) {
			s, err := o.Settings(ctx)
			return protocol.SettingsResponse{Settings: s}, err
		}))

	bus.Register(protocol.VerbSaveSettings, protocol.Handle(
		func(ctx context.Context, req protocol.SaveSettingsRequest) (protocol.Ack, error) {
			if err := o.SaveSettings(ctx, req.Settings); err != nil {
				return protocol.Ack{}, err
			}
			return protocol.Ack{Success: true}, nil
		}))

	bus.Register(protocol.VerbPageUpdated, protocol.Handle(
		func(ctx context.Context, req protocol.PageUpdatedRequest) (protocol.PageUpdatedResponse, error) {
			return protocol.PageUpdatedResponse{Reset: o.PageUpdated(ctx, req.PageID, req.URL)}, nil
		}))
}
