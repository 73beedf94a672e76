package aggregator

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/snapstory/snapwatch/internal/protocol"
	"github.com/hazyhaar/snapstory/snapwatch/media"
)

// DownloadSingle persists one record: it synthesizes a name when needed,
// resolves ephemeral locators inside the page and asks the orchestrator to
// download the result. The orchestrator accepting the job completes the
// request.
func (a *Aggregator) DownloadSingle(ctx context.Context, rec *media.Record) error {
	_, err := a.persist(ctx, rec)
	return err
}

func (a *Aggregator) persist(ctx context.Context, rec *media.Record) (*media.PersistenceRequest, error) {
	if rec == nil || strings.TrimSpace(rec.Locator) == "" {
		return nil, &media.ValidationError{Reason: "Invalid media item - no URL found"}
	}
	if a.up == nil {
		return nil, errors.New("aggregator: no upstream orchestrator")
	}

	kind := rec.Kind
	if kind == "" {
		kind = media.Classify(rec.Locator, false)
	}
	name := strings.TrimSpace(rec.SuggestedName)
	if name == "" {
		name = media.Synthesize(rec.Locator, kind, a.cfg.Clock())
	}
	name = media.EnsureExtension(name, kind, rec.Locator)

	req := media.NewRequest(a.cfg.NewID(), rec.Locator, name)
	log := a.logger.With("request", req.ID)

	if media.IsEphemeral(rec.Locator) {
		_ = req.Advance(media.StateResolving)
		inline, err := a.page.Resolve(ctx, rec.Locator)
		if err != nil {
			return req, req.Fail(&media.DereferenceError{Locator: rec.Locator, Cause: err})
		}
		req.ResolvedLocator = inline
		log.Debug("aggregator: ephemeral locator resolved", "mime", media.InlineMIME(inline))
	}

	if err := req.Advance(media.StateDispatched); err != nil {
		return req, req.Fail(err)
	}
	resp, err := protocol.Send[protocol.DownloadRequest, protocol.DownloadResponse](ctx, a.up, protocol.VerbDownload,
		protocol.DownloadRequest{URL: req.DispatchLocator(), Filename: req.DestinationName})
	if err != nil {
		log.Warn("aggregator: download refused", "name", name, "error", err)
		return req, req.Fail(err)
	}
	if err := req.Complete(resp.DownloadID); err != nil {
		return req, req.Fail(err)
	}
	log.Info("aggregator: download dispatched", "name", name, "job", resp.DownloadID)
	return req, nil
}

// DownloadAll dispatches every record of the current session concurrently
// and reports once each one has settled. A failure never cancels the others.
func (a *Aggregator) DownloadAll(ctx context.Context) protocol.BulkResult {
	records := a.Session().Records()
	outcomes := make([]bool, len(records))

	var g errgroup.Group
	for i := range records {
		g.Go(func() error {
			outcomes[i] = a.DownloadSingle(ctx, &records[i]) == nil
			return nil
		})
	}
	_ = g.Wait()

	res := protocol.BulkResult{Total: len(records)}
	for _, ok := range outcomes {
		if ok {
			res.Successful++
		} else {
			res.Failed++
		}
	}
	a.logger.Info("aggregator: bulk download settled", "successful", res.Successful, "failed", res.Failed, "total", res.Total)
	return res
}
