package video_fetcher

import (
	"context"
)

type Source interface {
	// URL should return the canonical URL for this source. It is assumed that the Provider.Match that created the
	// Source would successfully match this canonical URL.
	URL() string
	// Recon should fetch the stream catalog for the source, giving a ResolvedSource that can download from it.
	Recon(context.Context) (ResolvedSource, error)
}

type ResolvedSource interface {
	// Catalog lists the streams available for download. Never nil for a successfully resolved source.
	Catalog() *Catalog
	// Download fetches one stream to target.Path, blocking until it is complete. Errors wrap ErrTransport when the
	// platform or network failed.
	Download(ctx context.Context, target DownloadTarget, progress ProgressFunc) error
}
