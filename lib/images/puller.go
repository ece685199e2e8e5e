package images

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onkernel/minirun/lib/errkind"
	"github.com/onkernel/minirun/lib/logger"
	mrotel "github.com/onkernel/minirun/lib/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultConcurrency  = 3
	DefaultMaxLayerSize = 2 << 30
)

// Puller materializes a registry image into a directory
type Puller struct {
	client       *Client
	arch         string
	concurrency  int
	maxLayerSize int64
	metrics      *mrotel.PullMetrics
}

// PullerOptions configures a Puller
type PullerOptions struct {
	Architecture string // Registry architecture name, e.g. "amd64"
	Concurrency  int    // Concurrent layer downloads
	MaxLayerSize int64  // Limit for one compressed layer and for its unpacked content
	Metrics      *mrotel.PullMetrics
}

// NewPuller creates a puller using client for registry access
func NewPuller(client *Client, opts PullerOptions) *Puller {
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxLayerSize <= 0 {
		opts.MaxLayerSize = DefaultMaxLayerSize
	}
	return &Puller{
		client:       client,
		arch:         opts.Architecture,
		concurrency:  opts.Concurrency,
		maxLayerSize: opts.MaxLayerSize,
		metrics:      opts.Metrics,
	}
}

// Pull resolves ref for the puller's architecture and unpacks its layers
// into destDir, lowest layer first. Downloads run ahead concurrently but
// each layer is only extracted once every layer below it has been applied.
// tracker may be nil.
func (p *Puller) Pull(ctx context.Context, ref *Reference, destDir string, tracker *ProgressTracker) (*PullResult, error) {
	ctx, span := otel.Tracer("minirun/images").Start(ctx, "Puller.Pull")
	defer span.End()
	span.SetAttributes(
		attribute.String("image", ref.String()),
		attribute.String("architecture", p.arch),
	)

	start := time.Now()
	result, err := p.pull(ctx, ref, destDir, tracker)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		tracker.Fail(err)
		p.metrics.RecordPull(ctx, "failed", time.Since(start))
		return nil, err
	}

	span.SetAttributes(attribute.String("digest", result.ManifestDigest.String()))
	tracker.Complete(len(result.Layers))
	p.metrics.RecordPull(ctx, "success", time.Since(start))
	return result, nil
}

func (p *Puller) pull(ctx context.Context, ref *Reference, destDir string, tracker *ProgressTracker) (*PullResult, error) {
	log := logger.FromContext(ctx)

	tracker.Update(ProgressUpdate{Status: StatusResolving})
	token, err := p.client.Token(ctx, ref)
	if err != nil {
		return nil, err
	}

	manifestDigest, err := p.client.ResolveDigest(ctx, ref, token, p.arch)
	if err != nil {
		return nil, err
	}
	log.Debug("resolved manifest", "image", ref.String(), "architecture", p.arch, "digest", manifestDigest)

	layers, err := p.client.ListLayers(ctx, ref, manifestDigest, token)
	if err != nil {
		return nil, err
	}
	for _, layer := range layers {
		if err := layer.supported(); err != nil {
			return nil, fmt.Errorf("%w: %w", errkind.ErrLayer, err)
		}
	}
	log.Debug("listed layers", "image", ref.String(), "layers", len(layers))

	extracted, err := p.fetchAndUnpack(ctx, ref, layers, token, destDir, tracker)
	if err != nil {
		return nil, err
	}

	return &PullResult{
		Reference:      ref.String(),
		ManifestDigest: manifestDigest,
		Layers:         layers,
		Bytes:          extracted,
	}, nil
}

// fetchAndUnpack downloads layers with bounded concurrency and applies them
// to destDir strictly in list order.
func (p *Puller) fetchAndUnpack(ctx context.Context, ref *Reference, layers []Layer, token, destDir string, tracker *ProgressTracker) (int64, error) {
	log := logger.FromContext(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(p.concurrency))

	// One buffered slot per layer: a finished download never waits for the
	// extraction loop.
	blobs := make([]chan []byte, len(layers))
	for i := range layers {
		blobs[i] = make(chan []byte, 1)
	}

	for i, layer := range layers {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return fmt.Errorf("%w: %w", errkind.ErrLayer, err)
			}
			defer sem.Release(1)

			blob, err := p.client.FetchLayer(gctx, ref, layer, token, p.maxLayerSize)
			if err != nil {
				return err
			}
			p.metrics.RecordLayer(gctx, int64(len(blob)))
			log.Debug("downloaded layer", "index", i, "digest", layer.Digest, "bytes", len(blob))
			blobs[i] <- blob
			return nil
		})
	}

	var total int64
	for i, layer := range layers {
		tracker.Update(ProgressUpdate{Status: StatusPulling, Layer: i + 1, Layers: len(layers), Digest: layer.Digest.String()})

		var blob []byte
		select {
		case blob = <-blobs[i]:
		case <-gctx.Done():
			return total, groupErr(ctx, g.Wait())
		}

		tracker.Update(ProgressUpdate{Status: StatusUnpacking, Layer: i + 1, Layers: len(layers), Digest: layer.Digest.String()})
		n, err := unpackLayer(blob, layer, destDir, p.maxLayerSize)
		if err != nil {
			cancel()
			_ = g.Wait()
			return total, err
		}
		total += n
		log.Debug("unpacked layer", "index", i, "digest", layer.Digest, "bytes", n)
	}

	return total, g.Wait()
}

// groupErr returns the download error that stopped the group, or the
// context error if the caller cancelled.
func groupErr(ctx context.Context, err error) error {
	if err != nil {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", errkind.ErrLayer, ctxErr)
	}
	return errors.New("layer download stopped")
}
