package images

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	_ "golang.org/x/image/webp"
)

const (
	DefaultPreviewSize    = 256
	DefaultPreviewQuality = 80
)

// Preview is a rendered thumbnail for one selected image.
type Preview struct {
	Handle      string
	ContentType string
	Width       int
	Height      int
	Data        []byte
}

// PreviewStore holds preview thumbnails keyed by opaque handles. Handles are
// display-only; they are not part of the image set's meaning and must be
// released when the set is superseded or the session resets.
type PreviewStore struct {
	size        int
	quality     float32
	concurrency int
	logger      *slog.Logger

	mu       sync.RWMutex
	previews map[string]Preview
}

func NewPreviewStore(logger *slog.Logger) *PreviewStore {
	return &PreviewStore{
		size:        DefaultPreviewSize,
		quality:     DefaultPreviewQuality,
		concurrency: runtime.GOMAXPROCS(0),
		logger:      logger,
		previews:    make(map[string]Preview),
	}
}

// Attach renders a thumbnail for every image in set and binds the handles to
// it, releasing any handles the set already held. Images that cannot be
// decoded get an empty handle.
func (p *PreviewStore) Attach(ctx context.Context, set *ImageSet) error {
	imgs := set.Images()
	rendered := make([]*Preview, len(imgs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, img := range imgs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			prev, err := p.render(img)
			if err != nil {
				p.logger.Warn("preview render failed", "name", img.Name, "mime", img.MIMEType, "error", err)
				return nil
			}
			rendered[i] = prev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("render previews: %w", err)
	}

	handles := make([]string, len(imgs))
	p.mu.Lock()
	for i, prev := range rendered {
		if prev == nil {
			continue
		}
		p.previews[prev.Handle] = *prev
		handles[i] = prev.Handle
	}
	p.mu.Unlock()

	// handles from an earlier Attach on the same set would otherwise leak
	set.Release()
	set.previews = handles
	set.release = p.Release

	p.logger.Debug("previews attached", "images", len(imgs), "store_size", p.Len())
	return nil
}

// Get returns the preview for a handle.
func (p *PreviewStore) Get(handle string) (Preview, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prev, ok := p.previews[handle]
	return prev, ok
}

// Release drops the given handles. Unknown and empty handles are ignored.
func (p *PreviewStore) Release(handles []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range handles {
		delete(p.previews, h)
	}
}

// Len returns the number of live previews.
func (p *PreviewStore) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.previews)
}

func (p *PreviewStore) render(img Image) (*Preview, error) {
	src, err := imaging.Decode(bytes.NewReader(img.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", img.Name, err)
	}

	thumb := imaging.Fit(src, p.size, p.size, imaging.Lanczos)

	var buf bytes.Buffer
	if err := webp.Encode(&buf, thumb, &webp.Options{Quality: p.quality}); err != nil {
		return nil, fmt.Errorf("encode preview %s: %w", img.Name, err)
	}

	bounds := thumb.Bounds()
	return &Preview{
		Handle:      uuid.NewString(),
		ContentType: "image/webp",
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		Data:        buf.Bytes(),
	}, nil
}
