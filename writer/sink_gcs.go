package writer

import (
	"context"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"

	"go.redoflow.dev/core/errs"
)

// gcsSink batches frames and persists each batch as a GCS object, per
// spec.md §4.8's gs:// scheme, grounded on
// broker/fragment/store_gcs.go's storage.Client usage.
type gcsSink struct {
	client *storage.Client
	bucket string
	b      *objectBatcher
}

func newGCSSink(ep *url.URL) (Sink, error) {
	var client, err = storage.NewClient(context.Background())
	if err != nil {
		return nil, errs.NewConfigurationError("constructing gcs client", err)
	}
	var sink = &gcsSink{client: client, bucket: ep.Host}
	sink.b = newObjectBatcher(strings.TrimPrefix(ep.Path, "/"), 0, sink.putObject)
	return sink, nil
}

func (s *gcsSink) putObject(ctx context.Context, key string, body []byte) error {
	var wc = s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if _, err := wc.Write(body); err != nil {
		_ = wc.Close()
		return errs.NewRuntimeError("writing gcs sink object", err)
	}
	if err := wc.Close(); err != nil {
		return errs.NewRuntimeError("closing gcs sink object", err)
	}
	return nil
}

func (s *gcsSink) Write(ctx context.Context, frame []byte) error { return s.b.Write(ctx, frame) }
func (s *gcsSink) Close() error {
	if err := s.b.Close(context.Background()); err != nil {
		return err
	}
	return s.client.Close()
}
