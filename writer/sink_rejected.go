package writer

import (
	"net/url"

	"go.redoflow.dev/core/errs"
)

// newRejectedSink always fails, for scheme values that are accepted as
// configuration but not compiled into this build. No example repo in
// the retrieval pack carries a Kafka or ZeroMQ client; this mirrors the
// teacher's and the original redo-log tailer's own compile-time
// HAS_KAFKA/HAS_ZEROMQ feature gates.
func newRejectedSink(scheme string) Constructor {
	return func(*url.URL) (Sink, error) {
		return nil, errs.NewConfigurationError("writer type not compiled in: "+scheme, nil)
	}
}
