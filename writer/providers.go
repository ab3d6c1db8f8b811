package writer

// DefaultProviders returns the full set of sink constructors this build
// compiles in, for RegisterProviders at process startup.
func DefaultProviders() map[string]Constructor {
	return map[string]Constructor{
		"file":    newFileSink,
		"discard": newDiscardSink,
		"tcp":     newTCPSink,
		"s3":      newS3Sink,
		"gs":      newGCSSink,
		"az":      newAzureSink,
		"kafka":   newRejectedSink("kafka"),
		"zmq":     newRejectedSink("zmq"),
	}
}
