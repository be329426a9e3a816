package plate

import "errors"

var (
	// ErrUnrecognizedPayload means the webhook body carried no known
	// discriminator. Logged and dropped at the boundary, never fatal.
	ErrUnrecognizedPayload = errors.New("unrecognized payload kind")

	// ErrMalformedDetection marks a single unusable sub-detection; siblings
	// in the same payload still proceed.
	ErrMalformedDetection = errors.New("malformed detection")

	// ErrThumbnailFetch is a per-tier fetch failure; the resolver falls
	// through to the next strategy.
	ErrThumbnailFetch = errors.New("thumbnail fetch failed")

	// ErrThumbnailTooLarge rejects an image over the configured byte
	// ceiling. Terminal for that image kind only.
	ErrThumbnailTooLarge = errors.New("thumbnail exceeds size ceiling")

	// ErrThumbnailUpload is a permanent object-storage upload failure after
	// retries. Terminal for that image kind only.
	ErrThumbnailUpload = errors.New("thumbnail upload failed")

	// ErrPersistence is a warehouse write failure, the only error class
	// that fails a processing unit.
	ErrPersistence = errors.New("persistence failed")

	// ErrUpstreamAuth means the camera platform rejected our session.
	// Fatal for a backfill run; the live path fails the single request.
	ErrUpstreamAuth = errors.New("upstream authentication failed")
)
