package sampler

import "github.com/pkg/errors"

var (
	// ErrInvalidBatch is returned when an image batch carries neither a
	// stacked tensor nor a ragged image list.
	ErrInvalidBatch = errors.New("image batch must be stacked or ragged")

	// ErrInsufficientMask is returned when a masked draw requests more
	// pixels than the mask has valid entries.
	ErrInsufficientMask = errors.New("not enough unmasked pixels to sample")

	// ErrUnsupported is returned for sampler configurations that are
	// deliberately not implemented, such as masked tiered sampling.
	ErrUnsupported = errors.New("unsupported sampler configuration")
)
