package llm

import (
	"context"

	"github.com/wolfman30/groundguard/pkg/logging"
)

// FallbackClient opens a stream on the primary backend and, if that fails,
// on the fallback. A stream that fails after it has started is never
// retried: part of it may already be buffered.
type FallbackClient struct {
	primary  StreamClient
	fallback StreamClient
	logger   *logging.Logger
}

// NewFallbackClient wraps primary with an optional fallback.
func NewFallbackClient(primary, fallback StreamClient, logger *logging.Logger) *FallbackClient {
	if logger == nil {
		logger = logging.Default()
	}
	return &FallbackClient{primary: primary, fallback: fallback, logger: logger}
}

func (c *FallbackClient) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	stream, err := c.primary.CompleteStream(ctx, req)
	if err == nil {
		return stream, nil
	}

	c.logger.Warn("primary llm failed to open stream, attempting fallback",
		"error", err.Error(),
		"fallback_available", c.fallback != nil,
	)
	if c.fallback == nil {
		return nil, err
	}

	stream, fallbackErr := c.fallback.CompleteStream(ctx, req)
	if fallbackErr != nil {
		c.logger.Error("fallback llm also failed",
			"primary_error", err.Error(),
			"fallback_error", fallbackErr.Error(),
		)
		return nil, fallbackErr
	}

	c.logger.Info("fallback llm stream opened after primary failure")
	return stream, nil
}
