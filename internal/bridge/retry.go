package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"volatility-grid-bot-go/internal/exchange"
	"volatility-grid-bot-go/internal/models"
)

// linearBackOff waits delay * attempt before each retry.
type linearBackOff struct {
	delay   time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.delay * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// Classify maps a failure to its structured reason. Exchange errors carry
// their reason; deadlines and network failures are transient; everything
// else is Unknown and therefore not retried.
func Classify(err error) models.ErrorReason {
	if err == nil {
		return models.ReasonUnknown
	}
	var apiErr *models.Error
	if errors.As(err, &apiErr) {
		if apiErr.Reason != models.ReasonUnknown {
			return apiErr.Reason
		}
		return exchange.ReasonForCode(apiErr.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return models.ReasonUnknown
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.ReasonTimeout
		}
		return models.ReasonConnection
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return models.ReasonConnection
	}
	return models.ReasonUnknown
}
