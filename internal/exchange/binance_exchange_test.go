package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"volatility-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapError(t *testing.T) {
	assert.NoError(t, wrapError(nil))

	var apiErr *models.Error
	err := wrapError(fmt.Errorf("place: %w", &common.APIError{Code: CodeServerBusy, Message: "Server is currently overloaded with other requests."}))
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, CodeServerBusy, apiErr.Code)
	assert.Equal(t, models.ReasonRateLimited, apiErr.Reason)

	// 5xx 响应体不是 JSON 时 go-binance 给出 Code 0
	err = wrapError(&common.APIError{Response: []byte("<html>503 Service Temporarily Unavailable</html>")})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, models.ReasonConnection, apiErr.Reason)
	assert.Contains(t, apiErr.Msg, "503")

	err = wrapError(&common.APIError{})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "empty error response", apiErr.Msg)

	assert.ErrorIs(t, wrapError(context.DeadlineExceeded), context.DeadlineExceeded)
}

func TestReasonForCode(t *testing.T) {
	assert.Equal(t, models.ReasonRateLimited, ReasonForCode(CodeServerBusy))
	assert.Equal(t, models.ReasonRateLimited, ReasonForCode(CodeTooManyOrders))
	assert.Equal(t, models.ReasonTimeout, ReasonForCode(CodeTimeout))
	assert.Equal(t, models.ReasonInsufficientBalance, ReasonForCode(CodeInsufficientBalance))
	assert.Equal(t, models.ReasonUnknown, ReasonForCode(-9999))
}
