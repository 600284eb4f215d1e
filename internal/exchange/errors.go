package exchange

import "volatility-grid-bot-go/internal/models"

// 币安期货错误码
const (
	CodeUnknown             = -1000
	CodeDisconnected        = -1001
	CodeTooManyRequests     = -1003
	CodeTimeout             = -1007
	CodeServerBusy          = -1008
	CodeTooManyOrders       = -1015
	CodeInvalidPrecision    = -1111
	CodeBadSymbol           = -1121
	CodeFilterFailure       = -1013
	CodeInsufficientBalance = -2019
	CodeReduceOnlyRejected  = -2022
	CodePriceLessThanMin    = -4003
	CodeQtyGreaterThanMax   = -4005
	CodePriceTooLow         = -4013
	CodeInvalidTickSize     = -4014
	CodeInvalidStepSize     = -4023
	CodeSymbolNotTrading    = -4108
	CodeDuplicateClientID   = -4116
	CodeMinNotional         = -4164
)

// ReasonForCode maps an exchange error code to its structured reason.
// Unlisted codes stay Unknown and are not retried.
func ReasonForCode(code int) models.ErrorReason {
	switch code {
	case CodeInsufficientBalance:
		return models.ReasonInsufficientBalance
	case CodeBadSymbol:
		return models.ReasonInvalidSymbol
	case CodeFilterFailure, CodeInvalidPrecision, CodePriceLessThanMin, CodeQtyGreaterThanMax,
		CodePriceTooLow, CodeInvalidTickSize, CodeInvalidStepSize, CodeMinNotional, CodeReduceOnlyRejected:
		return models.ReasonFilterViolation
	case CodeSymbolNotTrading:
		return models.ReasonMarketClosed
	case CodeDisconnected:
		return models.ReasonConnection
	case CodeTimeout:
		return models.ReasonTimeout
	case CodeTooManyRequests, CodeTooManyOrders, CodeServerBusy:
		return models.ReasonRateLimited
	default:
		return models.ReasonUnknown
	}
}

// NewGatewayError classifies an HTTP error that carried no exchange error
// body, e.g. a 502/503 from the gateway. It is retried as a connection
// failure.
func NewGatewayError(msg string) *models.Error {
	if msg == "" {
		msg = "empty error response"
	}
	return &models.Error{Code: 0, Msg: msg, Reason: models.ReasonConnection}
}

// NewAPIError builds a classified exchange error.
func NewAPIError(code int, msg string) *models.Error {
	return &models.Error{Code: code, Msg: msg, Reason: ReasonForCode(code)}
}
