package orders

import "fmt"

// ResponseErrorCode is the closed taxonomy of request-level failures.
// These are returned as values to the caller, never raised.
type ResponseErrorCode string

const (
	ErrorNone                  ResponseErrorCode = "NONE"
	ErrorProcessingError       ResponseErrorCode = "PROCESSING_ERROR"
	ErrorUnableToFindOrder     ResponseErrorCode = "UNABLE_TO_FIND_ORDER"
	ErrorInvalidOrderStatus    ResponseErrorCode = "INVALID_ORDER_STATUS"
	ErrorInvalidNewOrderStatus ResponseErrorCode = "INVALID_NEW_ORDER_STATUS"
	ErrorOrderQuantityZero     ResponseErrorCode = "ORDER_QUANTITY_ZERO"
	ErrorAlgorithmWarmingUp    ResponseErrorCode = "ALGORITHM_WARMING_UP"
	ErrorInvalidRequest        ResponseErrorCode = "INVALID_REQUEST"
	ErrorSecurityNotFound      ResponseErrorCode = "SECURITY_NOT_FOUND"
	ErrorNonTradableSecurity   ResponseErrorCode = "NON_TRADABLE_SECURITY"
	ErrorRequestCanceled       ResponseErrorCode = "REQUEST_CANCELED"
)

// Response is the transaction handler's answer to a request.
type Response struct {
	OrderID int
	Code    ResponseErrorCode
	Message string
}

// SuccessResponse creates a successful response for the order.
func SuccessResponse(orderID int) *Response {
	return &Response{OrderID: orderID, Code: ErrorNone}
}

// ErrorResponse creates an error response with the given code.
func ErrorResponse(orderID int, code ResponseErrorCode, message string) *Response {
	return &Response{OrderID: orderID, Code: code, Message: message}
}

// IsSuccess reports whether the request was accepted.
func (r *Response) IsSuccess() bool {
	return r != nil && r.Code == ErrorNone
}

// IsError reports whether the request was rejected.
func (r *Response) IsError() bool {
	return !r.IsSuccess()
}

func (r *Response) String() string {
	if r.IsSuccess() {
		return fmt.Sprintf("order %d accepted", r.OrderID)
	}
	return fmt.Sprintf("order %d rejected: %s %s", r.OrderID, r.Code, r.Message)
}
