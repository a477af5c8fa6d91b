// Package protocol provides the method-channel messages exchanged between the
// bridge and its client. This package is designed to be importable without
// pulling in server or radio dependencies.
package protocol

// Method names.
const (
	MethodGetNFCAvailability = "getNFCAvailability"
	MethodPoll               = "poll"
	MethodTransceive         = "transceiver"
	MethodReadNDEF           = "readNDEF"
	MethodWriteNDEF          = "writeNDEF"
	MethodMakeNdefReadOnly   = "makeNdefReadOnly"
	MethodFinish             = "finish"
)

// Argument names.
const (
	ArgTimeout      = "timeout"
	ArgTechnologies = "technologies"
	ArgData         = "data"
	ArgCached       = "cached"
)

// Methods lists the methods answered by the bridge, in table order.
var Methods = []string{
	MethodGetNFCAvailability,
	MethodPoll,
	MethodTransceive,
	MethodReadNDEF,
	MethodWriteNDEF,
	MethodMakeNdefReadOnly,
	MethodFinish,
}

// MethodCall is a request from the client.
type MethodCall struct {
	// ID is chosen by the client and echoed in the response.
	ID        string         `json:"id,omitempty"`
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// MethodResponse carries exactly one outcome of a MethodCall: a result, an
// error, or notImplemented.
type MethodResponse struct {
	ID             string       `json:"id,omitempty"`
	Method         string       `json:"method"`
	Success        bool         `json:"success"`
	Result         any          `json:"result,omitempty"`
	Error          *MethodError `json:"error,omitempty"`
	NotImplemented bool         `json:"notImplemented,omitempty"`
}

// MethodError is the failure of a call. Code is a stable status such as
// "406"; Details is usually the text of the underlying error.
type MethodError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// SuccessResponse builds the response for a call that succeeded.
func SuccessResponse(call MethodCall, result any) MethodResponse {
	return MethodResponse{
		ID:      call.ID,
		Method:  call.Method,
		Success: true,
		Result:  result,
	}
}

// ErrorResponse builds the response for a call that failed.
func ErrorResponse(call MethodCall, code, message string, details any) MethodResponse {
	return MethodResponse{
		ID:     call.ID,
		Method: call.Method,
		Error: &MethodError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// NotImplementedResponse builds the response for an unknown method.
func NotImplementedResponse(call MethodCall) MethodResponse {
	return MethodResponse{
		ID:             call.ID,
		Method:         call.Method,
		NotImplemented: true,
	}
}
