package types

// SuccessEnvelope wraps every successful API payload under a "data" key so
// clients can distinguish it from the error envelope without inspecting the
// status code.
type SuccessEnvelope struct {
	Data any `json:"data"`
}

// APIError is the public error shape. Message is safe to show to end users;
// Details is populated only for codes that allow structured context, such as
// validation field errors.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}
