package domain

// ResultError is the wire form of an AuthError inside a Result envelope.
type ResultError struct {
	Type    AuthErrorType `json:"type"`
	Message string        `json:"message"`
	Code    string        `json:"code,omitempty"`
}

// Result is the uniform envelope returned across the core boundary:
// {success: true, data} or {success: false, error}.
type Result[T any] struct {
	Success bool         `json:"success"`
	Data    T            `json:"data,omitempty"`
	Error   *ResultError `json:"error,omitempty"`
}

// Ok wraps a successful value.
func Ok[T any](data T) Result[T] {
	return Result[T]{Success: true, Data: data}
}

// Fail wraps a classified failure.
func Fail[T any](err error) Result[T] {
	authErr := AsAuthError(err)
	if authErr == nil {
		authErr = NewAuthError(ErrorUnknown, "unknown failure")
	}
	return Result[T]{Error: &ResultError{Type: authErr.Type, Message: authErr.Message, Code: authErr.Code}}
}

// ResultOf converts a Go (value, error) pair into the envelope.
func ResultOf[T any](data T, err error) Result[T] {
	if err != nil {
		return Fail[T](err)
	}
	return Ok(data)
}
