package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Transport errors (100-199)
	ErrCodeDialFailed         ErrorCode = 100
	ErrCodeConnectionLost     ErrorCode = 101
	ErrCodeWriteFailed        ErrorCode = 102
	ErrCodeNetworkOffline     ErrorCode = 103
	ErrCodeReconnectExhausted ErrorCode = 104
	ErrCodeManagerStopped     ErrorCode = 105

	// Protocol errors (200-299)
	ErrCodeMalformedFrame     ErrorCode = 200
	ErrCodeUnknownMessageType ErrorCode = 201
	ErrCodeInvalidPayload     ErrorCode = 202

	// Capacity errors (300-399)
	ErrCodeNotConnected     ErrorCode = 300
	ErrCodeTooManyFactories ErrorCode = 301
	ErrCodeCacheClosed      ErrorCode = 302

	// Server errors (400-499)
	ErrCodeServer ErrorCode = 400

	// Configuration and REST errors (500-599)
	ErrCodeInvalidConfig ErrorCode = 500
	ErrCodeRequestFailed ErrorCode = 501
)

// Category groups error codes into the failure classes surfaced to callers.
type Category string

const (
	CategoryUnknown   Category = "unknown"
	CategoryTransport Category = "transport"
	CategoryProtocol  Category = "protocol"
	CategoryCapacity  Category = "capacity"
	CategoryServer    Category = "server"
	CategoryConfig    Category = "config"
)

// Category returns the class an error code belongs to.
func (c ErrorCode) Category() Category {
	switch {
	case c >= 100 && c < 200:
		return CategoryTransport
	case c >= 200 && c < 300:
		return CategoryProtocol
	case c >= 300 && c < 400:
		return CategoryCapacity
	case c >= 400 && c < 500:
		return CategoryServer
	case c >= 500 && c < 600:
		return CategoryConfig
	default:
		return CategoryUnknown
	}
}
