package redispipeline

// Field constants for the request/response stream entries, mirroring
// trickstertwo-xbus/adapter/redisstream/constants.go's field-name style.
const (
	fieldCorrelationID = "correlation_id"
	fieldPayloadPrefix = "payload:"
	fieldError         = "error"
)
