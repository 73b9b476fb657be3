package redisstream

// Stream entry fields (avoid typos/allocs)
const (
	fieldID          = "id"
	fieldPayload     = "payload"  // raw bytes or codec output, see fieldEncoding
	fieldEncoding    = "encoding" // encodingRaw or a codec name
	fieldTimestamp   = "ts"       // int64 ns
	fieldCorrelation = "correlation_id"
	fieldReplyTo     = "reply_to"
	fieldHeaders     = "headers" // codec-encoded map

	encodingRaw = "raw"
)
