package dto

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

// WebhookAck is always delivered with HTTP 200: the gateway must not retry
// events we chose to ignore.
type WebhookAck struct {
	Status string `json:"status"`
}
