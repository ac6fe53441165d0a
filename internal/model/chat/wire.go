package chat

import "encoding/json"

// Request is the outbound payload sent over the streaming socket.
type Request struct {
	ModelType string `json:"modelType"`
	Message   string `json:"message"`
	SessionID *int64 `json:"sessionId,omitempty"`
}

// NewRequest builds a request bound to a session. A zero session id is
// omitted from the payload.
func NewRequest(modelType, message string, sessionID int64) Request {
	req := Request{ModelType: modelType, Message: message}
	if sessionID != 0 {
		id := sessionID
		req.SessionID = &id
	}
	return req
}

// Envelope is the REST response shape shared by every remote call.
type Envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}
