package rpcerr

import (
	"encoding/json"
	"fmt"
)

// Well-known remote exception codes raised by the runtime itself.
const (
	CodeServantError    = 1
	CodeServiceNotFound = 404
	CodeMethodNotFound  = 405
	CodeBadArguments    = 400
	CodeRateLimited     = 429
	CodeDispatchTimeout = 504
	CodePanic           = 500
)

// RemoteError is an exception raised by a remote servant. It is carried
// JSON-encoded as the result of an Answer whose status is nonzero.
// The connection that delivered it stays alive.
type RemoteError struct {
	Code    int            `json:"code"`
	Tag     string         `json:"tag,omitempty"`
	Message string         `json:"message,omitempty"`
	Raiser  string         `json:"raiser,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("remote error %d (%s) from %s: %s", e.Code, e.Tag, e.Raiser, e.Message)
	}
	return fmt.Sprintf("remote error %d from %s: %s", e.Code, e.Raiser, e.Message)
}

// Encode serializes the exception for an Answer result payload.
func (e *RemoteError) Encode() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		// Detail held something json cannot represent; keep the rest.
		data, _ = json.Marshal(&RemoteError{Code: e.Code, Tag: e.Tag, Message: e.Message, Raiser: e.Raiser})
	}
	return data
}

// DecodeRemote parses an Answer result payload produced by Encode.
// Payloads that are not valid exceptions still yield a RemoteError so the
// caller never loses the status.
func DecodeRemote(status int, data []byte) *RemoteError {
	re := &RemoteError{}
	if err := json.Unmarshal(data, re); err != nil {
		return &RemoteError{Code: status, Tag: "Malformed", Message: string(data)}
	}
	if re.Code == 0 {
		re.Code = status
	}
	return re
}
