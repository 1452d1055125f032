package signaling

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// FrameType discriminates the closed set of JSON control frames exchanged
// on a control channel. Unknown tags are rejected rather than silently
// ignored.
type FrameType string

// Recognized control frame types.
const (
	FrameRegisterWaf     FrameType = "register_waf"
	FrameRegisterClient  FrameType = "register_client"
	FrameUpdateReflexive FrameType = "update_reflexive"
	FrameUpdateConn      FrameType = "update_connection"
	FrameHTTPRequest     FrameType = "http_request"
	FrameHTTPResponse    FrameType = "http_response"
)

// ErrUnknownFrameType is returned by Decode when a frame's "type" field does
// not match any FrameType accepted inbound. http_request is server->WAF only
// and is rejected with this error too.
var ErrUnknownFrameType = errors.New("signaling: unknown control frame type")

// envelope is used only to read the discriminator before dispatching to a
// concrete frame type.
type envelope struct {
	Type FrameType `json:"type"`
}

// RegisterWaf is sent by a WAF on connecting to announce itself.
type RegisterWaf struct {
	Type      FrameType              `json:"type"`
	ID        string                 `json:"id"`
	Addresses []string               `json:"addresses"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// RegisterClient is sent by a client on connecting.
type RegisterClient struct {
	Type FrameType `json:"type"`
	ID   string    `json:"id"`
}

// UpdateReflexive reports a client's observed public address.
type UpdateReflexive struct {
	Type    FrameType `json:"type"`
	ID      string    `json:"id"`
	Address string    `json:"address"`
}

// UpdateConnection reports how a client is currently relaying traffic.
type UpdateConnection struct {
	Type           FrameType `json:"type"`
	ID             string    `json:"id"`
	ConnectionType string    `json:"connectionType"`
}

// HTTPRequest is sent server->WAF to tunnel an inbound HTTP request.
type HTTPRequest struct {
	Type    FrameType           `json:"type"`
	ID      string              `json:"id"`
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body"`
}

// HTTPResponse is sent WAF->server carrying the tunneled response.
type HTTPResponse struct {
	Type       FrameType           `json:"type"`
	ID         string              `json:"id"`
	StatusCode int                 `json:"statusCode"`
	Headers    map[string][]string `json:"headers"`
	Body       string              `json:"body"`
}

// Decode inspects raw's "type" field and unmarshals it into the matching
// concrete frame struct, returned as an interface{} holding a pointer to one
// of RegisterWaf, RegisterClient, UpdateReflexive, UpdateConnection or
// HTTPResponse. ErrUnknownFrameType is returned for any other tag.
func Decode(raw []byte) (interface{}, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errors.Wrap(err, "decode frame envelope")
	}
	var target interface{}
	switch e.Type {
	case FrameRegisterWaf:
		target = &RegisterWaf{}
	case FrameRegisterClient:
		target = &RegisterClient{}
	case FrameUpdateReflexive:
		target = &UpdateReflexive{}
	case FrameUpdateConn:
		target = &UpdateConnection{}
	case FrameHTTPResponse:
		target = &HTTPResponse{}
	default:
		return nil, errors.Wrapf(ErrUnknownFrameType, "%q", e.Type)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, errors.Wrap(err, "decode frame body")
	}
	return target, nil
}
