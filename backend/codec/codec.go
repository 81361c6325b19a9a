package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/adwski/yim-server/backend/model"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrEncode            = errors.New("unable to encode envelope")
)

// inbound is the wire shape of a client message. Sender and room
// are never trusted from clients, so they are not decoded at all.
type inbound struct {
	Text       *string          `json:"text"`
	To         *string          `json:"to"`
	Join       *string          `json:"join"`
	Attributes model.Attributes `json:"attributes"`
}

var errTrailingData = errors.New("unexpected data after envelope")

// Decode parses raw client payload into an Envelope.
// Numbers in attributes are kept as json.Number so they are re-encoded
// exactly as the client sent them.
func Decode(raw []byte) (*model.Envelope, error) {
	var in inbound
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return nil, errors.Join(ErrMalformedEnvelope, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.Join(ErrMalformedEnvelope, errTrailingData)
	}
	env := &model.Envelope{
		Attributes: in.Attributes,
	}
	if in.Text != nil {
		env.Text = *in.Text
	}
	if in.To != nil {
		env.To = *in.To
	}
	if in.Join != nil {
		env.Join = *in.Join
	}
	return env, nil
}

// Encode serializes an outbound Envelope. Attributes are flattened into
// the top-level object, reserved keys always win. To and Join are not
// part of outbound messages.
func Encode(env *model.Envelope) ([]byte, error) {
	out := make(map[string]any, len(env.Attributes)+3)
	for k, v := range env.Attributes {
		if IsReserved(k) {
			continue
		}
		out[k] = v
	}
	out[model.KeyText] = env.Text
	if env.Sender != "" {
		out[model.KeySender] = env.Sender
	} else {
		out[model.KeySender] = nil
	}
	if env.Room != "" {
		out[model.KeyRoom] = env.Room
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, errors.Join(ErrEncode, err)
	}
	return b, nil
}

// IsReserved reports whether attribute key k collides with envelope fields.
func IsReserved(k string) bool {
	switch k {
	case model.KeyText, model.KeySender, model.KeyRoom:
		return true
	}
	return false
}
