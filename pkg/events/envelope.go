package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type Envelope struct {
	Type    string          `json:"type"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(typ string, payload any) (Envelope, error) {
	if typ == "" {
		return Envelope{}, errors.New("empty envelope type")
	}
	env := Envelope{Type: typ, At: time.Now()}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "marshal envelope payload")
	}
	env.Payload = b
	return env, nil
}

func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.Errorf("envelope %s has no payload", e.Type)
	}
	return errors.Wrapf(json.Unmarshal(e.Payload, v), "decode %s payload", e.Type)
}
