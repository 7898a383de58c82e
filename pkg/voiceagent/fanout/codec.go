package fanout

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Encoding selects the frame format of a subscription.
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingCBOR
)

func (e Encoding) String() string {
	if e == EncodingCBOR {
		return "cbor"
	}
	return "json"
}

// Binary reports whether frames must be sent as binary messages.
func (e Encoding) Binary() bool { return e == EncodingCBOR }

// ParseEncoding accepts "json", "cbor", or empty for json.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return EncodingJSON, nil
	case "cbor":
		return EncodingCBOR, nil
	}
	return EncodingJSON, fmt.Errorf("unsupported encoding %q", s)
}

// encMode uses Core Deterministic Encoding. Types with MarshalText, such as
// session.State, become text strings and times are RFC 3339 text, so a CBOR
// frame decodes to the same document as its JSON twin.
var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.TextMarshaler = cbor.TextMarshalerTextString
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("fanout: CBOR encoder initialization failed: " + err.Error())
	}
}

func encode(enc Encoding, env Envelope) ([]byte, error) {
	if enc == EncodingCBOR {
		return encMode.Marshal(env)
	}
	return json.Marshal(env)
}
