package envelope

import (
	"encoding/json"

	"darklock/internal/errs"
)

// marshalPayload serializes a PlaintextPayload to the bytes that are padded
// and sealed inside the AEAD.
func marshalPayload(p PlaintextPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errs.New(errs.Crypto, "envelope.marshalPayload", err)
	}
	return data, nil
}

// unmarshalPayload parses the bytes recovered from Unpad back into a
// PlaintextPayload.
func unmarshalPayload(data []byte) (PlaintextPayload, error) {
	var p PlaintextPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return PlaintextPayload{}, errs.New(errs.Crypto, "envelope.unmarshalPayload", err)
	}
	return p, nil
}
