package identity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"darklock/internal/errs"
)

const deviceCertSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "device_id", "user_id", "device_pubkey", "issued_at", "expires_at", "capabilities", "signature"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "device_id": {"type": "string", "minLength": 1},
    "user_id": {"type": "string", "minLength": 1},
    "device_pubkey": {"type": "string", "minLength": 1},
    "issued_at": {"type": "string"},
    "expires_at": {"type": "string"},
    "capabilities": {
      "type": "array",
      "items": {"type": "string", "enum": ["messaging", "contacts", "groups", "identity_rotation"]}
    },
    "signature": {"type": "string", "minLength": 1}
  }
}`

const prekeyBundleSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["user_id", "ik_pub", "spk_pub", "spk_sig"],
  "properties": {
    "user_id": {"type": "string", "minLength": 1},
    "ik_pub": {"type": "string", "minLength": 1},
    "spk_pub": {"type": "string", "minLength": 1},
    "spk_sig": {"type": "string", "minLength": 1},
    "opk_pub": {"type": "string"},
    "opk_id": {"type": "string"}
  }
}`

var (
	schemaOnce        sync.Once
	deviceCertSchema  *jsonschema.Schema
	prekeyBundleSchema *jsonschema.Schema
	schemaInitErr     error
)

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("devicecert.schema.json", bytes.NewReader([]byte(deviceCertSchemaJSON))); err != nil {
		schemaInitErr = err
		return
	}
	if err := compiler.AddResource("prekeybundle.schema.json", bytes.NewReader([]byte(prekeyBundleSchemaJSON))); err != nil {
		schemaInitErr = err
		return
	}
	deviceCertSchema, schemaInitErr = compiler.Compile("devicecert.schema.json")
	if schemaInitErr != nil {
		return
	}
	prekeyBundleSchema, schemaInitErr = compiler.Compile("prekeybundle.schema.json")
}

// ValidateDeviceCertJSON validates raw JSON against the device-certificate
// schema BEFORE any signature is checked, so a malformed certificate never
// reaches Ed25519 verify code.
func ValidateDeviceCertJSON(raw []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaInitErr != nil {
		return errs.New(errs.CertificateValidation, "identity.ValidateDeviceCertJSON", fmt.Errorf("schema compile: %w", schemaInitErr))
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return errs.New(errs.CertificateValidation, "identity.ValidateDeviceCertJSON", fmt.Errorf("invalid JSON: %w", err))
	}
	if err := deviceCertSchema.Validate(instance); err != nil {
		return errs.New(errs.CertificateValidation, "identity.ValidateDeviceCertJSON", err)
	}
	return nil
}

// ValidatePrekeyBundleJSON validates raw JSON against the prekey-bundle
// schema before the bundle's SPK signature is verified.
func ValidatePrekeyBundleJSON(raw []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaInitErr != nil {
		return errs.New(errs.CertificateValidation, "identity.ValidatePrekeyBundleJSON", fmt.Errorf("schema compile: %w", schemaInitErr))
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return errs.New(errs.CertificateValidation, "identity.ValidatePrekeyBundleJSON", fmt.Errorf("invalid JSON: %w", err))
	}
	if err := prekeyBundleSchema.Validate(instance); err != nil {
		return errs.New(errs.CertificateValidation, "identity.ValidatePrekeyBundleJSON", err)
	}
	return nil
}
