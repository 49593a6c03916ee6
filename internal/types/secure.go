package types

// SecretString holds a sensitive value (API keys, DSNs, webhook signing
// secrets) and refuses to print it. String() and MarshalJSON() return a
// fixed placeholder so secrets cannot leak through fmt, structured logs, or
// serialized config dumps. Call Unmask() at the exact point the raw value is
// needed (an Authorization header, a connection string).
type SecretString string

const redactedPlaceholder = "***REDACTED***"

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redactedPlaceholder + `"`), nil
}

// Unmask returns the raw plaintext value.
func (s SecretString) Unmask() string {
	return string(s)
}
