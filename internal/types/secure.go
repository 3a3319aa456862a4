package types

// redactedPlaceholder replaces secret values in logs and serialization.
const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString is a string type that prevents accidental logging or
// serialization of sensitive values (processor secret keys, webhook signing
// secrets, database URLs). String() and MarshalJSON() return a redacted
// placeholder; call Unmask() at the point the raw value is genuinely needed.
type SecretString string

// String returns a redacted placeholder instead of the raw value. Invoked by
// the fmt package through the Stringer interface.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string so secrets
// never leak through config dumps or structured log entries.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value. Limit use to constructing
// Authorization headers and connection strings.
func (s SecretString) Unmask() string {
	return string(s)
}
