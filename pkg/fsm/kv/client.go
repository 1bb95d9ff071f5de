package kv

import "github.com/google/uuid"

// GenerateClientID returns a fresh client identifier suitable for
// SubmitCommandWithSession, the way a real client library would mint one
// per connection rather than per request.
func GenerateClientID() string {
	return uuid.NewString()
}
