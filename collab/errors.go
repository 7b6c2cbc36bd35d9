package collab

import "fmt"

// error taxonomy for the transport client
//
// error type checking:
//   connection errors can be matched with errors.As against these types

// bad or expired token. fatal to the connect attempt, never retried.
type AuthError struct {
	Message string
}

func (self *AuthError) Error() string {
	return fmt.Sprintf("auth rejected: %s", self.Message)
}

// the connect attempt exceeded its bound
type TimeoutError struct {
	Op      string
	Timeout string
}

func (self *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", self.Op, self.Timeout)
}

// mid-session disconnect, surfaced as terminal after the retry budget is spent
type TransportError struct {
	Attempts int
	Cause    error
}

func (self *TransportError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("connection lost after %d reconnect attempts: %s", self.Attempts, self.Cause)
	}
	return fmt.Sprintf("connection lost after %d reconnect attempts", self.Attempts)
}

func (self *TransportError) Unwrap() error {
	return self.Cause
}
