// Package client talks to the convertly HTTP API.
//
// Client wraps each endpoint in a typed call. Server error envelopes come
// back as *APIError and match ErrUnauthorized, ErrNotFound,
// ErrQuotaExceeded and ErrUnavailable through errors.Is; transport
// failures are wrapped in ErrUnavailable.
//
// Session adds the abort protocol on top: it remembers the cancel function
// of every request it started and the jobs it submitted, so Abort can stop
// the local requests and then ask the server to stop its side too.
package client
