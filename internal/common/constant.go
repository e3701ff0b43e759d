// Package common contains shared constants and sentinel errors used across
// convertly components.
package common

// AuthorizationHeader carries the bearer token on every API request.
const AuthorizationHeader = "Authorization"

// BearerPrefix precedes the token inside AuthorizationHeader.
const BearerPrefix = "Bearer "
