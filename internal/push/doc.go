// Package push delivers composed notifications to a user's registered
// devices through APNs and FCM.
//
// The Gateway loads the active tokens for a user, validates their format,
// fans the payload out per platform under a shared rate limit and keeps
// token health up to date: permanent rejections (unregistered or malformed
// tokens) deactivate the token, transient failures only bump its failure
// counter. A delivery succeeds when at least one device accepted it.
//
// Simulated is an in-process adapter with configurable failure injection.
// It is selected by configuration for development and tests only.
package push
