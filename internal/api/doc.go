// Package api hosts HTTP handlers that front the mediaflow REST API.
//
// The handlers assembled by Handler coordinate request validation, account
// awareness, and response shaping while delegating persistence to
// storage.Repository implementations injected at construction time. Bearer
// token authentication is provided by auth.KeyManager instances passed into
// the handler; the package does not reach for globals or singletons and
// expects callers to supply fully configured dependencies.
//
// The transcoder controller, event relay, and metrics recorder are also
// injected so job dispatch, lifecycle fan-out, and instrumentation can be
// exercised without coupling the package to specific runtime wiring. This
// keeps endpoint behaviour testable and aligned with the wider service
// architecture.
//
// Handler implementations assume upstream middleware from internal/server has
// already enforced authentication, rate limiting, metrics, and logging
// concerns. The transcode webhook is the exception: it authenticates with an
// HMAC signature over the request body instead of a bearer token.
package api
