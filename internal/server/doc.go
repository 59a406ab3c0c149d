// Package server assembles the HTTP listener for the transcoding API. It
// owns routing and the middleware chain: request identifiers, structured
// request logging, CORS, security headers, request metrics, rate limiting,
// and bearer authentication. The webhook endpoint is exempt from bearer
// auth because deliveries authenticate with an HMAC signature instead, but
// it carries its own per-IP rate budget, optionally shared across replicas
// through Redis.
package server
