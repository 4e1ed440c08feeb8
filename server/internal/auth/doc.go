// Package auth provides API key authentication for ciwatch-server.
//
// New(cfg.Server.Auth) returns a Guard. Guard.Middleware protects the
// mutating HTTP routes (manual sync, alert acknowledgement); the unary and
// stream interceptors protect the gRPC health service.
//
// When mode != "apikey" or the variable named by key_env is empty, every
// request passes (local development). Otherwise a missing or wrong key gets
// 401 over HTTP and codes.Unauthenticated over gRPC.
package auth
