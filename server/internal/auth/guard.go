package auth

import (
	"context"
	"crypto/subtle"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/obsidianstack/ciwatch/server/internal/config"
)

// Guard checks a shared API key carried in an HTTP header or gRPC metadata.
// A Guard built from a config with mode != "apikey" or an empty key lets
// everything through.
type Guard struct {
	header string
	key    []byte
}

// New builds a Guard from the server auth config. The key is read from the
// environment once, here.
func New(cfg config.AuthConfig) Guard {
	g := Guard{header: cfg.EffectiveHeader()}
	if cfg.Mode == "apikey" {
		if k := cfg.Key(); k != "" {
			g.key = []byte(k)
		}
	}
	return g
}

// Enabled reports whether requests are checked at all.
func (g Guard) Enabled() bool { return len(g.key) > 0 }

func (g Guard) allow(presented string) bool {
	if !g.Enabled() {
		return true
	}
	return presented != "" && subtle.ConstantTimeCompare([]byte(presented), g.key) == 1
}

// Middleware rejects requests without the key with 401.
func (g Guard) Middleware(next http.Handler) http.Handler {
	if !g.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.allow(r.Header.Get(g.header)) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid api key"}` + "\n")) //nolint:errcheck
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UnaryInterceptor enforces the key on unary gRPC calls.
func (g Guard) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if err := g.check(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor enforces the key on streaming gRPC calls such as
// grpc.health.v1.Health/Watch.
func (g Guard) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := g.check(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (g Guard) check(ctx context.Context) error {
	if !g.Enabled() {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	// Metadata keys are normalised to lowercase by md.Get.
	vals := md.Get(g.header)
	if len(vals) == 0 || !g.allow(vals[0]) {
		return status.Error(codes.Unauthenticated, "invalid api key")
	}
	return nil
}
