// Package grpcache memoizes idempotent unary RPC replies through a
// weak-reference cache on the client side. A reply stays cached only while
// some caller's copy of its bytes is still reachable (or a pin layer holds
// them); afterwards the next call hits the wire again.
package grpcache

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"

	gs "github.com/Keksclan/goLazySquirrel"
)

// Interceptor returns a [grpc.UnaryClientInterceptor] that serves replies
// for the listed full method names (e.g. "/pkg.Service/Method") from c.
// The RPC is invoked only when no live reply is cached for the
// method/request pair. Calls to unlisted methods, or with non-proto
// payloads, pass through untouched. Only use it for methods whose replies
// are immutable for a given request.
func Interceptor(c *gs.Cache[string, []byte], methods ...string) grpc.UnaryClientInterceptor {
	cached := make(map[string]bool, len(methods))
	for _, m := range methods {
		cached[m] = true
	}

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		reqMsg, reqOK := req.(proto.Message)
		replyMsg, replyOK := reply.(proto.Message)
		if !cached[method] || !reqOK || !replyOK {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		key, err := cacheKey(method, reqMsg)
		if err != nil {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		raw, err := c.FetchWith(ctx, key, func(ctx context.Context, _ string) (*[]byte, error) {
			if err := invoker(ctx, method, req, reply, cc, opts...); err != nil {
				return nil, err
			}
			b, err := proto.Marshal(replyMsg)
			if err != nil {
				return nil, err
			}
			return &b, nil
		})
		if err != nil {
			// Surface the RPC's own error, not the cache wrapper.
			var le *gs.LoadError
			if errors.As(err, &le) {
				return le.Err
			}
			return err
		}
		return proto.Unmarshal(*raw, replyMsg)
	}
}

// cacheKey identifies a reply by its method and deterministically marshaled
// request.
func cacheKey(method string, req proto.Message) (string, error) {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(req)
	if err != nil {
		return "", err
	}
	return method + "\x00" + string(b), nil
}
