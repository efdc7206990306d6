package main

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"tradepost/internal/observability"
)

// rateLimiter is satisfied by purchase.RateLimiter.
type rateLimiter interface {
	Wait(ctx context.Context) (time.Duration, error)
}

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter rateLimiter
	metrics *observability.Metrics
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if s.limiter != nil {
		waited, err := s.limiter.Wait(s.Context())
		s.metrics.AddRateLimitWait(waited)
		if err != nil {
			return err
		}
	}
	return s.ServerStream.RecvMsg(m)
}

// track opens a metrics span for method and returns the closer that ends it
// and logs failures. Health and reflection calls are not tracked.
func track(metrics *observability.Metrics, logger *zap.Logger, method string) func(error) {
	if !shouldTrackMethod(method) {
		return func(error) {}
	}
	begun := time.Now()
	span := metrics.Start(method)
	return func(err error) {
		span.End(err)
		if err != nil {
			logger.Warn("grpc call failed",
				zap.String("method", method),
				zap.Duration("elapsed", time.Since(begun)),
				zap.Error(err),
			)
		}
	}
}

func rateLimitUnaryInterceptor(limiter rateLimiter, metrics *observability.Metrics, logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		done := track(metrics, logger, info.FullMethod)
		defer func() { done(err) }()

		if limiter != nil {
			waited, werr := limiter.Wait(ctx)
			metrics.AddRateLimitWait(waited)
			if werr != nil {
				return nil, werr
			}
		}
		return handler(ctx, req)
	}
}

func rateLimitStreamInterceptor(limiter rateLimiter, metrics *observability.Metrics, logger *zap.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		done := track(metrics, logger, info.FullMethod)
		defer func() { done(err) }()

		if limiter != nil {
			stream = &rateLimitedServerStream{ServerStream: stream, limiter: limiter, metrics: metrics}
		}
		return handler(srv, stream)
	}
}

func shouldTrackMethod(method string) bool {
	return method != "" &&
		!strings.HasPrefix(method, "/grpc.reflection.") &&
		!strings.HasPrefix(method, "/grpc.health.")
}
