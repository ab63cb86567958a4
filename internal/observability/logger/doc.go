// Package logger provides the structured logging layer for fedgate.
//
// It wraps zap with a process singleton, context propagation, and typed
// field helpers so key names stay consistent across packages:
//
//	log := logger.From(ctx).With(logger.Layer("service"), logger.Component("flow"))
//	log.Info("callback validated", logger.Provider("google"), logger.TenantID(tid))
//
// Services should always pull the logger from the context; the HTTP layer
// injects a request-scoped logger via ToContext.
package logger
