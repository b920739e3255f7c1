// File: logging/zap.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package logging

import (
	"time"

	"go.uber.org/zap"
)

// Zap adapts a *zap.Logger.
type Zap struct {
	logger *zap.Logger
}

// NewZap wraps l; nil yields zap.NewNop.
func NewZap(l *zap.Logger) *Zap {
	if l == nil {
		l = zap.NewNop()
	}
	return &Zap{logger: l}
}

func (z *Zap) Debug(msg string, fields ...Field) { z.logger.Debug(msg, zapFields(fields)...) }
func (z *Zap) Info(msg string, fields ...Field)  { z.logger.Info(msg, zapFields(fields)...) }
func (z *Zap) Warn(msg string, fields ...Field)  { z.logger.Warn(msg, zapFields(fields)...) }
func (z *Zap) Error(msg string, fields ...Field) { z.logger.Error(msg, zapFields(fields)...) }

// Logger returns the underlying *zap.Logger.
func (z *Zap) Logger() *zap.Logger { return z.logger }

// Sync flushes buffered entries.
func (z *Zap) Sync() error { return z.logger.Sync() }

func zapFields(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			out = append(out, zap.String(f.Key, v))
		case int:
			out = append(out, zap.Int(f.Key, v))
		case int64:
			out = append(out, zap.Int64(f.Key, v))
		case uint64:
			out = append(out, zap.Uint64(f.Key, v))
		case float64:
			out = append(out, zap.Float64(f.Key, v))
		case bool:
			out = append(out, zap.Bool(f.Key, v))
		case time.Duration:
			out = append(out, zap.Duration(f.Key, v))
		case error:
			out = append(out, zap.NamedError(f.Key, v))
		default:
			out = append(out, zap.Any(f.Key, v))
		}
	}
	return out
}
