package logging

import "context"

// NopLogger discards everything. Useful in tests.
type NopLogger struct{}

func NewNopLogger() Logger {
	return &NopLogger{}
}

func (n *NopLogger) Debug(msg string, fields ...Field)            {}
func (n *NopLogger) Info(msg string, fields ...Field)             {}
func (n *NopLogger) Warn(msg string, fields ...Field)             {}
func (n *NopLogger) Error(msg string, err error, fields ...Field) {}
func (n *NopLogger) WithFields(fields ...Field) Logger            { return n }
func (n *NopLogger) WithContext(ctx context.Context) Logger       { return n }
