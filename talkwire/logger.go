package talkwire

// Logger is the sink for the SDK's structured log output. Implementations
// bridge to whatever logging stack the host application runs; fields may be
// nil. Nothing is logged until the caller installs one.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// nopLogger is the default sink.
type nopLogger struct{}

var _ Logger = nopLogger{}

func (nopLogger) Debug(string, map[string]any) {}
func (nopLogger) Info(string, map[string]any)  {}
func (nopLogger) Warn(string, map[string]any)  {}
func (nopLogger) Error(string, map[string]any) {}
