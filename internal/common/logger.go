package common

// NullLogger discards all log messages.
type NullLogger struct{}

func (n *NullLogger) Debug(msg string, fields ...interface{}) {}
func (n *NullLogger) Info(msg string, fields ...interface{})  {}
func (n *NullLogger) Warn(msg string, fields ...interface{})  {}
func (n *NullLogger) Error(msg string, fields ...interface{}) {}

// LoggerOrNull returns l, or a NullLogger when l is nil.
func LoggerOrNull(l Logger) Logger {
	if l == nil {
		return &NullLogger{}
	}
	return l
}
