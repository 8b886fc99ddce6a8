package logging

// noop discards every log entry. Useful in tests and in callers that
// have not wired a real Logger.
type noop struct{}

// NewNoop returns a Logger that discards everything (useful for testing).
func NewNoop() Logger { return noop{} }

func (noop) Debug(string, map[string]interface{})    {}
func (noop) Info(string, map[string]interface{})     {}
func (noop) Warning(string, map[string]interface{})  {}
func (noop) Error(string, map[string]interface{})    {}
func (noop) Critical(string, map[string]interface{}) {}
func (noop) WithComponent(string) Logger             { return noop{} }
func (noop) WithTraceID(string) Logger               { return noop{} }
