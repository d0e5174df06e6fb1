package paxos

// Logger is the logging interface used by nodes. Debug levels: 1 for the
// node lifecycle and round outcomes, 2 for individual messages.
type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}
