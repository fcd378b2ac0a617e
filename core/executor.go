package core

import "io"

// Executor runs the argument string of an EXEC request and streams its
// combined output. How commands actually run on the host is someone else's
// problem; this interface is the contract the protocol state machine
// depends on, so a real executor can be injected by the daemon without the
// protocol package knowing anything about process management.
type Executor interface {
	// Run executes args and writes its combined stdout/stderr to out as it
	// becomes available. Run must not write the EXEC terminator frame —
	// the caller (protocol.go) appends it once Run returns.
	Run(args string, out io.Writer) error
}

// NullExecutor runs nothing: for every EXEC request it writes a one-line
// "command execution not configured" notice and returns nil, so the client
// receives that line followed by the EXEC terminator. It is the executor
// cmd/confsyncd installs when no real one is configured.
type NullExecutor struct{}

func (NullExecutor) Run(args string, out io.Writer) error {
	_, err := out.Write([]byte("command execution not configured\n"))
	return err
}
