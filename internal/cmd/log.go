package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/AdguardTeam/golibs/log"
)

// logFileName is the name of the log file in the log dump directory.
const logFileName = "server.log"

// logOutput is the destination of the global logger: the console, the log
// file in the dump directory, both, or none.
type logOutput struct {
	// mu protects all the fields below.
	mu *sync.Mutex

	file     *os.File
	dumpPath string
	console  bool
}

// newLogOutput returns a new *logOutput that isn't configured yet.
func newLogOutput() (o *logOutput) {
	return &logOutput{
		mu: &sync.Mutex{},
	}
}

// configure points the global logger at the console, if console is true,
// and at the log file in dumpPath, if it isn't empty.  It does nothing if
// the destination is the same as the current one.
func (o *logOutput) configure(console bool, dumpPath string) (err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file != nil && o.console == console && o.dumpPath == dumpPath {
		return nil
	}

	var writers []io.Writer
	if console {
		writers = append(writers, os.Stderr)
	}

	var f *os.File
	if dumpPath != "" {
		f, err = openLogFile(dumpPath)
		if err != nil {
			return err
		}

		writers = append(writers, f)
	}

	switch len(writers) {
	case 0:
		log.SetOutput(io.Discard)
	case 1:
		log.SetOutput(writers[0])
	default:
		log.SetOutput(io.MultiWriter(writers...))
	}

	if o.file != nil {
		log.OnCloserError(o.file, log.DEBUG)
	}

	o.file = f
	o.console = console
	o.dumpPath = dumpPath

	return nil
}

// openLogFile creates dumpPath if needed and opens the log file in it for
// appending.
func openLogFile(dumpPath string) (f *os.File, err error) {
	err = os.MkdirAll(dumpPath, 0o700)
	if err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	// #nosec G304 -- Trust the path that is given in the configuration.
	f, err = os.OpenFile(
		filepath.Join(dumpPath, logFileName),
		os.O_WRONLY|os.O_CREATE|os.O_APPEND,
		0o600,
	)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	return f, nil
}

// Close closes the log file, if any.  The logger writes to stderr after
// that.
func (o *logOutput) Close() (err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	log.SetOutput(os.Stderr)

	if o.file == nil {
		return nil
	}

	err = o.file.Close()
	o.file = nil
	o.dumpPath = ""

	return err
}
