package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	isatty "github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var control = false
var events = false
var backend = false
var memory = false

var logOut io.Writer

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	lg := logrus.New()
	if logOut != nil {
		lg.Out = logOut
	} else {
		lg.Out = os.Stderr
	}
	lg.Level = logrus.DebugLevel
	if !flag {
		lg.Level = logrus.PanicLevel
	}
	return lg.WithFields(fields)
}

// Control returns true if the process control thread should log.
func Control() bool {
	return control
}

// ControlLogger returns a logger for the control thread of a process.
func ControlLogger() *logrus.Entry {
	return makeLogger(control, logrus.Fields{"layer": "control"})
}

// Events returns true if the broadcaster/listener subsystem should log.
func Events() bool {
	return events
}

// EventsLogger returns a logger for the event subsystem.
func EventsLogger() *logrus.Entry {
	return makeLogger(events, logrus.Fields{"layer": "events"})
}

// Backend returns true if calls into the process backend should be logged.
func Backend() bool {
	return backend
}

// BackendLogger returns a logger for backend plugin calls.
func BackendLogger() *logrus.Entry {
	return makeLogger(backend, logrus.Fields{"layer": "backend"})
}

// Memory returns true if the memory access layer should log.
func Memory() bool {
	return memory
}

// MemoryLogger returns a logger for the memory access layer.
func MemoryLogger() *logrus.Entry {
	return makeLogger(memory, logrus.Fields{"layer": "memory"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging layer flags based on the contents of logstr and
// redirects log output to logDest (a file path or a file descriptor
// number). When logDest is empty logs go to standard error, colorized if
// standard error is a terminal.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "tether-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		logOut = colorable.NewColorableStderr()
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "control"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "control":
			control = true
		case "events":
			events = true
		case "backend":
			backend = true
		case "memory":
			memory = true
		}
	}
	return nil
}

// Close closes the log destination if Setup opened a file for it.
func Close() {
	if fh, ok := logOut.(*os.File); ok {
		fh.Close()
	}
	logOut = nil
}
