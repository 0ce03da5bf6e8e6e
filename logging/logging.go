// Package logging contains the logger used across libndt. Messages are
// emitted on the standard error in a structured JSON format, to simplify
// processing by the application embedding this library.
package logging

import (
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
)

// Logger is the logger used by default by the whole library. Applications
// that want different logging should install their own Observer rather
// than reconfiguring this variable.
var Logger = log.Logger{
	Handler: json.New(os.Stderr),
	Level:   log.DebugLevel,
}
