// Package dlog holds the process logger. Components take named children of
// Root.
package dlog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	mu   sync.RWMutex
	root hclog.Logger = New("info", os.Stderr)
)

// New builds a logger at the given level ("trace", "debug", "info", "warn",
// "error"). Unknown levels fall back to info.
func New(level string, out io.Writer) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel {
		lvl = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "gns",
		Level:      lvl,
		Output:     out,
		TimeFormat: "2006/01/02 15:04:05.000",
	})
}

func SetRoot(l hclog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
}

func Root() hclog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

func AgentPrintfN(aid int32, format string, v ...interface{}) {
	Root().Info(fmt.Sprintf(format, v...), "agent", aid)
}
