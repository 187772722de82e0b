package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	Service     = "svc"    // AggregationService RPC surface
	Coordinator = "coord"  // batch selection and processing
	Store       = "store"  // request store adapters
	Worker      = "worker" // aggregation worker loop
	Relay       = "relay"  // chain relayer
	Prover      = "prover" // proof system client
	Node        = "node"   // process bootstrap
)

var root atomic.Value

func init() {
	root.Store(Logger(&logger{slog.New(DiscardHandler())}))
}

func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(lvl) {
	case "MAX", "MAXVERBOSITY":
		return levelMaxVerbosity, nil
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "CRIT", "CRITICAL":
		return LevelCrit, nil
	default:
		return 0, fmt.Errorf("invalid level: %s", lvl)
	}
}

func InitLogger(logLevel string) {
	initWith(logLevel, func(w io.Writer, lvl slog.Level) slog.Handler {
		return NewTerminalHandlerWithLevel(w, lvl, false)
	})
}

func InitJSONLogger(logLevel string) {
	initWith(logLevel, JSONHandlerWithLevel)
}

func initWith(logLevel string, mk func(io.Writer, slog.Level) slog.Handler) {
	logLvl, err := ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	SetDefault(NewLogger(mk(os.Stderr, logLvl)))
}

// SetDefault sets the default global logger
func SetDefault(l Logger) {
	root.Store(l)
	if lg, ok := l.(*logger); ok {
		slog.SetDefault(lg.inner)
	}
}

// Root returns the root logger
func Root() Logger {
	return root.Load().(Logger)
}

// --- Module management ---
// Trace and Debug output is emitted only for enabled modules.
var (
	modulesMu     sync.RWMutex
	moduleEnabled = map[string]bool{}
)

// EnableModule enables debug logging for the specified module.
func EnableModule(module string) {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	moduleEnabled[module] = true
}

// DisableModule disables debug logging for the specified module.
func DisableModule(module string) {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	moduleEnabled[module] = false
}

// EnableModules enables a comma separated list, e.g. "coord,worker". "all"
// enables every known module.
func EnableModules(csv string) {
	for _, m := range strings.Split(csv, ",") {
		m = strings.TrimSpace(m)
		switch m {
		case "":
		case "all":
			for _, k := range []string{Service, Coordinator, Store, Worker, Relay, Prover, Node} {
				EnableModule(k)
			}
		default:
			EnableModule(m)
		}
	}
}

func isModuleEnabled(module string) bool {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	return moduleEnabled[module]
}

// Trace logs a message at the trace level for a specific module.
func Trace(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(LevelTrace, module, msg, ctx...)
}

// Debug logs a message at the debug level for a specific module.
func Debug(module string, msg string, ctx ...interface{}) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(slog.LevelDebug, module, msg, ctx...)
}

// The rest of the logging functions (Info, Warn, Error, Crit, New) dont filter on module
func Info(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelInfo, module, msg, ctx...)
}

func Warn(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelWarn, module, msg, ctx...)
}

func Error(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelError, module, msg, ctx...)
}

func Crit(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelCrit, module, msg, ctx...)
	os.Exit(1)
}

func New(ctx ...interface{}) Logger {
	return Root().With(ctx...)
}
