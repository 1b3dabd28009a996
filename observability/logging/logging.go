package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup wires up the process-wide structured logger: JSON to stdout, with
// the service name (and environment, when set) attached to every line, and
// the standard library's global *log.Logger bridged into the same handler
// so packages that haven't been migrated to slog still land in the same
// stream. It returns the slog.Logger for callers that want contextual
// logging rather than the bridged global.
func Setup(service, env string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource:   false,
		ReplaceAttr: renameWellKnownKeys,
	})

	attrs := baseAttrs(service, env)
	base := slog.New(handler).With(attrsToArgs(attrs)...)
	slog.SetDefault(base)

	bridgeStandardLibrary(handler, attrs)

	return base
}

// renameWellKnownKeys maps slog's built-in attribute keys onto the names
// this service's downstream log consumers expect.
func renameWellKnownKeys(groups []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		return slog.Attr{Key: "timestamp", Value: attr.Value}
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		return slog.Attr{Key: "message", Value: attr.Value}
	default:
		return attr
	}
}

// baseAttrs builds the attributes attached to every log line emitted by this
// process: the service name always, the environment only when set.
func baseAttrs(service, env string) []slog.Attr {
	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	return attrs
}

func attrsToArgs(attrs []slog.Attr) []any {
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	return args
}

// bridgeStandardLibrary redirects the standard library's global logger
// through handler so code still calling log.Printf (rather than slog) ends
// up in the same structured stream instead of a separate, unstructured one.
func bridgeStandardLibrary(handler slog.Handler, attrs []slog.Attr) {
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")
}
