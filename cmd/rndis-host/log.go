package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var availableLogLevels = strings.Join([]string{
	logLevelAll,
	logLevelDebug,
	logLevelInfo,
	logLevelWarn,
	logLevelError,
	logLevelNone,
}, ", ")

// levelNone is above every level the libraries log at.
const levelNone = slog.LevelError + 4

// filterLogger applies the named level to logger and returns the matching
// slog level for the libraries.
func filterLogger(logger log.Logger, name string) (log.Logger, slog.Level, error) {
	switch name {
	case logLevelAll:
		return level.NewFilter(logger, level.AllowAll()), slog.LevelDebug - 4, nil
	case logLevelDebug:
		return level.NewFilter(logger, level.AllowDebug()), slog.LevelDebug, nil
	case logLevelInfo:
		return level.NewFilter(logger, level.AllowInfo()), slog.LevelInfo, nil
	case logLevelWarn:
		return level.NewFilter(logger, level.AllowWarn()), slog.LevelWarn, nil
	case logLevelError:
		return level.NewFilter(logger, level.AllowError()), slog.LevelError, nil
	case logLevelNone:
		return level.NewFilter(logger, level.AllowNone()), levelNone, nil
	default:
		return nil, 0, fmt.Errorf("log level %v unknown; possible values are: %s", name, availableLogLevels)
	}
}

// kitHandler is a slog.Handler writing to a go-kit logger, so library logs
// share the daemon's format and filter.
type kitHandler struct {
	logger  log.Logger
	minimum slog.Leveler
	attrs   []interface{}
	prefix  string
}

func newKitHandler(logger log.Logger, minimum slog.Leveler) *kitHandler {
	return &kitHandler{logger: logger, minimum: minimum}
}

func (h *kitHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.minimum.Level()
}

func (h *kitHandler) Handle(_ context.Context, r slog.Record) error {
	kv := make([]interface{}, 0, 2+len(h.attrs)+2*r.NumAttrs())
	kv = append(kv, "msg", r.Message)
	kv = append(kv, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		kv = h.appendAttr(kv, h.prefix, a)
		return true
	})
	return leveled(h.logger, r.Level).Log(kv...)
}

func (h *kitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append([]interface{}(nil), h.attrs...)
	for _, a := range attrs {
		c.attrs = h.appendAttr(c.attrs, h.prefix, a)
	}
	return &c
}

func (h *kitHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

func (h *kitHandler) appendAttr(kv []interface{}, prefix string, a slog.Attr) []interface{} {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, g := range v.Group() {
			kv = h.appendAttr(kv, prefix, g)
		}
		return kv
	}
	if a.Key == "" {
		return kv
	}
	return append(kv, prefix+a.Key, v.Any())
}

func leveled(logger log.Logger, l slog.Level) log.Logger {
	switch {
	case l >= slog.LevelError:
		return level.Error(logger)
	case l >= slog.LevelWarn:
		return level.Warn(logger)
	case l >= slog.LevelInfo:
		return level.Info(logger)
	default:
		return level.Debug(logger)
	}
}
