package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

// msgColumn pads event names so the fields line up across records.
const msgColumn = 28

type prettyField struct {
	key string
	val slog.Value
}

// prettyHandler writes one aligned key=value line per record for local
// development. Attributes bound with WithAttrs are flattened once, up front.
type prettyHandler struct {
	out     io.Writer
	level   slog.Leveler
	source  bool
	replace func(groups []string, a slog.Attr) slog.Attr
	color   bool

	groups []string
	preset []prettyField

	mu *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{out: w, level: slog.LevelInfo, color: color, mu: new(sync.Mutex)}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
		h.replace = opts.ReplaceAttr
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	for _, a := range attrs {
		next.preset = next.flatten(next.preset, a, "")
	}
	return next
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	next := h.clone()
	next.groups = append(next.groups, name)
	return next
}

func (h *prettyHandler) clone() *prettyHandler {
	next := *h
	next.groups = append([]string(nil), h.groups...)
	next.preset = append([]prettyField(nil), h.preset...)
	return &next
}

// flatten appends a's leaves to dst with their dotted keys.
func (h *prettyHandler) flatten(dst []prettyField, a slog.Attr, parent string) []prettyField {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		prefix := parent
		if a.Key != "" {
			prefix = joinKey(parent, a.Key)
		}
		for _, ga := range a.Value.Group() {
			dst = h.flatten(dst, ga, prefix)
		}
		return dst
	}
	if h.replace != nil {
		a = h.replace(h.groups, a)
		a.Value = a.Value.Resolve()
	}
	if a.Key == "" {
		return dst
	}
	key := joinKey(parent, a.Key)
	if len(h.groups) > 0 {
		key = strings.Join(h.groups, ".") + "." + key
	}
	return append(dst, prettyField{key: key, val: a.Value})
}

func joinKey(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	fields := append([]prettyField(nil), h.preset...)
	r.Attrs(func(a slog.Attr) bool {
		fields = h.flatten(fields, a, "")
		return true
	})

	var b strings.Builder
	when := r.Time
	if when.IsZero() {
		when = time.Now()
	}
	b.WriteString(h.paint(ansiDim, when.Format("15:04:05.000")))
	b.WriteByte(' ')
	b.WriteString(levelLabel(r.Level, h.color))
	b.WriteByte(' ')
	msg := r.Message
	if pad := msgColumn - len(msg); pad > 0 {
		msg += strings.Repeat(" ", pad)
	}
	b.WriteString(h.paint(ansiBright, msg))

	// err goes last so the interesting part of a failure is at the line end.
	var errs []prettyField
	for _, f := range fields {
		if strings.HasSuffix(f.key, "err") {
			errs = append(errs, f)
			continue
		}
		h.writeField(&b, f)
	}
	for _, f := range errs {
		h.writeField(&b, f)
	}

	if h.source && r.PC != 0 {
		fr, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if fr.File != "" {
			b.WriteByte(' ')
			b.WriteString(h.paint(ansiDim, "@"+filepath.Base(fr.File)+":"+strconv.Itoa(fr.Line)))
		}
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *prettyHandler) writeField(b *strings.Builder, f prettyField) {
	leaf := f.key
	if i := strings.LastIndexByte(leaf, '.'); i >= 0 {
		leaf = leaf[i+1:]
	}
	b.WriteByte(' ')
	b.WriteString(shortKey(f.key))
	b.WriteByte('=')
	b.WriteString(h.formatValue(leaf, f.val))
}

func (h *prettyHandler) formatValue(leaf string, v slog.Value) string {
	switch leaf {
	case "method":
		return h.paint(ansiCyan, strings.ToUpper(v.String()))
	case "status":
		if n, ok := asInt(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "duration_ms", "delay_ms":
		if n, ok := asInt(v); ok {
			return h.paint(ansiDim, strconv.FormatInt(n, 10)+"ms")
		}
	case "state", "prev_state":
		return colorizeState(v.String(), h.color)
	case "result":
		return colorizeResult(v.String(), h.color)
	case "err":
		return h.paint(ansiRed, quoteIfNeeded(plain(v)))
	}
	return quoteIfNeeded(plain(v))
}

func (h *prettyHandler) paint(code, s string) string {
	if !h.color {
		return s
	}
	return code + s + ansiReset
}

// shortKey trims unit suffixes the value rendering already shows.
func shortKey(k string) string {
	switch {
	case strings.HasSuffix(k, "_ms"):
		return strings.TrimSuffix(k, "_ms")
	case k == "status_class":
		return "class"
	default:
		return k
	}
}

func asInt(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	}
	return 0, false
}

func plain(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	default:
		// String, numbers, bools and durations already render well.
		return v.String()
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelLabel(level slog.Level, color bool) string {
	label, code := "INFO ", ansiBlue
	switch {
	case level >= slog.LevelError:
		label, code = "ERROR", ansiRed
	case level >= slog.LevelWarn:
		label, code = "WARN ", ansiYellow
	case level < slog.LevelInfo:
		label, code = "DEBUG", ansiMagenta
	}
	if !color {
		return label
	}
	return code + label + ansiReset
}

func colorizeStatusCode(status int, color bool) string {
	s := strconv.Itoa(status)
	if !color {
		return s
	}
	switch {
	case status >= 500:
		return ansiRed + s + ansiReset
	case status >= 400:
		return ansiYellow + s + ansiReset
	default:
		return ansiGreen + s + ansiReset
	}
}

func colorizeState(state string, color bool) string {
	if !color {
		return state
	}
	switch state {
	case "connected", "scheduled":
		return ansiGreen + state + ansiReset
	case "connecting", "reconnecting", "firing":
		return ansiYellow + state + ansiReset
	case "disconnected":
		return ansiRed + state + ansiReset
	default:
		return state
	}
}

func colorizeResult(result string, color bool) string {
	if !color {
		return result
	}
	switch result {
	case "success", "ok":
		return ansiGreen + result + ansiReset
	case "client_error", "redirect":
		return ansiYellow + result + ansiReset
	case "server_error", "error":
		return ansiRed + result + ansiReset
	default:
		return result
	}
}
