// Package logifaceadapter backs obslog.Logger with
// github.com/joeycumines/logiface, the structured-logging facade the
// eventloop test suite this runtime was grounded on already depends on.
//
// It supplies a minimal concrete logiface.Event (writing "key=value" pairs
// to an io.Writer) rather than vendoring a full backend such as stumpy or
// zerolog, since the runtime has no opinion on wire format — only that
// structured fields survive the trip.
package logifaceadapter

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/joeycumines/go-iocoro/obslog"
	"github.com/joeycumines/logiface"
)

// Event is a minimal logiface.Event implementation: a line-buffered,
// space-separated "key=value" writer.
type Event struct {
	logiface.UnimplementedEvent

	level logiface.Level
	buf   strings.Builder
}

func (e *Event) Level() logiface.Level { return e.level }

func (e *Event) AddField(key string, val any) {
	fmt.Fprintf(&e.buf, " %s=%v", key, val)
}

func (e *Event) AddMessage(msg string) bool {
	fmt.Fprintf(&e.buf, " msg=%q", msg)
	return true
}

func (e *Event) AddError(err error) bool {
	fmt.Fprintf(&e.buf, " err=%q", err.Error())
	return true
}

var eventPool = sync.Pool{New: func() any { return new(Event) }}

type backend struct {
	mu sync.Mutex
	w  io.Writer
}

func (b *backend) NewEvent(level logiface.Level) *Event {
	e := eventPool.Get().(*Event)
	e.level = level
	e.buf.Reset()
	e.buf.WriteString(level.String())
	return e
}

func (b *backend) ReleaseEvent(e *Event) {
	eventPool.Put(e)
}

func (b *backend) Write(e *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := fmt.Fprintln(b.w, e.buf.String())
	return err
}

// New constructs an obslog.Logger backed by a logiface.Logger[*Event]
// writing to w (os.Stderr if nil).
func New(w io.Writer) obslog.Logger {
	if w == nil {
		w = os.Stderr
	}
	be := &backend{w: w}
	l := logiface.New[*Event](
		logiface.WithEventFactory[*Event](be),
		logiface.WithEventReleaser[*Event](be),
		logiface.WithWriter[*Event](be),
		logiface.WithLevel[*Event](logiface.LevelTrace),
	)
	return &adapter{logger: l}
}

type adapter struct {
	logger *logiface.Logger[*Event]
}

func toLogifaceLevel(l obslog.Level) logiface.Level {
	switch l {
	case obslog.LevelDebug:
		return logiface.LevelDebug
	case obslog.LevelInfo:
		return logiface.LevelInformational
	case obslog.LevelWarn:
		return logiface.LevelWarning
	case obslog.LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

func (a *adapter) Enabled(level obslog.Level) bool {
	return a.logger.Level().Enabled() && a.logger.Level() >= toLogifaceLevel(level)
}

func (a *adapter) Log(level obslog.Level, component, msg string, fields ...obslog.Field) {
	b := a.logger.Build(toLogifaceLevel(level))
	b.Str("component", component)
	for _, f := range fields {
		b.Field(f.Key, f.Value)
	}
	b.Log(msg)
}
