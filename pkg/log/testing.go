package log

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// StartTest switches the logger into test mode: output is suppressed and
// every emitted entry is recorded in memory. The returned function ends the
// test, restores the previous output and level, and returns the recorded
// entries.
func (e *Entry) StartTest(level logrus.Level) func() []logrus.Entry {
	if e.isTesting {
		panic("cannot start logger test: already testing")
	}
	e.isTesting = true

	hook := new(test.Hook)
	e.Logger.AddHook(hook)

	oldOut := e.Logger.Out
	e.Logger.SetOutput(io.Discard)
	oldLevel := e.Logger.GetLevel()
	e.Logger.SetLevel(level)

	return func() []logrus.Entry {
		e.Logger.SetLevel(oldLevel)
		e.Logger.SetOutput(oldOut)
		e.removeHook(hook)
		e.isTesting = false
		entries := make([]logrus.Entry, len(hook.Entries))
		copy(entries, hook.Entries)
		return entries
	}
}

// removeHook detaches the given hook from the underlying logger.
func (e *Entry) removeHook(target logrus.Hook) {
	for level, hooks := range e.Logger.Hooks {
		kept := hooks[:0]
		for _, h := range hooks {
			if h != target {
				kept = append(kept, h)
			}
		}
		e.Logger.Hooks[level] = kept
	}
}
