package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

// testAppender logs through testing.TB so output is attributed to the test that produced it.
type testAppender struct {
	tb testing.TB
}

// NewTestAppender returns an appender that writes console formatted lines with tb.Log.
func NewTestAppender(tb testing.TB) Appender {
	return &testAppender{tb}
}

func (tapp *testAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	line, err := formatEntry(entry, fields)
	tapp.tb.Log(line)
	return err
}

func (tapp *testAppender) Sync() error {
	return nil
}
