package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// impl is a named Logger on top of a zap sugared logger. Every appender is wrapped in an
// appenderCore gated by the logger's level, so SetLevel applies without rebuilding anything.
type impl struct {
	name      string
	level     AtomicLevel
	inUTC     bool
	appenders []Appender
	sugar     *zap.SugaredLogger
}

func newImpl(name string, level Level, inUTC bool, appenders ...Appender) *impl {
	imp := &impl{
		name:      name,
		level:     NewAtomicLevelAt(level),
		inUTC:     inUTC,
		appenders: appenders,
	}
	imp.build()
	return imp
}

func (imp *impl) build() {
	cores := make([]zapcore.Core, 0, len(imp.appenders))
	for _, appender := range imp.appenders {
		cores = append(cores, &appenderCore{appender: appender, level: imp.level, inUTC: imp.inUTC})
	}
	// skip the impl method so the caller is the code that logged
	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	imp.sugar = logger.Named(imp.name).Sugar()
}

func (imp *impl) AddAppender(appender Appender) {
	imp.appenders = append(imp.appenders, appender)
	imp.build()
}

func (imp *impl) SetLevel(level Level) {
	imp.level.Set(level)
}

func (imp *impl) GetLevel() Level {
	return imp.level.Get()
}

// Sublogger returns a logger named "<name>.<subname>" writing to the same appenders. Its level
// starts at the parent's and is changed independently.
func (imp *impl) Sublogger(subname string) Logger {
	name := subname
	if imp.name != "" {
		name = imp.name + "." + subname
	}
	appenders := make([]Appender, len(imp.appenders))
	copy(appenders, imp.appenders)
	return newImpl(name, imp.level.Get(), imp.inUTC, appenders...)
}

func (imp *impl) Sync() error {
	return imp.sugar.Sync()
}

func (imp *impl) Debug(args ...interface{}) { imp.sugar.Debug(args...) }

func (imp *impl) Debugf(template string, args ...interface{}) { imp.sugar.Debugf(template, args...) }

func (imp *impl) Debugw(msg string, keysAndValues ...interface{}) {
	imp.sugar.Debugw(msg, keysAndValues...)
}

func (imp *impl) Info(args ...interface{}) { imp.sugar.Info(args...) }

func (imp *impl) Infof(template string, args ...interface{}) { imp.sugar.Infof(template, args...) }

func (imp *impl) Infow(msg string, keysAndValues ...interface{}) {
	imp.sugar.Infow(msg, keysAndValues...)
}

func (imp *impl) Warn(args ...interface{}) { imp.sugar.Warn(args...) }

func (imp *impl) Warnf(template string, args ...interface{}) { imp.sugar.Warnf(template, args...) }

func (imp *impl) Warnw(msg string, keysAndValues ...interface{}) {
	imp.sugar.Warnw(msg, keysAndValues...)
}

func (imp *impl) Error(args ...interface{}) { imp.sugar.Error(args...) }

func (imp *impl) Errorf(template string, args ...interface{}) { imp.sugar.Errorf(template, args...) }

func (imp *impl) Errorw(msg string, keysAndValues ...interface{}) {
	imp.sugar.Errorw(msg, keysAndValues...)
}

// appenderCore adapts an Appender to a zapcore.Core.
type appenderCore struct {
	appender Appender
	level    AtomicLevel
	inUTC    bool
	fields   []zapcore.Field
}

func (c *appenderCore) Enabled(level zapcore.Level) bool {
	return level >= c.level.Get().AsZap()
}

func (c *appenderCore) With(fields []zapcore.Field) zapcore.Core {
	withFields := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	withFields = append(withFields, c.fields...)
	withFields = append(withFields, fields...)
	return &appenderCore{appender: c.appender, level: c.level, inUTC: c.inUTC, fields: withFields}
}

func (c *appenderCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *appenderCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if c.inUTC {
		entry.Time = entry.Time.UTC()
	}
	if len(c.fields) > 0 {
		fields = append(append([]zapcore.Field{}, c.fields...), fields...)
	}
	return c.appender.Write(entry, fields)
}

func (c *appenderCore) Sync() error {
	return c.appender.Sync()
}
