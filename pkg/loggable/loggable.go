package loggable

import "log"

type LoggableOption func(*Loggable) error

// Loggable provides leveled logging to the types that embed it. Each
// level writes through its own *log.Logger and stays silent until one
// is supplied, so the zero value logs nothing.
type Loggable struct {
	debugLogger *log.Logger
	infoLogger  *log.Logger
	warnLogger  *log.Logger
	errorLogger *log.Logger
}

func logf(l *log.Logger, msg string, args ...any) {
	if l == nil {
		return
	}

	l.Printf(msg, args...)
}

func (c *Loggable) Debugf(msg string, args ...any) {
	logf(c.debugLogger, msg, args...)
}
func (c *Loggable) Infof(msg string, args ...any) {
	logf(c.infoLogger, msg, args...)
}
func (c *Loggable) Warnf(msg string, args ...any) {
	logf(c.warnLogger, msg, args...)
}
func (c *Loggable) Errorf(msg string, args ...any) {
	logf(c.errorLogger, msg, args...)
}

func WithDebugLogger(l *log.Logger) LoggableOption {
	return func(c *Loggable) error {
		c.debugLogger = l
		return nil
	}
}
func WithInfoLogger(l *log.Logger) LoggableOption {
	return func(c *Loggable) error {
		c.infoLogger = l
		return nil
	}
}
func WithWarnLogger(l *log.Logger) LoggableOption {
	return func(c *Loggable) error {
		c.warnLogger = l
		return nil
	}
}
func WithErrorLogger(l *log.Logger) LoggableOption {
	return func(c *Loggable) error {
		c.errorLogger = l
		return nil
	}
}
