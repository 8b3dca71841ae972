package notify

import "github.com/charmbracelet/log"

// Log writes notifications to a structured logger.
type Log struct {
	logger *log.Logger
}

// NewLog returns a sink that logs through logger.
func NewLog(logger *log.Logger) *Log {
	return &Log{logger: logger}
}

// Send logs n at a level matching its severity.
func (l *Log) Send(n Notification) {
	if l.logger == nil {
		return
	}
	switch n.Level {
	case LevelError:
		l.logger.Error(n.Body, "title", n.Title)
	case LevelWarning:
		l.logger.Warn(n.Body, "title", n.Title)
	default:
		l.logger.Info(n.Body, "title", n.Title)
	}
}
