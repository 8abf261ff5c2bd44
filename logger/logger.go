package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

/*
logger.SetFlags(logger.TCP | logger.SACK)

logger.Debugf(logger.TCP, ...)  // 会输出
logger.Debugf(logger.RATE, ...) // 不会输出
*/

const (
	// TCP 连接状态机
	TCP = 1 << iota
	SACK
	CC
	TIMER
	RATE
	// HANDSHAKE 三次握手 四次挥手
	HANDSHAKE
)

type logger struct {
	flags uint8
	log   *zap.SugaredLogger
}

var instance *logger
var once sync.Once

func get() *logger {
	once.Do(func() {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.DisableStacktrace = true
		l, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			panic(err)
		}
		instance = &logger{log: l.Sugar()}
	})
	return instance
}

// SetFlags 设置调试输出类型 不影响 Warnf/Errorf
func SetFlags(flags uint8) {
	get().flags = flags
}

// Debugf logs at debug level if mask is enabled.
// 热路径上的日志都走这里 mask未开启时只付一次位与的开销
func Debugf(mask uint8, format string, v ...interface{}) {
	l := get()
	if mask&l.flags == 0 {
		return
	}
	l.log.Debugf(format, v...)
}

// Infof logs at info level if mask is enabled.
func Infof(mask uint8, format string, v ...interface{}) {
	l := get()
	if mask&l.flags == 0 {
		return
	}
	l.log.Infof(format, v...)
}

// Warnf logs unconditionally at warn level.
func Warnf(format string, v ...interface{}) {
	get().log.Warnf(format, v...)
}

// Errorf logs unconditionally at error level.
// 用于不变量被破坏等编程错误 绝不静默
func Errorf(format string, v ...interface{}) {
	get().log.Errorf(format, v...)
}

// Sync flushes buffered log entries.
func Sync() {
	get().log.Sync()
}
