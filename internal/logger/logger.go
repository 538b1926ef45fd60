package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var zapLevels = map[LogLevel]zapcore.Level{
	DEBUG: zapcore.DebugLevel,
	INFO:  zapcore.InfoLevel,
	WARN:  zapcore.WarnLevel,
	ERROR: zapcore.ErrorLevel,
	FATAL: zapcore.FatalLevel,
}

var (
	level         = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	defaultLogger atomic.Pointer[zap.SugaredLogger]
)

func init() {
	defaultLogger.Store(build("console"))
}

func build(format string) *zap.SugaredLogger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(format, "json") {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// Init 按配置初始化日志
func Init(levelStr, format string) {
	SetLevelFromString(levelStr)
	defaultLogger.Store(build(format))
}

// SetLogger 替换底层 zap 日志器（测试中使用 observer）
func SetLogger(l *zap.Logger) {
	defaultLogger.Store(l.WithOptions(zap.AddCallerSkip(1)).Sugar())
}

// SetLevel 设置日志级别
func SetLevel(l LogLevel) {
	level.SetLevel(zapLevels[l])
}

// SetLevelFromString 从字符串设置日志级别
func SetLevelFromString(levelStr string) {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		SetLevel(DEBUG)
	case "INFO":
		SetLevel(INFO)
	case "WARN", "WARNING":
		SetLevel(WARN)
	case "ERROR":
		SetLevel(ERROR)
	case "FATAL":
		SetLevel(FATAL)
	default:
		SetLevel(INFO)
	}
}

// Sync 刷新缓冲
func Sync() {
	_ = defaultLogger.Load().Sync()
}

func Debug(format string, args ...interface{}) {
	defaultLogger.Load().Debugf(format, args...)
}

func Info(format string, args ...interface{}) {
	defaultLogger.Load().Infof(format, args...)
}

func Warn(format string, args ...interface{}) {
	defaultLogger.Load().Warnf(format, args...)
}

func Error(format string, args ...interface{}) {
	defaultLogger.Load().Errorf(format, args...)
}

func Fatal(format string, args ...interface{}) {
	defaultLogger.Load().Fatalf(format, args...)
}

// 结构化日志方法
func InfoWithFields(message string, fields map[string]interface{}) {
	defaultLogger.Load().Infow(message, flatten(fields)...)
}

func WarnWithFields(message string, fields map[string]interface{}) {
	defaultLogger.Load().Warnw(message, flatten(fields)...)
}

func ErrorWithFields(message string, fields map[string]interface{}) {
	defaultLogger.Load().Errorw(message, flatten(fields)...)
}

// flatten 按键排序，保证输出稳定
func flatten(fields map[string]interface{}) []interface{} {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kv := make([]interface{}, 0, len(fields)*2)
	for _, k := range keys {
		v := fields[k]
		if err, ok := v.(error); ok {
			v = err.Error()
		} else if s, ok := v.(fmt.Stringer); ok {
			v = s.String()
		}
		kv = append(kv, k, v)
	}
	return kv
}
