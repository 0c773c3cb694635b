package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLog builds the process-wide console logger. Callers install it
// with zap.ReplaceGlobals and tag call sites via zap.S().Named(...).
func InitLog(lvl zap.AtomicLevel) *zap.Logger {
	loggerCfg := &zap.Config{
		Level:    lvl,
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "severity",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeTime:     zapcore.RFC3339TimeEncoder,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder, EncodeCaller: zapcore.ShortCallerEncoder},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	plain, err := loggerCfg.Build(zap.AddStacktrace(zap.DPanicLevel))
	if err != nil {
		panic(err)
	}

	return plain
}

// ParseLevel maps a configured level string to an atomic level,
// falling back to info on anything unparsable.
func ParseLevel(s string) zap.AtomicLevel {
	lvl, err := zap.ParseAtomicLevel(s)
	if err != nil {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return lvl
}
