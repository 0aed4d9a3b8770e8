package logger

import (
	"go.uber.org/zap/zapcore"
)

// newMinimalEncoder returns a console encoder tuned for calm, scannable
// terminal output: short time, lowercase level, no caller/stack noise.
// Structured fields render as trailing key=value pairs.
func newMinimalEncoder() zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:          "T",
		LevelKey:         "L",
		MessageKey:       "M",
		NameKey:          "N",
		ConsoleSeparator: "  ",
		EncodeTime:       zapcore.TimeEncoderOfLayout("15:04:05"),
		EncodeLevel:      minimalLevelEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeName:       zapcore.FullNameEncoder,
	}
	return zapcore.NewConsoleEncoder(cfg)
}

// minimalLevelEncoder renders levels as fixed-width lowercase tags so
// message columns line up.
func minimalLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case zapcore.DebugLevel:
		enc.AppendString("debug")
	case zapcore.InfoLevel:
		enc.AppendString(" info")
	case zapcore.WarnLevel:
		enc.AppendString(" warn")
	case zapcore.ErrorLevel:
		enc.AppendString("error")
	default:
		enc.AppendString(l.String())
	}
}
