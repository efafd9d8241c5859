package main

import (
	"io"
	"time"

	"github.com/rs/zerolog"

	stream "github.com/przygienda/simple-stream"
)

func newLogger(out io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(lvl).With().Timestamp().Str("app", "streamecho").Logger(), nil
}

// zerologLogger lets the stream package log through zerolog.
type zerologLogger struct {
	l zerolog.Logger
}

var _ stream.Logger = zerologLogger{}

func (z zerologLogger) Debug(msg string, args ...any) { z.l.Debug().Fields(args).Msg(msg) }
func (z zerologLogger) Info(msg string, args ...any)  { z.l.Info().Fields(args).Msg(msg) }
func (z zerologLogger) Warn(msg string, args ...any)  { z.l.Warn().Fields(args).Msg(msg) }
func (z zerologLogger) Error(msg string, args ...any) { z.l.Error().Fields(args).Msg(msg) }
