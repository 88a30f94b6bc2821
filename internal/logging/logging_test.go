package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tcases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"fatal", zerolog.FatalLevel},
		{"disabled", zerolog.Disabled},
		{"error", zerolog.ErrorLevel},
		{"trace", zerolog.TraceLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}

	for _, tc := range tcases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseLevel(tc.in))
		})
	}
}

func TestNewWithWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewWithWriter(Config{Level: "info", ServiceName: "eventpresence"}, buf)

	logger.Debug().Msg("hidden")
	logger.Info().Str(FieldEventId, "e1").Msg("visible")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "expected a single JSON log line")
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "eventpresence", entry[FieldService])
	assert.Equal(t, "e1", entry[FieldEventId])
}

func TestFromContext(t *testing.T) {
	fallbackBuf := &bytes.Buffer{}
	fallback := zerolog.New(fallbackBuf)

	t.Run("no logger in context", func(t *testing.T) {
		FromContext(context.Background(), fallback).Info().Msg("hello")
		assert.Contains(t, fallbackBuf.String(), "hello")
	})

	t.Run("request logger", func(t *testing.T) {
		buf := &bytes.Buffer{}
		reqLogger := zerolog.New(buf).With().Str(FieldRequestId, "req-1").Logger()
		ctx := WithContext(context.Background(), reqLogger)

		FromContext(ctx, fallback).Info().Msg("scoped")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "req-1", entry[FieldRequestId])
		assert.NotContains(t, fallbackBuf.String(), "scoped")
	})
}
