package main

import (
	"bytes"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"pretty", "text", "json"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(&buf, "warn", format)
			require.NoError(t, err)

			logger.Info("hidden")
			logger.Warn("shown", "key", "1/300/200")
			require.NotContains(t, buf.String(), "hidden")
			require.Contains(t, buf.String(), "shown")
			require.Contains(t, buf.String(), "1/300/200")
		})
	}

	_, err := newLogger(&bytes.Buffer{}, "loud", "json")
	require.Error(t, err)
	_, err = newLogger(&bytes.Buffer{}, "info", "xml")
	require.Error(t, err)
}

func TestCLIDefaults(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"})
	require.NoError(t, err)

	_, err = parser.Parse(nil)
	require.NoError(t, err)
	require.Equal(t, ":8080", cli.Address)
	require.Equal(t, "filesystem", cli.Backend)
	require.Equal(t, 3048, cli.MaxDimension)
	require.Equal(t, 80, cli.JPEGQuality)
	require.Zero(t, cli.CacheMaxSize)
	require.True(t, cli.MetricsPrometheus)
}

func TestCLIFlags(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"})
	require.NoError(t, err)

	_, err = parser.Parse([]string{"--backend=s3", "--s3-bucket=images", "--cache-max-size=1048576", "--no-metrics-prometheus"})
	require.NoError(t, err)
	require.Equal(t, "s3", cli.Backend)
	require.Equal(t, "images", cli.S3Bucket)
	require.Equal(t, int64(1048576), cli.CacheMaxSize)
	require.False(t, cli.MetricsPrometheus)

	_, err = parser.Parse([]string{"--backend=tape"})
	require.Error(t, err)
}
