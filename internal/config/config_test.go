package config

import (
	"io"
	"log/slog"
	"testing"

	"github.com/WendelHime/goppspp/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	var tests = []struct {
		name   string
		args   []string
		assert func(t *testing.T, c Config, err error)
	}{
		{
			name: "defaults with required files",
			args: []string{"-swarm", "a.swarm", "-content", "a.bin"},
			assert: func(t *testing.T, c Config, err error) {
				assert.Nil(t, err)
				assert.Equal(t, DefaultPort, c.Port)
				assert.Equal(t, models.TransportUDP, c.Transport())
				assert.Equal(t, "log.txt", c.LogPath)
				level, err := c.Level()
				require.Nil(t, err)
				assert.Equal(t, slog.LevelInfo, level)
			},
		},
		{
			name: "tcp live source",
			args: []string{"-swarm", "a.swarm", "-content", "a.bin", "-tcp", "-live", "-live-src", "-log-level", "debug"},
			assert: func(t *testing.T, c Config, err error) {
				assert.Nil(t, err)
				assert.Equal(t, models.TransportTCP, c.Transport())
				assert.True(t, c.LiveSource)
			},
		},
		{
			name: "live source without live swarm",
			args: []string{"-swarm", "a.swarm", "-content", "a.bin", "-live-src"},
			assert: func(t *testing.T, c Config, err error) {
				assert.ErrorIs(t, err, ErrLiveSource)
			},
		},
		{
			name: "missing swarm",
			args: []string{"-content", "a.bin"},
			assert: func(t *testing.T, c Config, err error) {
				assert.ErrorIs(t, err, ErrMissingSwarm)
			},
		},
		{
			name: "bad port",
			args: []string{"-swarm", "a.swarm", "-content", "a.bin", "-port", "70000"},
			assert: func(t *testing.T, c Config, err error) {
				assert.ErrorIs(t, err, ErrInvalidPort)
			},
		},
		{
			name: "bad announce ip",
			args: []string{"-swarm", "a.swarm", "-content", "a.bin", "-ip", "nowhere"},
			assert: func(t *testing.T, c Config, err error) {
				assert.ErrorIs(t, err, ErrInvalidIP)
			},
		},
		{
			name: "bad level",
			args: []string{"-swarm", "a.swarm", "-content", "a.bin", "-log-level", "loud"},
			assert: func(t *testing.T, c Config, err error) {
				assert.ErrorIs(t, err, ErrInvalidLevel)
			},
		},
		{
			name: "tracker server needs no swarm",
			args: []string{"-serve-tracker", ":7000"},
			assert: func(t *testing.T, c Config, err error) {
				assert.Nil(t, err)
				assert.Equal(t, ":7000", c.ServeTracker)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c, err := Parse("ppspp", tt.args, io.Discard)
			require.Nil(t, err)
			tt.assert(t, c, c.Validate())
		})
	}
}

func TestParseMkSwarm(t *testing.T) {
	m, err := ParseMkSwarm([]string{"-content", "video.bin", "-chunk-size", "4096"}, io.Discard)
	require.Nil(t, err)
	assert.Equal(t, "video.bin.swarm", m.Out)
	assert.Equal(t, int64(4096), m.ChunkSize)

	_, err = ParseMkSwarm([]string{"-chunk-size", "4096"}, io.Discard)
	assert.ErrorIs(t, err, ErrMissingContent)

	_, err = ParseMkSwarm([]string{"-content", "video.bin", "-chunk-size", "0"}, io.Discard)
	assert.ErrorIs(t, err, ErrInvalidChunk)

	_, err = Parse("ppspp", []string{"-nope"}, io.Discard)
	assert.NotNil(t, err)
}
