package engine

import (
	"crypto/rand"
	"time"

	"github.com/danmuck/edgeflow/internal/protocol"
)

const (
	DefaultReportInterval  = time.Second
	DefaultReadTimeout     = 30 * time.Second
	DefaultSendBufferBytes = 256 * 1024
)

// Config defines controller connection and cadence settings.
type Config struct {
	Address         string
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ReportInterval  time.Duration
	SendBufferBytes int
	SerialNumber    string
	MaxPayloadBytes uint32
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  5 * time.Second,
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    15 * time.Second,
		ReportInterval:  DefaultReportInterval,
		SendBufferBytes: DefaultSendBufferBytes,
		MaxPayloadBytes: protocol.DefaultLimits().MaxPayloadBytes,
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = d.ReportInterval
	}
	if c.SendBufferBytes <= 0 {
		c.SendBufferBytes = d.SendBufferBytes
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = d.MaxPayloadBytes
	}
	return c
}

// serialFromConfig pads or truncates the configured serial to the wire width.
// An empty serial is replaced with random bytes.
func serialFromConfig(raw string) [protocol.SerialNumberLen]byte {
	var out [protocol.SerialNumberLen]byte
	if raw == "" {
		_, _ = rand.Read(out[:])
		return out
	}
	copy(out[:], raw)
	return out
}
