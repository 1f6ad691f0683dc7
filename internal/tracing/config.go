// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"fmt"
	"io"
)

// Exporter types.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

// Config holds tracing configuration.
type Config struct {
	// Exporter is one of the Exporter* constants. Empty means none.
	Exporter string

	// Endpoint is the OTLP receiver, either host:port or a full URL.
	Endpoint string

	// Insecure disables TLS for OTLP exporters.
	Insecure bool

	// Headers are sent with every OTLP export, typically for auth.
	Headers map[string]string

	// SampleRate is the fraction of root traces recorded (0.0 - 1.0).
	SampleRate float64

	ServiceName    string
	ServiceVersion string

	// Writer receives stdout exporter output. Nil means os.Stdout.
	Writer io.Writer
}

// DefaultConfig returns tracing disabled with full sampling once enabled.
func DefaultConfig() Config {
	return Config{
		Exporter:       ExporterNone,
		SampleRate:     1.0,
		ServiceName:    "switchboard",
		ServiceVersion: "dev",
	}
}

// Validate checks the exporter type and sampling rate.
func (c Config) Validate() error {
	switch c.Exporter {
	case "", ExporterNone, ExporterStdout:
	case ExporterOTLPHTTP, ExporterOTLPGRPC:
		if c.Endpoint == "" {
			return fmt.Errorf("tracing exporter %s requires an endpoint", c.Exporter)
		}
	default:
		return fmt.Errorf("unknown tracing exporter %q (use none, stdout, otlp-http or otlp-grpc)", c.Exporter)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be between 0 and 1, got %v", c.SampleRate)
	}
	return nil
}
