package tracing

import (
	"testing"

	"go.opentelemetry.io/otel/trace/noop"
)

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "strips http prefix", input: "http://localhost:4318", expected: "localhost:4318"},
		{name: "strips https prefix", input: "https://otel.example.com:4318", expected: "otel.example.com:4318"},
		{name: "returns unchanged when no scheme", input: "localhost:4318", expected: "localhost:4318"},
		{name: "handles empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := endpointHost(tt.input); got != tt.expected {
				t.Errorf("endpointHost(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestTracerIsNoopWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	tracer := Tracer("test")
	if tracer == nil {
		t.Fatal("Tracer returned nil")
	}
	if _, ok := tracer.(noop.Tracer); !ok {
		t.Fatalf("Tracer returned %T, want noop.Tracer", tracer)
	}
}
