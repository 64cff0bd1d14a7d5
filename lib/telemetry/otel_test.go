package telemetry

import (
	"context"
	"testing"

	"github.com/coachpo/marlin/config"
)

func TestParseEndpoint(t *testing.T) {
	host, insecure, err := parseEndpoint("https://example.com:4318")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if host != "example.com:4318" || insecure {
		t.Fatalf("got host=%q insecure=%v", host, insecure)
	}

	host, insecure, err = parseEndpoint("http://localhost:4318")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if host != "localhost:4318" || !insecure {
		t.Fatalf("got host=%q insecure=%v", host, insecure)
	}
}

func TestInitNoEndpointUsesNoop(t *testing.T) {
	mp, shutdown, err := Init(context.Background(), config.TelemetrySettings{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if mp == nil {
		t.Fatal("meter provider is nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitInvalidEndpoint(t *testing.T) {
	if _, _, err := Init(context.Background(), config.TelemetrySettings{OTLPEndpoint: "://bad"}); err == nil {
		t.Fatal("expected error for malformed endpoint")
	}
}
