package publishers

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "publishers.yaml")
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("write publishers file: %v", err)
	}
	return file
}

func TestLoadRegistryYAML(t *testing.T) {
	file := writeConfig(t, `
publishers:
  - id: items-queue
    type: sqs
    sqs:
      uri: https://sqs.us-east-1.amazonaws.com/123/items
      region: us-east-1
  - id: items-topic
    type: sns
    sns:
      topic_arn: arn:aws:sns:us-east-1:123:items
      region: us-east-1
  - id: items-pubsub
    type: gcppubsub
    enabled: false
    gcppubsub:
      project_id: data-seed
      topic: items
  - id: webhook
    type: http
    http:
      url: https://hooks.example.com/items
`)

	reg, err := LoadRegistry(file)
	if err != nil {
		t.Fatalf("LoadRegistry returned error: %v", err)
	}

	if got := len(reg.All()); got != 4 {
		t.Fatalf("expected 4 publishers, got %d", got)
	}
	if got := len(reg.Enabled()); got != 3 {
		t.Fatalf("expected 3 enabled publishers, got %d", got)
	}

	cfg, ok := reg.ByID("webhook")
	if !ok {
		t.Fatalf("expected publisher webhook to be loaded")
	}
	if cfg.HTTP.Method != "POST" {
		t.Fatalf("expected default method POST, got %s", cfg.HTTP.Method)
	}
	if cfg.HTTP.TimeoutSeconds != httpDefaultTimeoutSeconds {
		t.Fatalf("expected default timeout, got %d", cfg.HTTP.TimeoutSeconds)
	}

	if _, ok := reg.ByID("items-pubsub"); !ok {
		t.Fatalf("disabled publishers should still resolve by id")
	}
}

func TestLoadRegistryDuplicateID(t *testing.T) {
	file := writeConfig(t, `
publishers:
  - id: duplicate
    type: http
    http:
      url: https://p1.example
  - id: duplicate
    type: http
    http:
      url: https://p2.example
`)

	if _, err := LoadRegistry(file); err == nil {
		t.Fatalf("expected duplicate publisher error, got nil")
	}
}

func TestLoadRegistryValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{
			name: "sqs missing region",
			content: `
publishers:
  - id: queue
    type: sqs
    sqs:
      uri: https://sqs.example/items
`,
		},
		{
			name: "sns missing topic",
			content: `
publishers:
  - id: topic
    type: sns
    sns:
      region: us-east-1
`,
		},
		{
			name: "pubsub missing project",
			content: `
publishers:
  - id: ps
    type: gcppubsub
    gcppubsub:
      topic: items
`,
		},
		{
			name: "http missing url",
			content: `
publishers:
  - id: hook
    type: http
    http:
      method: PUT
`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			file := writeConfig(t, tc.content)
			if _, err := LoadRegistry(file); err == nil {
				t.Fatalf("expected validation error, got nil")
			}
		})
	}
}

func TestRegistryUnknownType(t *testing.T) {
	reg := DefaultRegistry()
	_, err := reg.PublisherFor(nil, PublisherConfig{ID: "x", Type: "carrier-pigeon"}, nil)
	if err == nil {
		t.Fatalf("expected error for unknown publisher type")
	}
}
