package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/open-sspm/open-spend/internal/connectors/configstore"
	"github.com/open-sspm/open-spend/internal/connectors/registry"
	"github.com/open-sspm/open-spend/internal/costs"
	"github.com/open-sspm/open-spend/internal/integrations"
	"github.com/open-sspm/open-spend/internal/sync"
)

func TestParseImportRange(t *testing.T) {
	opts, err := parseImportRange("2024-01-01", " 2024-03-31 ")
	if err != nil {
		t.Fatalf("parseImportRange() error = %v", err)
	}
	if opts.StartDate == nil || !opts.StartDate.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("StartDate = %v", opts.StartDate)
	}
	if opts.EndDate == nil || !opts.EndDate.Equal(time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("EndDate = %v", opts.EndDate)
	}

	opts, err = parseImportRange("", "")
	if err != nil || opts.StartDate != nil || opts.EndDate != nil {
		t.Fatalf("empty range = %+v, %v", opts, err)
	}

	if _, err := parseImportRange("01/02/2024", ""); err == nil || !strings.Contains(err.Error(), "--start") {
		t.Fatalf("expected --start error, got %v", err)
	}
	if _, err := parseImportRange("2024-02-01", "2024-01-01"); err == nil {
		t.Fatal("expected error for end before start")
	}
}

func TestReadSecretFromPipe(t *testing.T) {
	var prompt bytes.Buffer
	got, err := readSecret(strings.NewReader("  sk_test_123 \nignored\n"), &prompt, "key: ")
	if err != nil {
		t.Fatalf("readSecret() error = %v", err)
	}
	if got != "sk_test_123" {
		t.Fatalf("secret = %q", got)
	}
	if prompt.Len() != 0 {
		t.Fatalf("prompt written for non-terminal input: %q", prompt.String())
	}

	if _, err := readSecret(strings.NewReader("   "), &prompt, "key: "); err == nil {
		t.Fatal("expected error for blank secret")
	}
}

func TestWriteIntegrations(t *testing.T) {
	synced := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	list := []integrations.IntegrationView{
		{IntegrationInfo: sync.IntegrationInfo{DefinitionInfo: registry.DefinitionInfo{Name: "quickbooks", AuthType: registry.AuthTypeOAuth2}}},
		{
			IntegrationInfo: sync.IntegrationInfo{DefinitionInfo: registry.DefinitionInfo{Name: "stripe", AuthType: registry.AuthTypeAPIKey}, Connected: true},
			LastSync:        &synced,
		},
	}

	var out bytes.Buffer
	if err := writeIntegrations(&out, list); err != nil {
		t.Fatalf("writeIntegrations() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.HasPrefix(lines[0], "NAME") {
		t.Fatalf("header = %q", lines[0])
	}
	if fields := strings.Fields(lines[1]); len(fields) != 4 || fields[2] != "no" || fields[3] != "never" {
		t.Fatalf("quickbooks row = %q", lines[1])
	}
	if fields := strings.Fields(lines[2]); len(fields) != 4 || fields[2] != "yes" || fields[3] != "2024-05-01T12:00:00Z" {
		t.Fatalf("stripe row = %q", lines[2])
	}
}

func TestOrgSyncRunnerIdleWithoutCredentials(t *testing.T) {
	creds := configstore.NewMemoryStore()
	svc, err := integrations.NewService(integrations.Config{
		Registry:    registry.NewRegistry(),
		Credentials: creds,
		Costs:       costs.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	err = orgSyncRunner(svc, creds, "org-1").RunOnce(context.Background())
	if !errors.Is(err, sync.ErrNoConnectedIntegrations) {
		t.Fatalf("RunOnce() error = %v, want ErrNoConnectedIntegrations", err)
	}
}
