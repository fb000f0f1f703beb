package configstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
)

const (
	VaultAuthTypeToken   = "token"
	VaultAuthTypeAppRole = "approle"

	defaultVaultMount  = "secret"
	defaultVaultPrefix = "open-spend"
)

// VaultConfig locates the KV v2 mount holding integration credentials and
// the credentials used to reach it.
type VaultConfig struct {
	Address          string `json:"address"`
	Namespace        string `json:"namespace"`
	Mount            string `json:"mount"`
	Prefix           string `json:"prefix"`
	AuthType         string `json:"auth_type"`
	Token            string `json:"token"`
	AppRoleMountPath string `json:"approle_mount_path"`
	AppRoleRoleID    string `json:"approle_role_id"`
	AppRoleSecretID  string `json:"approle_secret_id"`
	TLSSkipVerify    bool   `json:"tls_skip_verify"`
	TLSCACertPEM     string `json:"tls_ca_cert_pem"`
}

func (c VaultConfig) Normalized() VaultConfig {
	out := c
	out.Address = normalizeVaultAddress(out.Address)
	out.Namespace = strings.TrimSpace(out.Namespace)
	out.Mount = normalizeVaultMountPath(out.Mount)
	if out.Mount == "" {
		out.Mount = defaultVaultMount
	}
	out.Prefix = normalizeVaultMountPath(out.Prefix)
	if out.Prefix == "" {
		out.Prefix = defaultVaultPrefix
	}
	out.AuthType = strings.ToLower(strings.TrimSpace(out.AuthType))
	if out.AuthType == "" {
		out.AuthType = VaultAuthTypeToken
	}
	out.Token = strings.TrimSpace(out.Token)
	out.AppRoleMountPath = normalizeVaultMountPath(out.AppRoleMountPath)
	if out.AppRoleMountPath == "" {
		out.AppRoleMountPath = "approle"
	}
	out.AppRoleRoleID = strings.TrimSpace(out.AppRoleRoleID)
	out.AppRoleSecretID = strings.TrimSpace(out.AppRoleSecretID)
	out.TLSCACertPEM = strings.TrimSpace(out.TLSCACertPEM)
	return out
}

func (c VaultConfig) Validate() error {
	c = c.Normalized()
	if c.Address == "" {
		return errors.New("Vault address is required")
	}
	parsed, err := url.Parse(c.Address)
	if err != nil {
		return errors.New("Vault address is invalid")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("Vault address must use http or https")
	}
	if strings.TrimSpace(parsed.Hostname()) == "" {
		return errors.New("Vault address host is required")
	}
	switch c.AuthType {
	case VaultAuthTypeToken:
		if c.Token == "" {
			return errors.New("Vault token is required")
		}
	case VaultAuthTypeAppRole:
		if c.AppRoleRoleID == "" {
			return errors.New("Vault AppRole role ID is required")
		}
		if c.AppRoleSecretID == "" {
			return errors.New("Vault AppRole secret ID is required")
		}
	default:
		return errors.New("Vault auth type is invalid")
	}
	if c.TLSCACertPEM != "" {
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM([]byte(c.TLSCACertPEM)); !ok {
			return errors.New("Vault CA certificate PEM is invalid")
		}
	}
	return nil
}

// VaultStore keeps each organization's credentials as KV v2 secrets under
// <mount>/data/<prefix>/<org>/<integration>.
type VaultStore struct {
	client *vaultapi.Client
	kv     *vaultapi.KVv2
	mount  string
	prefix string
}

func NewVaultStore(cfg VaultConfig) (*VaultStore, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	apiCfg := vaultapi.DefaultConfig()
	apiCfg.Address = cfg.Address
	apiCfg.HttpClient = &http.Client{
		Timeout:   30 * time.Second,
		Transport: buildHTTPTransport(cfg.TLSSkipVerify, cfg.TLSCACertPEM),
	}
	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("vault client setup: %w", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	switch cfg.AuthType {
	case VaultAuthTypeToken:
		client.SetToken(cfg.Token)
	case VaultAuthTypeAppRole:
		loginPath := "auth/" + cfg.AppRoleMountPath + "/login"
		secret, err := client.Logical().Write(loginPath, map[string]any{
			"role_id":   cfg.AppRoleRoleID,
			"secret_id": cfg.AppRoleSecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("vault approle login at %s: %w", loginPath, err)
		}
		if secret == nil || secret.Auth == nil || strings.TrimSpace(secret.Auth.ClientToken) == "" {
			return nil, errors.New("vault approle login succeeded without client token")
		}
		client.SetToken(secret.Auth.ClientToken)
	}

	return &VaultStore{
		client: client,
		kv:     client.KVv2(cfg.Mount),
		mount:  cfg.Mount,
		prefix: cfg.Prefix,
	}, nil
}

func (s *VaultStore) secretPath(orgID, integration string) string {
	return s.prefix + "/" + url.PathEscape(orgID) + "/" + url.PathEscape(integration)
}

func (s *VaultStore) Get(ctx context.Context, orgID, integration string) (ConnectionCredentials, error) {
	orgID, integration, err := normalizeKey(orgID, integration)
	if err != nil {
		return ConnectionCredentials{}, err
	}
	path := s.secretPath(orgID, integration)
	secret, err := s.kv.Get(ctx, path)
	if errors.Is(err, vaultapi.ErrSecretNotFound) {
		return ConnectionCredentials{}, ErrNotFound
	}
	if err != nil {
		return ConnectionCredentials{}, fmt.Errorf("vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return ConnectionCredentials{}, ErrNotFound
	}
	creds, err := credentialsFromData(secret.Data)
	if err != nil {
		return ConnectionCredentials{}, fmt.Errorf("vault read %s: %w", path, err)
	}
	if creds.Integration == "" {
		creds.Integration = integration
	}
	return creds.Normalized(), nil
}

func (s *VaultStore) List(ctx context.Context, orgID string) ([]ConnectionCredentials, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, errors.New("organization id is required")
	}
	listPath := s.mount + "/metadata/" + s.prefix + "/" + url.PathEscape(orgID)
	secret, err := s.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, fmt.Errorf("vault list %s: %w", listPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	rawKeys, _ := secret.Data["keys"].([]any)

	out := make([]ConnectionCredentials, 0, len(rawKeys))
	for _, raw := range rawKeys {
		key, _ := raw.(string)
		// Nested folders end in "/" and are not credentials.
		if key == "" || strings.HasSuffix(key, "/") {
			continue
		}
		name, err := url.PathUnescape(key)
		if err != nil {
			name = key
		}
		creds, err := s.Get(ctx, orgID, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, creds)
	}
	sortByIntegration(out)
	return out, nil
}

func (s *VaultStore) Put(ctx context.Context, orgID string, creds ConnectionCredentials) error {
	creds = creds.Normalized()
	if err := creds.Validate(); err != nil {
		return err
	}
	orgID, integration, err := normalizeKey(orgID, creds.Integration)
	if err != nil {
		return err
	}
	if creds.ConnectedAt.IsZero() {
		creds.ConnectedAt = time.Now().UTC()
	}
	data, err := credentialsToData(creds)
	if err != nil {
		return err
	}
	path := s.secretPath(orgID, integration)
	if _, err := s.kv.Put(ctx, path, data); err != nil {
		return fmt.Errorf("vault write %s: %w", path, err)
	}
	return nil
}

// Delete removes every version of the secret.
func (s *VaultStore) Delete(ctx context.Context, orgID, integration string) error {
	orgID, integration, err := normalizeKey(orgID, integration)
	if err != nil {
		return err
	}
	path := s.secretPath(orgID, integration)
	if err := s.kv.DeleteMetadata(ctx, path); err != nil {
		return fmt.Errorf("vault delete %s: %w", path, err)
	}
	return nil
}

func credentialsToData(creds ConnectionCredentials) (map[string]any, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	return data, nil
}

func credentialsFromData(data map[string]any) (ConnectionCredentials, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return ConnectionCredentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	var creds ConnectionCredentials
	if err := decodeJSON(raw, &creds); err != nil {
		return ConnectionCredentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

func normalizeVaultAddress(raw string) string {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return ""
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "https://" + addr
	}
	parsed, err := url.Parse(addr)
	if err != nil {
		return strings.TrimRight(addr, "/")
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimSpace(parsed.String())
}

func normalizeVaultMountPath(raw string) string {
	return strings.Trim(strings.TrimSpace(raw), "/")
}

func buildHTTPTransport(skipVerify bool, caCertPEM string) http.RoundTripper {
	base, _ := http.DefaultTransport.(*http.Transport)
	if base == nil {
		return http.DefaultTransport
	}
	transport := base.Clone()
	if transport.TLSClientConfig == nil {
		transport.TLSClientConfig = &tls.Config{}
	} else {
		transport.TLSClientConfig = transport.TLSClientConfig.Clone()
	}
	transport.TLSClientConfig.MinVersion = tls.VersionTLS12
	transport.TLSClientConfig.InsecureSkipVerify = skipVerify
	if strings.TrimSpace(caCertPEM) != "" {
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM([]byte(caCertPEM)) {
			transport.TLSClientConfig.RootCAs = pool
		}
	}
	return transport
}
