// Package config turns the relay's environment-driven flag values into a
// validated, typed configuration. The transport private key is decoded once
// here; everything downstream treats it as read-only.
package config

import (
	"crypto/ecdh"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"time"

	"github.com/awrlabs/relay/cmd/relay/flags"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

// TransportMode selects which envelope generations the relay accepts.
type TransportMode string

const (
	// ModeV1 accepts only symmetric AES-GCM envelopes.
	ModeV1 TransportMode = "v1"
	// ModeCompat accepts both envelope generations.
	ModeCompat TransportMode = "compat"
	// ModeV2 accepts only hybrid X25519 envelopes.
	ModeV2 TransportMode = "v2"
)

// Config is the fully validated relay configuration.
type Config struct {
	HTTPPort int
	APIKey   string

	GitHubPAT      string
	AuthorName     string
	AuthorEmail    string
	CommitterName  string
	CommitterEmail string

	Mode          TransportMode
	EncryptionKey []byte
	KeyID         string
	PrivateKey    *ecdh.PrivateKey
	ServerPubDER  []byte
	ReplayTTL     time.Duration
	ClockSkew     time.Duration

	ReposDir       string
	SessionsDir    string
	FileStorageDir string
	SessionTTL     time.Duration
	MaxFileSize    int64

	MonitoringPort    int
	DisableMonitoring bool
}

// Load reads the cli context into a Config and validates it.
func Load(cliCtx *cli.Context) (*Config, error) {
	cfg := &Config{
		HTTPPort:          cliCtx.Int(flags.HTTPPortFlag.Name),
		APIKey:            cliCtx.String(flags.APIKeyFlag.Name),
		GitHubPAT:         cliCtx.String(flags.GitHubPATFlag.Name),
		AuthorName:        cliCtx.String(flags.GitAuthorNameFlag.Name),
		AuthorEmail:       cliCtx.String(flags.GitAuthorEmailFlag.Name),
		CommitterName:     cliCtx.String(flags.GitCommitterNameFlag.Name),
		CommitterEmail:    cliCtx.String(flags.GitCommitterEmailFlag.Name),
		Mode:              TransportMode(cliCtx.String(flags.TransportModeFlag.Name)),
		KeyID:             cliCtx.String(flags.TransportKeyIDFlag.Name),
		ReplayTTL:         time.Duration(cliCtx.Int64(flags.ReplayTTLFlag.Name)) * time.Millisecond,
		ClockSkew:         time.Duration(cliCtx.Int64(flags.ClockSkewFlag.Name)) * time.Millisecond,
		ReposDir:          cliCtx.String(flags.ReposDirFlag.Name),
		SessionsDir:       cliCtx.String(flags.SessionsDirFlag.Name),
		FileStorageDir:    cliCtx.String(flags.FileStorageDirFlag.Name),
		SessionTTL:        time.Duration(cliCtx.Int64(flags.SessionTTLFlag.Name)) * time.Millisecond,
		MaxFileSize:       cliCtx.Int64(flags.MaxFileSizeFlag.Name),
		MonitoringPort:    cliCtx.Int(flags.MonitoringPortFlag.Name),
		DisableMonitoring: cliCtx.Bool(flags.DisableMonitoringFlag.Name),
	}
	if cfg.CommitterName == "" {
		cfg.CommitterName = cfg.AuthorName
	}
	if cfg.CommitterEmail == "" {
		cfg.CommitterEmail = cfg.AuthorEmail
	}

	switch cfg.Mode {
	case ModeV1, ModeCompat, ModeV2:
	default:
		return nil, errors.Errorf("unknown transport crypto mode %q", cfg.Mode)
	}

	if cfg.Mode != ModeV2 {
		key, err := decodeSymmetricKey(cliCtx.String(flags.EncryptionKeyFlag.Name))
		if err != nil {
			return nil, err
		}
		cfg.EncryptionKey = key
	}
	if cfg.Mode != ModeV1 {
		if cfg.KeyID == "" {
			return nil, errors.New("transport-key-id is required unless mode is v1")
		}
		if len(cfg.KeyID) > 255 {
			return nil, errors.New("transport-key-id must be at most 255 bytes")
		}
		priv, pubDER, err := decodePrivateKeyPEM(cliCtx.String(flags.TransportPrivateKeyPEMFlag.Name))
		if err != nil {
			return nil, err
		}
		cfg.PrivateKey = priv
		cfg.ServerPubDER = pubDER
	}
	return cfg, nil
}

// GitEnv returns the identity environment passed to every git subprocess.
func (c *Config) GitEnv() []string {
	return []string{
		"GIT_AUTHOR_NAME=" + c.AuthorName,
		"GIT_AUTHOR_EMAIL=" + c.AuthorEmail,
		"GIT_COMMITTER_NAME=" + c.CommitterName,
		"GIT_COMMITTER_EMAIL=" + c.CommitterEmail,
	}
}

func decodeSymmetricKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, errors.New("encryption-key is required unless mode is v2")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "encryption-key is not valid base64")
	}
	if len(key) != 32 {
		return nil, errors.Errorf("encryption-key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// decodePrivateKeyPEM parses the PKCS#8 PEM of the static X25519 key.
// Deployment environments deliver the PEM with literal "\n" sequences, so
// those are decoded into real newlines first.
func decodePrivateKeyPEM(pemText string) (*ecdh.PrivateKey, []byte, error) {
	if pemText == "" {
		return nil, nil, errors.New("transport-private-key-pem is required unless mode is v1")
	}
	pemText = strings.ReplaceAll(pemText, `\n`, "\n")
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, nil, errors.New("transport-private-key-pem does not contain a PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse PKCS#8 private key")
	}
	priv, ok := parsed.(*ecdh.PrivateKey)
	if !ok || priv.Curve() != ecdh.X25519() {
		return nil, nil, errors.Errorf("transport private key must be X25519, got %T", parsed)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(priv.PublicKey())
	if err != nil {
		return nil, nil, errors.Wrap(err, "marshal server public key")
	}
	return priv, pubDER, nil
}
