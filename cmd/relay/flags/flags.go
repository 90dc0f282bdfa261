// Package flags defines the command line flags of the relay. Every flag
// also binds the environment variable the deployment contract documents, so
// container deployments can configure the process without arguments.
package flags

import (
	"github.com/urfave/cli/v2"
)

var (
	// VerbosityFlag defines the logrus verbosity.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info=default, warn, error, fatal, panic)",
		Value: "info",
	}
	// LogFormatFlag selects the log output encoding.
	LogFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Log encoding, one of: text, json",
		Value: "text",
	}
	// HTTPPortFlag defines the port of the relay API server.
	HTTPPortFlag = &cli.IntFlag{
		Name:    "http-port",
		Usage:   "Port the relay API listens on",
		EnvVars: []string{"PORT"},
		Value:   3000,
	}
	// APIKeyFlag defines the shared bearer secret clients present in x-server-key.
	APIKeyFlag = &cli.StringFlag{
		Name:     "api-key",
		Usage:    "Shared secret required in the x-server-key header on every /api route",
		EnvVars:  []string{"API_KEY"},
		Required: true,
	}
	// GitHubPATFlag defines the access token embedded in clone/push URLs.
	GitHubPATFlag = &cli.StringFlag{
		Name:     "github-pat",
		Usage:    "GitHub personal access token used for clone, fetch and push",
		EnvVars:  []string{"GITHUB_PAT"},
		Required: true,
	}
	// GitAuthorNameFlag defines GIT_AUTHOR_NAME for relay-created commits.
	GitAuthorNameFlag = &cli.StringFlag{
		Name:     "git-author-name",
		Usage:    "Author name for commits produced while applying patches",
		EnvVars:  []string{"GIT_AUTHOR_NAME"},
		Required: true,
	}
	// GitAuthorEmailFlag defines GIT_AUTHOR_EMAIL for relay-created commits.
	GitAuthorEmailFlag = &cli.StringFlag{
		Name:     "git-author-email",
		Usage:    "Author email for commits produced while applying patches",
		EnvVars:  []string{"GIT_AUTHOR_EMAIL"},
		Required: true,
	}
	// GitCommitterNameFlag overrides the committer name, defaulting to the author name.
	GitCommitterNameFlag = &cli.StringFlag{
		Name:    "git-committer-name",
		Usage:   "Committer name, defaults to the author name",
		EnvVars: []string{"GIT_COMMITTER_NAME"},
	}
	// GitCommitterEmailFlag overrides the committer email, defaulting to the author email.
	GitCommitterEmailFlag = &cli.StringFlag{
		Name:    "git-committer-email",
		Usage:   "Committer email, defaults to the author email",
		EnvVars: []string{"GIT_COMMITTER_EMAIL"},
	}
	// TransportModeFlag selects which envelope generations are accepted.
	TransportModeFlag = &cli.StringFlag{
		Name:    "transport-crypto-mode",
		Usage:   "Envelope generations accepted, one of: v1, compat, v2",
		EnvVars: []string{"TRANSPORT_CRYPTO_MODE"},
		Value:   "compat",
	}
	// EncryptionKeyFlag defines the base64 32-byte AES key for v1 envelopes.
	EncryptionKeyFlag = &cli.StringFlag{
		Name:    "encryption-key",
		Usage:   "Base64 encoded 32 byte AES-256-GCM key for v1 envelopes",
		EnvVars: []string{"ENCRYPTION_KEY"},
	}
	// TransportKeyIDFlag defines the key identifier clients put in v2 envelopes.
	TransportKeyIDFlag = &cli.StringFlag{
		Name:    "transport-key-id",
		Usage:   "Identifier of the static X25519 key, echoed by v2 envelopes",
		EnvVars: []string{"TRANSPORT_KEY_ID"},
	}
	// TransportPrivateKeyPEMFlag defines the PKCS#8 PEM of the static X25519 key.
	TransportPrivateKeyPEMFlag = &cli.StringFlag{
		Name:    "transport-private-key-pem",
		Usage:   "PKCS#8 PEM encoding of the static X25519 private key; \\n escapes are decoded",
		EnvVars: []string{"TRANSPORT_PRIVATE_KEY_PEM"},
	}
	// ReplayTTLFlag defines the replay window for v2 request nonces.
	ReplayTTLFlag = &cli.Int64Flag{
		Name:    "transport-replay-ttl-ms",
		Usage:   "Milliseconds a v2 request nonce stays valid and unique",
		EnvVars: []string{"TRANSPORT_REPLAY_TTL_MS"},
		Value:   300000,
	}
	// ClockSkewFlag defines the tolerated client clock skew into the future.
	ClockSkewFlag = &cli.Int64Flag{
		Name:    "transport-clock-skew-ms",
		Usage:   "Milliseconds a v2 request timestamp may lie in the future",
		EnvVars: []string{"TRANSPORT_CLOCK_SKEW_MS"},
		Value:   30000,
	}
	// ReposDirFlag defines where managed clones live.
	ReposDirFlag = &cli.StringFlag{
		Name:    "repos-dir",
		Usage:   "Directory holding the managed repository working copies",
		EnvVars: []string{"REPOS_DIR"},
		Value:   "/data/repos",
	}
	// SessionsDirFlag defines where chunk uploads are staged.
	SessionsDirFlag = &cli.StringFlag{
		Name:    "sessions-dir",
		Usage:   "Directory holding in-flight chunked upload sessions",
		EnvVars: []string{"SESSIONS_DIR"},
		Value:   "/tmp/relay-sessions",
	}
	// FileStorageDirFlag defines where finalized files are stored.
	FileStorageDirFlag = &cli.StringFlag{
		Name:    "file-storage-dir",
		Usage:   "Directory holding durably stored files, partitioned by date",
		EnvVars: []string{"FILE_STORAGE_DIR"},
		Value:   "/data/files",
	}
	// SessionTTLFlag defines how long an idle session survives.
	SessionTTLFlag = &cli.Int64Flag{
		Name:    "session-ttl-ms",
		Usage:   "Milliseconds of inactivity before a session and its chunks are swept",
		EnvVars: []string{"SESSION_TTL_MS"},
		Value:   600000,
	}
	// MaxFileSizeFlag bounds stored file size.
	MaxFileSizeFlag = &cli.Int64Flag{
		Name:    "max-file-size-bytes",
		Usage:   "Upper bound on the size of a stored file",
		EnvVars: []string{"MAX_FILE_SIZE_BYTES"},
		Value:   104857600,
	}
	// MonitoringPortFlag defines the metrics listener port.
	MonitoringPortFlag = &cli.IntFlag{
		Name:  "monitoring-port",
		Usage: "Port of the Prometheus metrics and health listener",
		Value: 8080,
	}
	// DisableMonitoringFlag turns the metrics listener off.
	DisableMonitoringFlag = &cli.BoolFlag{
		Name:  "disable-monitoring",
		Usage: "Disable the metrics and health listener",
	}
)

// Flags is the complete flag set of the relay command.
var Flags = []cli.Flag{
	VerbosityFlag,
	LogFormatFlag,
	HTTPPortFlag,
	APIKeyFlag,
	GitHubPATFlag,
	GitAuthorNameFlag,
	GitAuthorEmailFlag,
	GitCommitterNameFlag,
	GitCommitterEmailFlag,
	TransportModeFlag,
	EncryptionKeyFlag,
	TransportKeyIDFlag,
	TransportPrivateKeyPEMFlag,
	ReplayTTLFlag,
	ClockSkewFlag,
	ReposDirFlag,
	SessionsDirFlag,
	FileStorageDirFlag,
	SessionTTLFlag,
	MaxFileSizeFlag,
	MonitoringPortFlag,
	DisableMonitoringFlag,
}
