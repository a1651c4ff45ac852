package config

import "time"

// CoreConfig configures cmd/core: the primary API surface (upload
// ingest, metadata, grants, redistribution orchestration, archival).
type CoreConfig struct {
	ListenAddr  string `default:":8080" usage:"address the core API listens on"`
	DatabaseURL string `default:"sqlite3://:memory:" usage:"core's relational store DSN"`

	StagingURL string        `default:"http://localhost:8081" usage:"staging service base URL for distribute hooks"`
	HookTimeout time.Duration `default:"15s" usage:"service-to-service hook call budget"`

	TaskPollInterval time.Duration `default:"5s" usage:"not read: idle task-queue workers wait taskq.MaxPollInterval between empty polls"`

	SigningKeyPath string `default:"" usage:"path to this service's ECDSA signing key (PEM)"`
	TrustedKeyDir  string `default:"" usage:"directory of PEM public keys core trusts peer-service bearer tokens from"`
}

// StagingConfig configures cmd/staging: the intermediate relay that
// accepts distribute hooks from core and reports replication back.
type StagingConfig struct {
	ListenAddr  string        `default:":8081" usage:"address the staging API listens on"`
	CoreURL     string        `default:"http://localhost:8080" usage:"core service base URL for completion hooks"`
	HookTimeout time.Duration `default:"15s" usage:"service-to-service hook call budget"`

	SigningKeyPath string `default:"" usage:"path to this service's ECDSA signing key (PEM), used to sign callbacks to core"`
	TrustedKeyDir  string `default:"" usage:"directory of PEM public keys staging trusts bearer tokens from"`
}

// StorageProviderConfig configures cmd/storageprovider: a single
// storage host process serving block reads/writes for one or more
// drives.
type StorageProviderConfig struct {
	ListenAddr string `default:":8082" usage:"address this storage host listens on"`
	DataDir    string `default:"./data" usage:"local filesystem root for stored blocks"`

	AvailableStorage int64 `default:"107374182400" usage:"not read: this host does not advertise its capacity to core (default 100 GiB)"`

	HeartbeatInterval time.Duration `default:"30s" usage:"not read: this host sends no heartbeat or last_seen_at report to core"`

	CoreURL        string `default:"http://localhost:8080" usage:"core service base URL for upload reports"`
	SigningKeyPath string `default:"" usage:"path to this service's ECDSA signing key (PEM), used to sign reports to core"`
	TrustedKeyDir  string `default:"" usage:"directory of PEM public keys this host trusts bearer tokens from"`
}
