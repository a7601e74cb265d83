// Package config reads and writes the tally configuration file.
package config

const (
	ConfigDir  = ".tally"
	ConfigFile = "tally.json"

	DefaultWebPort      = 19850
	DefaultSyncInterval = 300 // seconds
	MinSyncInterval     = 30

	StateDir     = "state"
	HistoryDB    = "history.db"
	ServeLogFile = "tally.log"
	ServePidFile = "serve.pid"
)

// CurrentConfigVersion is bumped whenever the on-disk shape changes.
// Version history:
//
//	v1: week_start_day, catalog_file, web_port, sync
const CurrentConfigVersion = 1

// Supported sync backends.
const (
	BackendWebDAV = "webdav"
	BackendS3     = "s3"
	BackendGist   = "gist"
	BackendRepo   = "repo"
	BackendLocal  = "local"
)

// Backends lists the supported sync backends.
var Backends = []string{BackendWebDAV, BackendS3, BackendGist, BackendRepo, BackendLocal}

// SyncConfig holds the remote sync configuration.
type SyncConfig struct {
	Backend      string `json:"backend"`                 // "webdav"|"s3"|"gist"|"repo"|"local"
	Endpoint     string `json:"endpoint,omitempty"`      // WebDAV collection URL or S3 endpoint
	Bucket       string `json:"bucket,omitempty"`        // S3
	Region       string `json:"region,omitempty"`        // S3
	AccessKey    string `json:"access_key,omitempty"`    // S3
	SecretKey    string `json:"secret_key,omitempty"`    // S3
	GistID       string `json:"gist_id,omitempty"`       // Gist
	RepoOwner    string `json:"repo_owner,omitempty"`    // Repo
	RepoName     string `json:"repo_name,omitempty"`     // Repo
	RepoPath     string `json:"repo_path,omitempty"`     // Repo directory (default: repository root)
	RepoBranch   string `json:"repo_branch,omitempty"`   // Repo (default: "main")
	Token        string `json:"token,omitempty"`         // PAT or WebDAV password
	Username     string `json:"username,omitempty"`      // WebDAV
	Dir          string `json:"dir,omitempty"`           // Local
	Passphrase   string `json:"passphrase,omitempty"`    // payload encryption (never synced)
	WiFiOnly     bool   `json:"wifi_only,omitempty"`     // sync only on a wireless link
	AutoSync     bool   `json:"auto_sync,omitempty"`     // sync from the serve loop
	SyncInterval int    `json:"sync_interval,omitempty"` // seconds (default: 300)
}

// Interval returns the configured sync interval in seconds, defaulted and
// clamped to the minimum.
func (c *SyncConfig) Interval() int {
	if c == nil || c.SyncInterval <= 0 {
		return DefaultSyncInterval
	}
	if c.SyncInterval < MinSyncInterval {
		return MinSyncInterval
	}
	return c.SyncInterval
}

// TallyConfig is the top-level configuration stored in tally.json.
type TallyConfig struct {
	Version      int         `json:"version,omitempty"`
	WeekStartDay string      `json:"week_start_day,omitempty"` // weekday name (default: sunday)
	CatalogFile  string      `json:"catalog_file,omitempty"`   // TOML goal overlay
	WebPort      int         `json:"web_port,omitempty"`
	Sync         *SyncConfig `json:"sync,omitempty"`
}
