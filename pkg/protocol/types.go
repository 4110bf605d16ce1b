package protocol

import "encoding/json"

type Kind string

const (
	KindPup          Kind = "pup"
	KindPupPurged    Kind = "pup_purged"
	KindStats        Kind = "stats"
	KindAction       Kind = "action"
	KindProgress     Kind = "progress"
	KindBootstrap    Kind = "bootstrap"
	KindJobCreated   Kind = "job_created"
	KindJobProgress  Kind = "job_progress"
	KindJobCompleted Kind = "job_completed"

	KindSystemNotice Kind = "system_notice"
	KindHostShutdown Kind = "host_shutdown"
	KindHostReboot   Kind = "host_reboot"
)

// Message is the envelope of every frame delivered over the state stream.
type Message struct {
	Type   Kind            `json:"type"`
	Update json.RawMessage `json:"update,omitempty"`
	Seq    *int64          `json:"seq,omitempty"`
	TS     *int64          `json:"ts,omitempty"`
	ID     string          `json:"id,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Timestamp returns the server assigned timestamp, or 0 when absent.
func (m Message) Timestamp() int64 {
	if m.TS == nil {
		return 0
	}
	return *m.TS
}

type SourceRef struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Location string `json:"location,omitempty"`
	Type     string `json:"type,omitempty"`
}

type ManifestMeta struct {
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	LogoPath string `json:"logoPath,omitempty"`
}

type Dependency struct {
	InterfaceName    string `json:"interfaceName"`
	InterfaceVersion string `json:"interfaceVersion,omitempty"`
	Optional         bool   `json:"optional,omitempty"`
}

type Interface struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type ConfigField struct {
	Name     string `json:"name"`
	Label    string `json:"label,omitempty"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
}

type ConfigSection struct {
	Name   string        `json:"name"`
	Label  string        `json:"label,omitempty"`
	Fields []ConfigField `json:"fields,omitempty"`
}

type MetricSpec struct {
	Name    string `json:"name"`
	Label   string `json:"label,omitempty"`
	Type    string `json:"type"`
	History int    `json:"history,omitempty"`
}

type ConfigSchema struct {
	Sections []ConfigSection `json:"sections,omitempty"`
}

type Manifest struct {
	Meta         ManifestMeta `json:"meta"`
	Config       ConfigSchema `json:"config"`
	Metrics      []MetricSpec `json:"metrics,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	Interfaces   []Interface  `json:"interfaces,omitempty"`
}

// PupState is the live state of an installed pup.
type PupState struct {
	ID           string         `json:"id"`
	Source       SourceRef      `json:"source"`
	Manifest     *Manifest      `json:"manifest"`
	Installation string         `json:"installation,omitempty"`
	Enabled      bool           `json:"enabled"`
	NeedsConf    bool           `json:"needsConf"`
	NeedsDeps    bool           `json:"needsDeps"`
	Version      string         `json:"version,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	WebUIs       []WebUI        `json:"webUIs,omitempty"`
}

type WebUI struct {
	Name     string `json:"name"`
	Port     int    `json:"port"`
	Internal int    `json:"internal,omitempty"`
}

// Name is the definition key the state was installed from.
func (s PupState) Name() string {
	if s.Manifest == nil {
		return ""
	}
	return s.Manifest.Meta.Name
}

type RuntimeStatus string

const (
	RuntimeStarting RuntimeStatus = "starting"
	RuntimeRunning  RuntimeStatus = "running"
	RuntimeStopping RuntimeStatus = "stopping"
	RuntimeStopped  RuntimeStatus = "stopped"
)

type MetricValue struct {
	Name   string `json:"name"`
	Label  string `json:"label,omitempty"`
	Type   string `json:"type,omitempty"`
	Values []any  `json:"values,omitempty"`
}

type PupStats struct {
	ID            string         `json:"id"`
	Status        RuntimeStatus  `json:"status"`
	SystemMetrics []MetricValue  `json:"systemMetrics,omitempty"`
	Metrics       []MetricValue  `json:"metrics,omitempty"`
	Issues        map[string]any `json:"issues,omitempty"`
}

type PupAssets struct {
	Logos struct {
		MainLogoBase64 string `json:"mainLogoBase64,omitempty"`
	} `json:"logos"`
}

// Snapshot is the response of the one-shot state fetch.
type Snapshot struct {
	States map[string]PupState  `json:"states"`
	Stats  map[string]PupStats  `json:"stats"`
	Assets map[string]PupAssets `json:"assets"`
	TS     *int64               `json:"ts,omitempty"`
}

func (s Snapshot) Timestamp() int64 {
	if s.TS == nil {
		return 0
	}
	return *s.TS
}

type PupVersion struct {
	Version      string       `json:"version"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	Interfaces   []Interface  `json:"interfaces,omitempty"`
	LogoBase64   string       `json:"logoBase64,omitempty"`
}

// PupDefinition is the catalog entry for a pup available from a source.
type PupDefinition struct {
	Name          string                `json:"name"`
	Description   string                `json:"description,omitempty"`
	LatestVersion string                `json:"latestVersion,omitempty"`
	Versions      map[string]PupVersion `json:"versions,omitempty"`
}

type SourceMeta struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Type        string `json:"type,omitempty"`
}

type SourceListing struct {
	SourceMeta
	LastUpdated string                   `json:"lastUpdated,omitempty"`
	Pups        map[string]PupDefinition `json:"pups"`
}

// ActionResult is the payload that resolves a transaction.
type ActionResult struct {
	ID     string          `json:"id,omitempty"`
	Update json.RawMessage `json:"update,omitempty"`
	Error  string          `json:"error,omitempty"`
	TS     int64           `json:"ts,omitempty"`
}

func (r *ActionResult) Failed() bool {
	return r == nil || r.Error != ""
}

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

type JobUpdate struct {
	ID          string    `json:"id"`
	Action      string    `json:"action,omitempty"`
	PupID       string    `json:"pupID,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	Status      JobStatus `json:"status,omitempty"`
	Progress    int       `json:"progress,omitempty"`
	Summary     string    `json:"summaryMessage,omitempty"`
	Error       string    `json:"errorMessage,omitempty"`
	Started     string    `json:"started,omitempty"`
	Finished    string    `json:"finished,omitempty"`
}

type Notice struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// TransactionResponse is what the backend answers to a mutating request.
type TransactionResponse struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}
