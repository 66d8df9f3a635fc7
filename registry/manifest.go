package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/meowkov/catmandu/transport"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
)

// Manifest is the loaded, validated description of one cattackle. It is
// immutable once built; a reload produces fresh manifests rather than
// mutating loaded ones.
type Manifest struct {
	Name        string
	Version     string
	Description string
	Commands    map[string]CommandSpec
	Transport   transport.Descriptor
	Policy      Policy
}

// CommandSpec describes one command a cattackle provides.
type CommandSpec struct {
	Description string
}

// Policy is the per-call budget declared by the manifest.
type Policy struct {
	Timeout    time.Duration
	MaxRetries int
}

// CommandNames returns the manifest's command names in sorted order.
func (m *Manifest) CommandNames() []string {
	names := make([]string, 0, len(m.Commands))
	for name := range m.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ManifestError reports a malformed or incomplete cattackle.toml. The
// offending cattackle is skipped; the rest of the scan proceeds.
type ManifestError struct {
	Path   string
	Reason string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest %s: %s", e.Path, e.Reason)
}

// On-disk shape of cattackle.toml. The transport table is discriminated by
// its kind field and converted to a typed descriptor during validation.
type manifestFile struct {
	Cattackle manifestBody `toml:"cattackle"`
}

type manifestBody struct {
	Name        string                   `toml:"name"`
	Version     string                   `toml:"version"`
	Description string                   `toml:"description"`
	Commands    map[string]commandConfig `toml:"commands"`
	Transport   transportConfig          `toml:"transport"`
	Policy      policyConfig             `toml:"policy"`
}

type commandConfig struct {
	Description string `toml:"description"`
}

type transportConfig struct {
	Kind    string            `toml:"kind"`
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	Dir     string            `toml:"dir"`
	URL     string            `toml:"url"`
	Headers map[string]string `toml:"headers"`
}

type policyConfig struct {
	TimeoutSeconds float64 `toml:"timeout_seconds"`
	MaxRetries     *int    `toml:"max_retries"`
}

// loadManifest parses and validates a single cattackle.toml.
func loadManifest(path string) (*Manifest, error) {
	var file manifestFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, &ManifestError{Path: path, Reason: err.Error()}
	}

	body := file.Cattackle
	if body.Name == "" {
		return nil, &ManifestError{Path: path, Reason: "missing cattackle name"}
	}
	if body.Version == "" {
		return nil, &ManifestError{Path: path, Reason: "missing cattackle version"}
	}
	if len(body.Commands) == 0 {
		return nil, &ManifestError{Path: path, Reason: "no commands declared"}
	}

	desc, err := body.Transport.descriptor()
	if err != nil {
		return nil, &ManifestError{Path: path, Reason: err.Error()}
	}

	m := &Manifest{
		Name:        body.Name,
		Version:     body.Version,
		Description: body.Description,
		Commands:    make(map[string]CommandSpec, len(body.Commands)),
		Transport:   desc,
		Policy:      Policy{Timeout: defaultTimeout, MaxRetries: defaultMaxRetries},
	}
	for name, cmd := range body.Commands {
		if name == "" {
			return nil, &ManifestError{Path: path, Reason: "empty command name"}
		}
		m.Commands[name] = CommandSpec{Description: cmd.Description}
	}

	if body.Policy.TimeoutSeconds > 0 {
		m.Policy.Timeout = time.Duration(body.Policy.TimeoutSeconds * float64(time.Second))
	}
	if body.Policy.MaxRetries != nil {
		if *body.Policy.MaxRetries < 0 {
			return nil, &ManifestError{Path: path, Reason: "max_retries must not be negative"}
		}
		m.Policy.MaxRetries = *body.Policy.MaxRetries
	}

	return m, nil
}

func (t transportConfig) descriptor() (transport.Descriptor, error) {
	switch t.Kind {
	case "stdio":
		if t.Command == "" {
			return nil, fmt.Errorf("stdio transport requires a command")
		}
		return transport.Stdio{Command: t.Command, Args: t.Args, Env: t.Env, Dir: t.Dir}, nil
	case "websocket":
		if t.URL == "" {
			return nil, fmt.Errorf("websocket transport requires a url")
		}
		return transport.WebSocket{URL: t.URL, Headers: t.Headers}, nil
	case "http":
		if t.URL == "" {
			return nil, fmt.Errorf("http transport requires a url")
		}
		return transport.HTTP{URL: t.URL, Headers: t.Headers}, nil
	case "":
		return nil, fmt.Errorf("missing transport kind")
	default:
		return nil, fmt.Errorf("unknown transport kind %q", t.Kind)
	}
}
