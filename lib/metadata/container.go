package metadata

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/octaviocubillos/proobox/lib/paths"
)

// Container is the bit-exact on-disk schema for containers/<name>/metadata.json.
type Container struct {
	Id              string               `json:"Id"`
	Name            string               `json:"Name"`
	Image           ContainerImageRef    `json:"Image"`
	State           ContainerState       `json:"State"`
	Config          ContainerConfig      `json:"Config"`
	HostConfig      ContainerHostConfig  `json:"HostConfig"`
	Mounts          []ContainerMount     `json:"Mounts"`
	NetworkSettings ContainerNetSettings `json:"NetworkSettings"`
	Paths           ContainerPaths       `json:"Paths"`
}

type ContainerImageRef struct {
	Name string `json:"Name"`
	Id   string `json:"Id"`
}

type ContainerState struct {
	Status              string  `json:"Status"`
	Running             bool    `json:"Running"`
	DetachedOriginal    bool    `json:"DetachedOriginal"`
	InteractiveOriginal bool    `json:"InteractiveOriginal"`
	StartedAt           string  `json:"StartedAt,omitempty"`
	FinishedAt          string  `json:"FinishedAt,omitempty"`
	ExitCode            *int    `json:"ExitCode"`
}

// Container lifecycle states, per §4.7.
const (
	StatusCreated = "created"
	StatusRunning = "running"
	StatusExited  = "exited"
)

type ContainerConfig struct {
	Hostname     string   `json:"Hostname"`
	Domainname   string   `json:"Domainname"`
	User         string   `json:"User"`
	Env          []string `json:"Env"`
	Cmd          []string `json:"Cmd"`
	Image        string   `json:"Image"`
	WorkingDir   string   `json:"WorkingDir"`
	Entrypoint   []string `json:"Entrypoint"`
	Healthcheck  *struct{} `json:"Healthcheck"`
}

type ContainerHostConfig struct {
	Binds      []string `json:"Binds"`
	AutoRemove bool     `json:"AutoRemove"`
}

type ContainerMount struct {
	Source      string `json:"Source"`
	Destination string `json:"Destination"`
}

type ContainerNetSettings struct {
	IPAddress string            `json:"IPAddress"`
	Ports     map[string]string `json:"Ports"`
}

type ContainerPaths struct {
	RootfsPath string  `json:"RootfsPath"`
	LogFile    *string `json:"LogFile"`
	ImagePath  string  `json:"ImagePath"`
}

// NewContainer builds a Container record with the defaults §4.2/§4.3
// mandate: Domainname empty, User "root", Entrypoint/Healthcheck absent,
// empty-not-nil Env/Binds/Mounts (Cmd is left nil), NetworkSettings zeroed.
func NewContainer(id, name string) *Container {
	return &Container{
		Id:   id,
		Name: name,
		State: ContainerState{
			Status: StatusCreated,
		},
		Config: ContainerConfig{
			Hostname: name,
			User:     "root",
			Env:      []string{},
		},
		HostConfig: ContainerHostConfig{
			Binds: []string{},
		},
		Mounts: []ContainerMount{},
		NetworkSettings: ContainerNetSettings{
			Ports: map[string]string{},
		},
	}
}

// WriteContainer atomically writes c to its metadata path.
func WriteContainer(p *paths.Paths, c *Container) error {
	return writeJSON(p.ContainerMetadataPath(c.Name), c)
}

// ReadContainerByName reads the metadata for the exact container name.
func ReadContainerByName(p *paths.Paths, name string) (*Container, error) {
	var c Container
	if err := readJSON(p.ContainerMetadataPath(name), &c); err != nil {
		return nil, err
	}
	if c.Config.WorkingDir == "" {
		c.Config.WorkingDir = "/root"
	}
	if c.Config.Env == nil {
		c.Config.Env = []string{}
	}
	return &c, nil
}

// ListContainers scans containers/ and returns every readable metadata
// record. Entries that fail to parse are skipped.
func ListContainers(p *paths.Paths) ([]*Container, error) {
	entries, err := os.ReadDir(p.ContainersDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read containers directory: %w", err)
	}

	var out []*Container
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		c, err := ReadContainerByName(p, e.Name())
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// ResolveContainer accepts a name or a 4-12 hex short-id prefix and returns
// the unique matching Container, ErrNotFound if none match, or ErrAmbiguous
// if more than one short-id matches.
func ResolveContainer(p *paths.Paths, spec string) (*Container, error) {
	if c, err := ReadContainerByName(p, spec); err == nil {
		return c, nil
	}

	all, err := ListContainers(p)
	if err != nil {
		return nil, err
	}

	var matches []*Container
	for _, c := range all {
		if strings.HasPrefix(c.Id, spec) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, ErrAmbiguous
	}
}

// UpdateContainer reads the current record, applies mutate, and writes it
// back. The record is decoded into and re-encoded from the typed Container
// struct, so JSON fields that Container does not declare are not preserved.
func UpdateContainer(p *paths.Paths, name string, mutate func(*Container)) error {
	c, err := ReadContainerByName(p, name)
	if err != nil {
		return err
	}
	mutate(c)
	return WriteContainer(p, c)
}

// SortByStartedAtDesc sorts containers by StartedAt descending, matching the
// `ps` ordering rule. Containers with no StartedAt sort last.
func SortByStartedAtDesc(containers []*Container) {
	sort.SliceStable(containers, func(i, j int) bool {
		a, b := containers[i].State.StartedAt, containers[j].State.StartedAt
		if a == "" {
			return false
		}
		if b == "" {
			return true
		}
		return a > b
	})
}
