// File: launcher/records.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Deployment records: which instances run where and which of their ports
// connect. They are produced by an assembly layer outside this module.

package launcher

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-ports/api"
)

// Instance is one worker instance. Members of a replicated crew share a
// Name and differ in Member.
type Instance struct {
	Name      string `yaml:"name"`
	Worker    string `yaml:"worker"`
	Host      string `yaml:"host"`
	Process   string `yaml:"process"`
	Container string `yaml:"container"`
	CrewSize  int    `yaml:"crew_size"`
	Member    int    `yaml:"member"`
}

// Locality places the instance.
func (i Instance) Locality() api.Locality {
	return api.Locality{Host: i.Host, Process: i.Process, Container: i.Container}
}

// Crew returns the crew size, 1 when unset.
func (i Instance) Crew() int { return max(i.CrewSize, 1) }

// Endpoint names one side of a connection. Params is the free-form
// parameter list of that side.
type Endpoint struct {
	Instance string            `yaml:"instance"`
	Port     string            `yaml:"port"`
	Params   map[string]string `yaml:"params"`
	URL      string            `yaml:"url"`
}

func (e Endpoint) String() string { return e.Instance + "." + e.Port }

// ConnectionRecord asks for one producer/consumer connection.
type ConnectionRecord struct {
	Producer Endpoint `yaml:"producer"`
	Consumer Endpoint `yaml:"consumer"`
}

// Deployment is the full input of one application run.
type Deployment struct {
	Instances   []Instance         `yaml:"instances"`
	Connections []ConnectionRecord `yaml:"connections"`
}

// LoadDeployment decodes and validates YAML records.
func LoadDeployment(r io.Reader) (*Deployment, error) {
	var d Deployment
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil && err != io.EOF {
		return nil, api.Wrap(err, api.ErrCodeInvalidArgument, "decode deployment")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadDeploymentFile reads records from path.
func LoadDeploymentFile(path string) (*Deployment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deployment %s: %w", path, err)
	}
	return LoadDeployment(bytes.NewReader(raw))
}

// Members groups instances by name, ordered by member index.
func (d *Deployment) Members() map[string][]Instance {
	out := make(map[string][]Instance)
	for _, in := range d.Instances {
		crew := out[in.Name]
		if crew == nil {
			crew = make([]Instance, in.Crew())
		}
		crew[in.Member] = in
		out[in.Name] = crew
	}
	return out
}

// Validate checks crews are complete and connections name known instances.
func (d *Deployment) Validate() error {
	seen := make(map[string]map[int]bool)
	size := make(map[string]int)
	for _, in := range d.Instances {
		if in.Name == "" {
			return api.NewError(api.ErrCodeInvalidArgument, "instance without a name")
		}
		n := in.Crew()
		if prev, ok := size[in.Name]; ok && prev != n {
			return api.NewError(api.ErrCodeInvalidArgument, "crew size differs between members").WithContext("instance", in.Name)
		}
		size[in.Name] = n
		if in.Member < 0 || in.Member >= n {
			return api.NewError(api.ErrCodeInvalidArgument, "crew member index outside crew").
				WithContext("instance", in.Name).WithContext("member", in.Member)
		}
		if seen[in.Name] == nil {
			seen[in.Name] = make(map[int]bool)
		}
		if seen[in.Name][in.Member] {
			return api.NewError(api.ErrCodeInvalidArgument, "crew member listed twice").
				WithContext("instance", in.Name).WithContext("member", in.Member)
		}
		seen[in.Name][in.Member] = true
	}
	for name, members := range seen {
		if len(members) != size[name] {
			return api.NewError(api.ErrCodeInvalidArgument, "crew incomplete").
				WithContext("instance", name).WithContext("members", len(members)).WithContext("crew", size[name])
		}
	}
	for _, c := range d.Connections {
		for _, e := range []Endpoint{c.Producer, c.Consumer} {
			if _, ok := size[e.Instance]; !ok {
				return api.NewError(api.ErrCodeInvalidArgument, "connection names unknown instance").WithContext("endpoint", e.String())
			}
			if e.Port == "" {
				return api.NewError(api.ErrCodeInvalidArgument, "connection endpoint without a port").WithContext("instance", e.Instance)
			}
		}
		if _, err := ParseParams(c.Producer.Params); err != nil {
			return err
		}
		if _, err := ParseParams(c.Consumer.Params); err != nil {
			return err
		}
	}
	return nil
}
