package store

import (
	"net/url"

	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/go-go-golems/pupdash/pkg/status"
)

type Definition struct {
	SourceID string `json:"sourceId"`
	protocol.PupDefinition
}

type URLs struct {
	Store     string `json:"store,omitempty"`
	Installed string `json:"installed,omitempty"`
}

// Computed is derived from the other fields on every mutation and never set
// from outside the store.
type Computed struct {
	ID           string       `json:"id,omitempty"`
	SourceID     string       `json:"sourceId,omitempty"`
	Name         string       `json:"name"`
	Installation status.Label `json:"installation"`
	Status       status.Label `json:"status"`
	InFlight     []string     `json:"inFlight,omitempty"`
	URLs         URLs         `json:"urls"`
}

// Pup is one installable or installed application. Pointer fields are
// replaced, never mutated in place, so copies handed out by the store stay
// consistent.
type Pup struct {
	Definition *Definition         `json:"definition,omitempty"`
	State      *protocol.PupState  `json:"state,omitempty"`
	Stats      *protocol.PupStats  `json:"stats,omitempty"`
	Assets     *protocol.PupAssets `json:"assets,omitempty"`
	Computed   Computed            `json:"computed"`
}

func (p Pup) Installed() bool { return p.State != nil }

func (p Pup) Key() Key {
	if p.State != nil {
		return ByID(p.State.ID)
	}
	if p.Definition != nil {
		return ByDefinition(p.Definition.SourceID, p.Definition.Name)
	}
	return Key{}
}

func (p *Pup) fromSource(sourceID string) bool {
	if p.Definition != nil && p.Definition.SourceID == sourceID {
		return true
	}
	return p.State != nil && p.State.Source.ID == sourceID
}

func compute(p *Pup, inFlight []string) Computed {
	var c Computed
	switch {
	case p.State != nil:
		c.ID = p.State.ID
		c.SourceID = p.State.Source.ID
		c.Name = p.State.Name()
	case p.Definition != nil:
		c.SourceID = p.Definition.SourceID
		c.Name = p.Definition.Name
	}

	in := status.Input{InFlight: inFlight}
	if p.State != nil {
		in.Installation = p.State.Installation
		in.NeedsDeps = p.State.NeedsDeps
		in.NeedsConf = p.State.NeedsConf
	}
	if p.Stats != nil {
		in.Stats = p.Stats.Status
	}
	c.Installation = status.Installation(in.Installation)
	c.Status = status.Runtime(in)
	if len(inFlight) > 0 {
		c.InFlight = append([]string(nil), inFlight...)
	}

	if c.SourceID != "" && c.Name != "" {
		c.URLs.Store = "/explore/" + url.PathEscape(c.SourceID) + "/" + url.PathEscape(c.Name)
	}
	if c.ID != "" {
		c.URLs.Installed = "/pups/" + url.PathEscape(c.ID) + "/" + url.PathEscape(c.Name)
	}
	return c
}
