package store

// Key locates a pup either by its installed id or by the catalog definition
// it comes from. A pup moves from the second form to the first when it is
// installed; resolve accepts both for the same logical pup.
type Key struct {
	id       string
	sourceID string
	name     string
}

func ByID(id string) Key {
	return Key{id: id}
}

func ByDefinition(sourceID, name string) Key {
	return Key{sourceID: sourceID, name: name}
}

func (k Key) IsID() bool { return k.id != "" }

func (k Key) String() string {
	if k.IsID() {
		return "id:" + k.id
	}
	return "def:" + k.sourceID + "/" + k.name
}

func (k Key) matches(p *Pup) bool {
	if k.IsID() {
		return p.State != nil && p.State.ID == k.id
	}
	if k.sourceID == "" || k.name == "" {
		return false
	}
	if p.Definition != nil && p.Definition.SourceID == k.sourceID && p.Definition.Name == k.name {
		return true
	}
	return p.State != nil && p.State.Source.ID == k.sourceID && p.State.Name() == k.name
}
