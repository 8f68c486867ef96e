package store

import "fmt"

// Relationship declares that records of ChildType, stored in ChildTableName,
// can be owned by a record of ParentType. Ownership is recorded by the child's
// ParentKeyAttr and mirrored as a row in the relationship table.
type Relationship struct {
	ParentType     string
	ChildType      string
	ChildTableName string
	ParentKeyAttr  string
}

func (r Relationship) validate() error {
	switch {
	case r.ParentType == "":
		return fmt.Errorf("relationship: parent type required")
	case r.ChildType == "":
		return fmt.Errorf("relationship %s: child type required", r.ParentType)
	case r.ChildTableName == "":
		return fmt.Errorf("relationship %s->%s: child table required", r.ParentType, r.ChildType)
	}
	return nil
}

// Registry answers which tables hold records a given entity type owns. It is
// built once at startup and read concurrently afterwards.
type Registry struct {
	byParent map[string][]Relationship
}

// NewRegistry returns a registry holding rels. It panics on an invalid or
// repeated relationship, as those are wiring mistakes.
func NewRegistry(rels ...Relationship) *Registry {
	r := &Registry{byParent: make(map[string][]Relationship)}
	for _, rel := range rels {
		if err := r.Register(rel); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds rel. A parent may own several child types but each pair is
// registered once.
func (r *Registry) Register(rel Relationship) error {
	if err := rel.validate(); err != nil {
		return err
	}
	for _, existing := range r.byParent[rel.ParentType] {
		if existing.ChildType == rel.ChildType {
			return fmt.Errorf("relationship %s->%s already registered", rel.ParentType, rel.ChildType)
		}
	}
	r.byParent[rel.ParentType] = append(r.byParent[rel.ParentType], rel)
	return nil
}

// ChildrenOf returns the relationships owned by parentType in registration
// order.
func (r *Registry) ChildrenOf(parentType string) []Relationship {
	return r.byParent[parentType]
}

// HasChildren reports whether parentType can own anything.
func (r *Registry) HasChildren(parentType string) bool {
	return len(r.ChildrenOf(parentType)) > 0
}

// Owns reports whether records of parentType may own records in table.
func (r *Registry) Owns(parentType, table string) bool {
	for _, rel := range r.ChildrenOf(parentType) {
		if rel.ChildTableName == table {
			return true
		}
	}
	return false
}
