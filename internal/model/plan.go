package model

// MutationPlan selects the mutations of a run. Listed mutations are used as
// given; every mutation of each listed unit is added on top.
type MutationPlan struct {
	Units     []string       `yaml:"units"`
	Mutations []MutationUnit `yaml:"mutations"`
}

// IsEmpty reports whether the plan selects nothing explicitly.
func (p MutationPlan) IsEmpty() bool {
	return len(p.Units) == 0 && len(p.Mutations) == 0
}
