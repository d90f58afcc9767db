package model

// Claims is the verified content of an identity token.
type Claims struct {
	Subject string
	Name    string
	Email   string
}

// Activity is the result of resolving a person against the identity
// registry.
type Activity struct {
	Active           bool
	RegistryPersonID string // Empty when no matching registry person exists.
}

// RegistryPerson is a candidate returned by a registry person search.
type RegistryPerson struct {
	ID     string
	Status string
}

// RegistryRole is one role / group membership of a registry person.
type RegistryRole struct {
	ID     string
	CouID  string
	Status string
}

// PersonQuery holds the attributes a registry person search may use.
// A query with an Email searches by address; otherwise Given/Family are used.
type PersonQuery struct {
	Email  string
	Given  string
	Family string
}

// IsEmpty reports whether the query has nothing to search by.
func (q PersonQuery) IsEmpty() bool {
	return q.Email == "" && q.Given == "" && q.Family == ""
}
