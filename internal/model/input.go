package model

import "strings"

// InputJob is one harvest request as submitted to the intake tree
// (inputs/{category}/products/{product_id}.json). The identity lock
// pins the product the run may collect evidence for; seed URLs are
// fetched ahead of discovery on the first round.
type InputJob struct {
	Category     string       `json:"category"`
	IdentityLock IdentityLock `json:"identityLock"`
	SeedURLs     []string     `json:"seedUrls,omitempty"`
}

// IdentityLock is the immutable identity the requester asserts.
type IdentityLock struct {
	Brand   string `json:"brand"`
	Model   string `json:"model"`
	Variant string `json:"variant,omitempty"`
}

// Identity projects the job onto the run's product identity.
func (j InputJob) Identity() ProductIdentity {
	return ProductIdentity{
		Category: strings.TrimSpace(j.Category),
		Brand:    strings.TrimSpace(j.IdentityLock.Brand),
		Model:    strings.TrimSpace(j.IdentityLock.Model),
		Variant:  strings.TrimSpace(j.IdentityLock.Variant),
	}
}
