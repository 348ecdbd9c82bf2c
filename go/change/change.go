// Package change defines the Change value type and the PatchCache used to
// look a Change up by any of its aliases (gerrit number, change-id, sha,
// project+branch+change-id).
package change

import (
	"fmt"
	"time"
)

// Remote identifies which review-server backend a Change lives on.
type Remote string

const (
	RemoteExternal Remote = "external"
	RemoteInternal Remote = "internal"
)

// Identity is the (remote, change-id) pair that defines Change equality.
type Identity struct {
	Remote   Remote
	ChangeID string
}

// Change is an immutable snapshot of a patchset under review. A re-fetch of
// the same change-id produces a new Change value; never mutate one in
// place.
type Change struct {
	Remote               Remote
	GerritNumber         int64
	PatchNumber          int
	ChangeID             string
	Project              string
	Branch               string
	OwnerEmail           string
	ApprovalTimestamp    time.Time
	CurrentPatchsetDraft bool
}

// Identity returns the equality key for this change: two Changes are equal
// iff their (remote, change-id) match.
func (c *Change) Identity() Identity {
	return Identity{Remote: c.Remote, ChangeID: c.ChangeID}
}

// Equal reports whether two changes share the same identity.
func (c *Change) Equal(o *Change) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Identity() == o.Identity()
}

func (c *Change) String() string {
	return fmt.Sprintf("%s:%d(%s)/%d", c.Remote, c.GerritNumber, c.ChangeID, c.PatchNumber)
}

// ToPatchQuery reduces a Change to the fields needed to re-query the review
// server for it.
func (c *Change) ToPatchQuery() PatchQuery {
	return PatchQuery{
		Remote:       c.Remote,
		GerritNumber: c.GerritNumber,
		ChangeID:     c.ChangeID,
		Project:      c.Project,
		Branch:       c.Branch,
	}
}

// PatchQuery is a subset of Change fields sufficient to re-query the review
// server for the change it names; used to describe dependencies before
// they've been resolved into full Change values.
type PatchQuery struct {
	Remote       Remote
	GerritNumber int64
	ChangeID     string
	Project      string
	Branch       string
}

func (q PatchQuery) String() string {
	if q.GerritNumber != 0 {
		return fmt.Sprintf("%s:%d", q.Remote, q.GerritNumber)
	}
	return fmt.Sprintf("%s:%s", q.Remote, q.ChangeID)
}

// ToGerritQueryText renders the query text a ReviewClient.QueryOne call
// should use to resolve this dependency: gerrit number if known, else
// change-id, optionally scoped by project/branch.
func (q PatchQuery) ToGerritQueryText() string {
	if q.GerritNumber != 0 {
		return fmt.Sprintf("%d", q.GerritNumber)
	}
	if q.Project != "" && q.Branch != "" {
		return fmt.Sprintf("change:%s project:%s branch:%s", q.ChangeID, q.Project, q.Branch)
	}
	return fmt.Sprintf("change:%s", q.ChangeID)
}
