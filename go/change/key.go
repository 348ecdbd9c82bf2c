package change

import "fmt"

// Key is a lookup alias for a Change: a gerrit number, a change-id, a sha,
// or a (project, branch, change-id) triple. All aliases of an inserted
// Change resolve to the same *Change instance via PatchCache.
type Key interface {
	aliasKey() string
}

type gerritNumberKey struct {
	remote Remote
	num    int64
}

func (k gerritNumberKey) aliasKey() string { return fmt.Sprintf("gn:%s:%d", k.remote, k.num) }

// GerritNumberKey builds a Key from a remote + gerrit number alias.
func GerritNumberKey(remote Remote, num int64) Key { return gerritNumberKey{remote, num} }

type changeIDKey struct {
	remote Remote
	id     string
}

func (k changeIDKey) aliasKey() string { return fmt.Sprintf("cid:%s:%s", k.remote, k.id) }

// ChangeIDKey builds a Key from a remote + change-id alias.
func ChangeIDKey(remote Remote, id string) Key { return changeIDKey{remote, id} }

type shaKey struct {
	remote Remote
	sha    string
}

func (k shaKey) aliasKey() string { return fmt.Sprintf("sha:%s:%s", k.remote, k.sha) }

// SHAKey builds a Key from a remote + commit sha alias.
func SHAKey(remote Remote, sha string) Key { return shaKey{remote, sha} }

type projectBranchChangeIDKey struct {
	remote                  Remote
	project, branch, change string
}

func (k projectBranchChangeIDKey) aliasKey() string {
	return fmt.Sprintf("pbc:%s:%s:%s:%s", k.remote, k.project, k.branch, k.change)
}

// ProjectBranchChangeIDKey builds a Key from the (project, branch,
// change-id) alias the review server may report for a change.
func ProjectBranchChangeIDKey(remote Remote, project, branch, changeID string) Key {
	return projectBranchChangeIDKey{remote, project, branch, changeID}
}

// QueryKey picks the most specific Key describing a PatchQuery: gerrit
// number if known, else project+branch+change-id, else bare change-id.
func QueryKey(q PatchQuery) Key {
	if q.GerritNumber != 0 {
		return GerritNumberKey(q.Remote, q.GerritNumber)
	}
	if q.Project != "" && q.Branch != "" && q.ChangeID != "" {
		return ProjectBranchChangeIDKey(q.Remote, q.Project, q.Branch, q.ChangeID)
	}
	return ChangeIDKey(q.Remote, q.ChangeID)
}

// defaultAliases returns the aliases that are always registered for a
// Change on insert: its gerrit number, its change-id, and (if known) its
// project+branch+change-id triple.
func defaultAliases(c *Change) []Key {
	keys := make([]Key, 0, 3)
	if c.GerritNumber != 0 {
		keys = append(keys, GerritNumberKey(c.Remote, c.GerritNumber))
	}
	if c.ChangeID != "" {
		keys = append(keys, ChangeIDKey(c.Remote, c.ChangeID))
		if c.Project != "" && c.Branch != "" {
			keys = append(keys, ProjectBranchChangeIDKey(c.Remote, c.Project, c.Branch, c.ChangeID))
		}
	}
	return keys
}
