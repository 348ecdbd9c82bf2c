// Package manifest ingests the XML repo manifest's embedded pending-commit
// elements and provides the project→path lookup ApplyEngine and
// ValidationPool need to route changes to the right checkout.
package manifest

import (
	"encoding/xml"
)

// PendingCommit is one <pending_commit> element embedded in the manifest,
// describing a change already applied to this checkout by an earlier CQ
// run.
type PendingCommit struct {
	ProjectURL     string `xml:"project_url,attr"`
	Project        string `xml:"project,attr"`
	Ref            string `xml:"ref,attr"`
	Branch         string `xml:"branch,attr"`
	Remote         string `xml:"remote,attr"`
	CommitSHA      string `xml:"commit_sha,attr"`
	ChangeID       string `xml:"change_id,attr"`
	GerritNumber   int64  `xml:"gerrit_number,attr"`
	PatchNumber    int    `xml:"patch_number,attr"`
	OwnerEmail     string `xml:"owner_email,attr"`
	FailCount      int    `xml:"fail_count,attr"`
	PassCount      int    `xml:"pass_count,attr"`
	TotalFailCount int    `xml:"total_fail_count,attr"`
}

// project is one <project> element; only the attributes the CQ cares
// about are kept.
type project struct {
	Name           string          `xml:"name,attr"`
	Path           string          `xml:"path,attr"`
	PendingCommits []PendingCommit `xml:"pending_commit"`
}

type manifestXML struct {
	XMLName  xml.Name  `xml:"manifest"`
	Projects []project `xml:"project"`
}

// Manifest is a parsed repo manifest: a project→checkout-path map plus
// every pending-commit element found in it.
type Manifest struct {
	projectPaths   map[string]string
	PendingCommits []PendingCommit
}

// Parse reads a manifest's XML document.
func Parse(data []byte) (*Manifest, error) {
	var doc manifestXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	m := &Manifest{projectPaths: map[string]string{}}
	for _, p := range doc.Projects {
		path := p.Path
		if path == "" {
			path = p.Name
		}
		m.projectPaths[p.Name] = path
		m.PendingCommits = append(m.PendingCommits, p.PendingCommits...)
	}
	return m, nil
}

// ProjectPath implements helperpool.Manifest.
func (m *Manifest) ProjectPath(project string) (string, bool) {
	path, ok := m.projectPaths[project]
	return path, ok
}

// Projects returns every project name present in the manifest.
func (m *Manifest) Projects() []string {
	out := make([]string, 0, len(m.projectPaths))
	for name := range m.projectPaths {
		out = append(out, name)
	}
	return out
}
