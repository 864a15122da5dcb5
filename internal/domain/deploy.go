package domain

import "time"

// Deploy is one rollout attempt of a build to an environment.
type Deploy struct {
	ID               string
	EnvID            string
	BuildID          string
	Alias            string
	Type             DeployType
	State            DeployState
	SuccessCount     int
	StuckCount       int
	Total            int
	StartDate        time.Time
	SuccessDate      *time.Time
	LastUpdate       time.Time
	AcceptanceStatus AcceptanceStatus
	Operator         string
}

// DeployUpdate holds the aggregator's proposed changes to a deploy.
type DeployUpdate struct {
	State            DeployState
	SuccessCount     int
	StuckCount       int
	Total            int
	LastUpdate       time.Time
	SuccessDate      *time.Time
	AcceptanceStatus AcceptanceStatus
}

// Build is the artifact a deploy installs.
type Build struct {
	ID          string
	Name        string
	ArtifactURL string
	SCM         string
	SCMRepo     string
	SCMBranch   string
	SCMCommit   string
	PublishedAt time.Time
}

// ShortCommit returns the first seven characters of the commit.
func (b Build) ShortCommit() string {
	if len(b.SCMCommit) <= 7 {
		return b.SCMCommit
	}
	return b.SCMCommit[:7]
}
