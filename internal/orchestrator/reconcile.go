package orchestrator

import (
	"fmt"
	"strings"

	"gpudispatch/internal/job"
)

// Match methods, strongest to weakest.
const (
	MatchByID       = "id"
	MatchByPosition = "position"
	MatchAssumed    = "assumed"
	MatchMissing    = "missing"
)

// Match pairs one batch job with the artifact attributed to it. Artifact is
// empty when Method is MatchMissing.
type Match struct {
	JobID    string
	Artifact string
	Method   string
}

// Reconciler attributes batch output artifacts back to the jobs that
// produced them. The engine does not tag batch outputs reliably, so
// attribution is heuristic and each match records how it was made.
type Reconciler interface {
	Reconcile(jobs []job.Job, artifacts []string) []Match
}

// HeuristicReconciler matches by embedded job id first, then by positional
// index token, then hands out leftover artifacts in submission order.
// Results are returned in job order, one Match per job.
type HeuristicReconciler struct{}

func (HeuristicReconciler) Reconcile(jobs []job.Job, artifacts []string) []Match {
	used := make([]bool, len(artifacts))
	matches := make([]Match, len(jobs))

	// Pass 1: artifact name embeds the job id.
	for ji := range jobs {
		id := strings.TrimPrefix(jobs[ji].ID, "run_")
		if id == "" {
			continue
		}
		for ai, a := range artifacts {
			if !used[ai] && strings.Contains(a, id) {
				used[ai] = true
				matches[ji] = Match{JobID: jobs[ji].ID, Artifact: a, Method: MatchByID}
				break
			}
		}
	}

	// Pass 2: artifact name carries a zero-padded positional token.
	for ji := range jobs {
		if matches[ji].Method != "" {
			continue
		}
		underscore := fmt.Sprintf("_%03d", ji)
		hyphen := fmt.Sprintf("-%03d", ji)
		for ai, a := range artifacts {
			if !used[ai] && (strings.Contains(a, underscore) || strings.Contains(a, hyphen)) {
				used[ai] = true
				matches[ji] = Match{JobID: jobs[ji].ID, Artifact: a, Method: MatchByPosition}
				break
			}
		}
	}

	// Pass 3: remaining jobs take the next unclaimed artifact in order.
	next := 0
	for ji := range jobs {
		if matches[ji].Method != "" {
			continue
		}
		for next < len(artifacts) && used[next] {
			next++
		}
		if next < len(artifacts) {
			used[next] = true
			matches[ji] = Match{JobID: jobs[ji].ID, Artifact: artifacts[next], Method: MatchAssumed}
			continue
		}
		matches[ji] = Match{JobID: jobs[ji].ID, Method: MatchMissing}
	}

	return matches
}

var _ Reconciler = HeuristicReconciler{}
