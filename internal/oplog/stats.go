package oplog

import "time"

// Stats summarizes a set of records
type Stats struct {
	Total              int       `json:"totalOperations"`
	Successful         int       `json:"successfulOperations"`
	Failed             int       `json:"failedOperations"`
	Pushes             int       `json:"pushOperations"`
	Clones             int       `json:"cloneOperations"`
	UniqueUsers        int       `json:"uniqueUsers"`
	UniqueRepositories int       `json:"uniqueRepositories"`
	LastActivity       time.Time `json:"lastActivity,omitzero"`
}

// ComputeStats aggregates records
func ComputeStats(records []Record) Stats {
	var stats Stats
	users := make(map[string]struct{})
	repos := make(map[string]struct{})

	for _, rec := range records {
		stats.Total++
		if rec.Success {
			stats.Successful++
		} else {
			stats.Failed++
		}

		switch rec.Operation {
		case OperationPush:
			stats.Pushes++
		case OperationClone:
			stats.Clones++
		}

		users[rec.User] = struct{}{}
		repos[rec.Repository] = struct{}{}

		if rec.Timestamp.After(stats.LastActivity) {
			stats.LastActivity = rec.Timestamp
		}
	}

	stats.UniqueUsers = len(users)
	stats.UniqueRepositories = len(repos)
	return stats
}
