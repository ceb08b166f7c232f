package model

import "sort"

// Match is one nearest-neighbor hit. Score is cosine similarity, higher is closer.
type Match struct {
	PatientID string  `json:"patient_id" yaml:"patient_id"`
	ScanType  string  `json:"scan_type" yaml:"scan_type"`
	Score     float64 `json:"score" yaml:"score"`
}

func (m Match) Key() ScanKey {
	return ScanKey{PatientID: m.PatientID, ScanType: m.ScanType}
}

// MatchResult is ordered by descending Score
type MatchResult []Match

// Sort orders matches by descending score. Ties keep (patient_id, scan_type)
// order so the output is reproducible.
func (r MatchResult) Sort() {
	sort.SliceStable(r, func(i, j int) bool {
		if r[i].Score != r[j].Score {
			return r[i].Score > r[j].Score
		}
		if r[i].PatientID != r[j].PatientID {
			return r[i].PatientID < r[j].PatientID
		}
		return r[i].ScanType < r[j].ScanType
	})
}
