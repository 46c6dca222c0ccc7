package domain

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// PartialMatch records that an image element shares an identical quadrant
// hash with earlier submissions. It never blocks a submission by itself.
type PartialMatch struct {
	Element  int    `json:"element"`
	Quadrant int    `json:"quadrant"`
	Hash     string `json:"hash"`
	RefIDs   []int  `json:"ref_ids"`
}

// Review is the JSON document kept in Submission.Review.
type Review struct {
	Warnings  []PartialMatch `json:"warnings,omitempty"`
	Moderator string         `json:"moderator,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	DeletedBy string         `json:"deleted_by,omitempty"`
}

// Empty reports whether the review carries no information.
func (r Review) Empty() bool {
	return len(r.Warnings) == 0 && r.Moderator == "" && r.Reason == "" && r.DeletedBy == ""
}

// EncodeReview marshals r into a JSON column value; an empty review maps to nil.
func EncodeReview(r Review) datatypes.JSON {
	if r.Empty() {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

// DecodeReview parses a Review column; malformed or empty input yields a zero Review.
func DecodeReview(j datatypes.JSON) Review {
	var r Review
	if len(j) == 0 {
		return r
	}
	_ = json.Unmarshal(j, &r)
	return r
}
