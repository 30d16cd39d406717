package model

import "time"

// Report sources
const (
	SourceAI    = "ai"
	SourceCache = "cache"
)

// Report is the structured artifact produced by one analysis in one language
type Report struct {
	Title            string          `json:"title"`
	Summary          string          `json:"summary" validate:"required"`
	Sentiment        string          `json:"sentiment" validate:"required,oneof=positive neutral negative mixed"`
	KeyPoints        []string        `json:"key_points" validate:"required,min=1,dive,required"`
	Claims           []Claim         `json:"claims,omitempty" validate:"omitempty,dive"`
	CredibilityScore int             `json:"credibility_score" validate:"min=0,max=100"`
	Topics           []string        `json:"topics,omitempty"`
	Metadata         *ReportMetadata `json:"_metadata,omitempty"`
}

// Claim is a single checkable statement found in the document
type Claim struct {
	Statement  string `json:"statement" validate:"required"`
	Assessment string `json:"assessment" validate:"required,oneof=supported disputed unverified"`
	Note       string `json:"note,omitempty"`
}

// ReportMetadata is attached by the pipeline, never by the provider
type ReportMetadata struct {
	SubjectHash string    `json:"subject_hash"`
	ContentHash string    `json:"content_hash"`
	AnalyzedAt  time.Time `json:"analyzed_at"`
	Language    string    `json:"language"`
	Source      string    `json:"source"`
	Model       string    `json:"model,omitempty"`
}

// Clone returns a deep copy of r
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	c := *r
	c.KeyPoints = append([]string(nil), r.KeyPoints...)
	c.Topics = append([]string(nil), r.Topics...)
	c.Claims = append([]Claim(nil), r.Claims...)
	if r.Metadata != nil {
		m := *r.Metadata
		c.Metadata = &m
	}
	return &c
}
