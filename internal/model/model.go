// Package model holds the data types that flow between pipeline stages.
package model

import "time"

// Finding is one GuardDuty security observation. Raw preserves the exact
// bytes the finding arrived as; Fields holds the full parse for nested
// field extraction.
type Finding struct {
	ID          string
	AccountID   string
	Region      string
	Partition   string
	Type        string
	Severity    float64
	CreatedAt   string
	UpdatedAt   string
	Title       string
	Description string

	Raw    []byte
	Fields map[string]interface{}
}

// Record is the flat shape posted to the DCR stream. Optional columns are
// always present; missing or null source values become empty strings because
// Azure ingestion rejects nulls in some stream schemas.
type Record struct {
	TimeGenerated   string  `json:"TimeGenerated"`
	FindingId       string  `json:"FindingId"`
	AccountId       string  `json:"AccountId"`
	Region          string  `json:"Region"`
	Severity        float64 `json:"Severity"`
	Type            string  `json:"Type"`
	RawJson         string  `json:"RawJson"`
	Title           string  `json:"Title"`
	Description     string  `json:"Description"`
	Service         string  `json:"Service"`
	ResourceType    string  `json:"ResourceType"`
	InstanceId      string  `json:"InstanceId"`
	RemoteIpAddress string  `json:"RemoteIpAddress"`
	RemoteIpCountry string  `json:"RemoteIpCountry"`
	ActionType      string  `json:"ActionType"`
	ThreatNames     string  `json:"ThreatNames"`
	CreatedAt       string  `json:"CreatedAt"`
	UpdatedAt       string  `json:"UpdatedAt"`
	EventFirstSeen  string  `json:"EventFirstSeen"`
	EventLastSeen   string  `json:"EventLastSeen"`
	Count           string  `json:"Count"`
	Archived        string  `json:"Archived"`
}

// ObjectRef identifies one object in the source bucket. The engine never
// parses Key; it is an opaque handle between List and Fetch.
type ObjectRef struct {
	Bucket       string
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
	KMSKeyID     string
}
