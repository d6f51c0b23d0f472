package store

import "time"

// CodedItem is a coded entry of the patient chart.
type CodedItem struct {
	Code    string `json:"code"`
	System  string `json:"system"`
	Display string `json:"display"`
}

// PatientContext is the slice of the chart handed to the LLM as context.
type PatientContext struct {
	PatientUUID string      `json:"patient_uuid"`
	Conditions  []CodedItem `json:"conditions"`
	Medications []CodedItem `json:"medications"`
	Allergies   []CodedItem `json:"allergies"`
	FetchedAt   time.Time   `json:"fetched_at"`
}

// CachedSdk is the shared copy of a note's discussion plus its patient
// context, so any worker process can pick the note up.
type CachedSdk struct {
	Discussion
	PatientUUID string          `json:"patient_uuid"`
	Patient     *PatientContext `json:"patient,omitempty"`
}

func NewCachedSdk(discussion *Discussion, patientUUID string) *CachedSdk {
	return &CachedSdk{
		Discussion:  *discussion.Clone(),
		PatientUUID: patientUUID,
	}
}
