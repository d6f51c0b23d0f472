// Package ehr is the HTTP client of the EHR plugin endpoint: it reads the
// patient chart and applies command effects to a note.
package ehr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ambient-scribe-be/pkg/store"
)

var ErrPatientNotFound = errors.New("ehr: patient not found")

type Client struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

type patientContextResponse struct {
	Conditions  []store.CodedItem `json:"conditions"`
	Medications []store.CodedItem `json:"medications"`
	Allergies   []store.CodedItem `json:"allergies"`
}

type submitEffectsRequest struct {
	NoteUUID string         `json:"note_uuid"`
	Effects  []store.Effect `json:"effects"`
}

// FetchPatientContext reads the current conditions, medications and allergies.
func (c *Client) FetchPatientContext(ctx context.Context, patientUUID string) (*store.PatientContext, error) {
	endpoint := fmt.Sprintf("%s/patients/%s/context", c.BaseURL, url.PathEscape(patientUUID))
	body, status, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", patientUUID, ErrPatientNotFound)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("ehr error: status %d, body: %s", status, string(body))
	}

	var resp patientContextResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal patient context: %w", err)
	}
	return &store.PatientContext{
		PatientUUID: patientUUID,
		Conditions:  resp.Conditions,
		Medications: resp.Medications,
		Allergies:   resp.Allergies,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// SubmitEffects applies the effects to the note.
func (c *Client) SubmitEffects(ctx context.Context, noteUUID string, effects []store.Effect) error {
	if len(effects) == 0 {
		return nil
	}
	payload, err := json.Marshal(submitEffectsRequest{NoteUUID: noteUUID, Effects: effects})
	if err != nil {
		return fmt.Errorf("marshal effects: %w", err)
	}
	endpoint := fmt.Sprintf("%s/notes/%s/effects", c.BaseURL, url.PathEscape(noteUUID))
	body, status, err := c.do(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("ehr error: status %d, body: %s", status, string(body))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("ehr request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
