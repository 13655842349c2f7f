package builtin

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

	"github.com/maitred-ai/maitre/internal/config"
)

// ErrBackendUnauthorized indicates the back-office API rejected our
// credentials. Mapped to the unauthorized tool error kind.
var ErrBackendUnauthorized = errors.New("backend: unauthorized")

// HTTPBackend talks to the back-office REST API.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPBackend constructs an HTTPBackend from the config section.
func NewHTTPBackend(cfg config.BackendConfig) *HTTPBackend {
	return &HTTPBackend{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout.Std()},
	}
}

// customerDoc is the wire shape of a customer record.
type customerDoc struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
}

type taskDoc struct {
	ID          string `json:"id,omitempty"`
	CustomerID  string `json:"customer_id,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

type slotDoc struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type bookingDoc struct {
	ID     string `json:"id,omitempty"`
	SlotID string `json:"slot_id"`
	TaskID string `json:"task_id,omitempty"`
}

func (b *HTTPBackend) CustomerLookup(ctx context.Context, phone, name string) (*Customer, error) {
	q := url.Values{}
	if phone != "" {
		q.Set("phone", phone)
	} else {
		q.Set("name", name)
	}
	var doc customerDoc
	if err := b.do(ctx, http.MethodGet, "/customers?"+q.Encode(), nil, &doc); err != nil {
		var miss *ErrBackendNotFound
		if errors.As(err, &miss) {
			key := phone
			if key == "" {
				key = name
			}
			return nil, &ErrBackendNotFound{Kind: "customer", Key: key}
		}
		return nil, err
	}
	return customerFromDoc(doc), nil
}

func (b *HTTPBackend) CustomerCreate(ctx context.Context, c Customer) (*Customer, error) {
	var doc customerDoc
	body := customerDoc{Name: c.Name, Phone: c.Phone, Email: c.Email, Address: c.Address}
	if err := b.do(ctx, http.MethodPost, "/customers", body, &doc); err != nil {
		return nil, err
	}
	return customerFromDoc(doc), nil
}

func (b *HTTPBackend) TaskCreate(ctx context.Context, t Task) (*Task, error) {
	var doc taskDoc
	body := taskDoc{CustomerID: t.CustomerID, Title: t.Title, Description: t.Description, Status: t.Status}
	if err := b.do(ctx, http.MethodPost, "/tasks", body, &doc); err != nil {
		return nil, err
	}
	return taskFromDoc(doc), nil
}

func (b *HTTPBackend) TaskUpdate(ctx context.Context, t Task) (*Task, error) {
	var doc taskDoc
	body := taskDoc{Title: t.Title, Description: t.Description, Status: t.Status}
	if err := b.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(t.ID), body, &doc); err != nil {
		var miss *ErrBackendNotFound
		if errors.As(err, &miss) {
			return nil, &ErrBackendNotFound{Kind: "task", Key: t.ID}
		}
		return nil, err
	}
	return taskFromDoc(doc), nil
}

func (b *HTTPBackend) SearchSlots(ctx context.Context, from, to time.Time) ([]Slot, error) {
	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	var docs []slotDoc
	if err := b.do(ctx, http.MethodGet, "/calendar/slots?"+q.Encode(), nil, &docs); err != nil {
		return nil, err
	}
	slots := make([]Slot, 0, len(docs))
	for _, d := range docs {
		slots = append(slots, Slot{ID: d.ID, Start: d.Start, End: d.End})
	}
	return slots, nil
}

func (b *HTTPBackend) BookSlot(ctx context.Context, slotID, taskID string) (*Booking, error) {
	var doc bookingDoc
	if err := b.do(ctx, http.MethodPost, "/calendar/bookings", bookingDoc{SlotID: slotID, TaskID: taskID}, &doc); err != nil {
		return nil, err
	}
	return &Booking{ID: doc.ID, SlotID: doc.SlotID, TaskID: doc.TaskID}, nil
}

// do issues one request and decodes the JSON response into out (when out is
// non-nil). HTTP status codes map onto the backend error vocabulary.
func (b *HTTPBackend) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &ErrBackendNotFound{Kind: "resource", Key: path}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrBackendUnauthorized
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("backend: %s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode response: %w", err)
	}
	return nil
}

func customerFromDoc(d customerDoc) *Customer {
	return &Customer{ID: d.ID, Name: d.Name, Phone: d.Phone, Email: d.Email, Address: d.Address}
}

func taskFromDoc(d taskDoc) *Task {
	return &Task{ID: d.ID, CustomerID: d.CustomerID, Title: d.Title, Description: d.Description, Status: d.Status}
}

var _ Backend = (*HTTPBackend)(nil)
