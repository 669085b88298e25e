package api

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Wire types shared by the WebODM and NodeODM clients.

// StatusCode is the numeric task status reported by WebODM and NodeODM.
type StatusCode int

const (
	StatusQueued    StatusCode = 10
	StatusRunning   StatusCode = 20
	StatusFailed    StatusCode = 30
	StatusCompleted StatusCode = 40
	StatusCanceled  StatusCode = 50
)

func (s StatusCode) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusFailed:
		return "failed"
	case StatusCompleted:
		return "completed"
	case StatusCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// TaskID accepts both the UUID strings WebODM returns and plain numeric ids.
type TaskID string

func (id *TaskID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = TaskID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("task id: %w", err)
	}
	*id = TaskID(n.String())
	return nil
}

type Project struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// Task is the subset of the WebODM task document the client reads.
type Task struct {
	ID              TaskID      `json:"id"`
	Project         int         `json:"project"`
	Name            string      `json:"name,omitempty"`
	Status          *StatusCode `json:"status"`
	LastError       string      `json:"last_error,omitempty"`
	ProcessingTime  int64       `json:"processing_time"`
	RunningProgress float64     `json:"running_progress"`
	AvailableAssets []string    `json:"available_assets"`
	ImagesCount     int         `json:"images_count,omitempty"`
}

type ProcessingNode struct {
	ID       int    `json:"id"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Label    string `json:"label"`
	Online   bool   `json:"online"`
}

// NodeTaskInfo is the NodeODM /task/<uuid>/info document.
type NodeTaskInfo struct {
	UUID           string `json:"uuid"`
	Name           string `json:"name"`
	DateCreated    int64  `json:"dateCreated"`
	ProcessingTime int64  `json:"processingTime"`
	Status         struct {
		Code         StatusCode `json:"code"`
		ErrorMessage string     `json:"errorMessage,omitempty"`
	} `json:"status"`
	ImagesCount int     `json:"imagesCount"`
	Progress    float64 `json:"progress"`
}

// NodeOption is one entry of the NodeODM options array.
type NodeOption struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}
