package model

import (
	"time"

	"projectsync/internal/progress"
)

// Project is the top-level entity. Progress keys come from the project
// type's step table.
type Project struct {
	ID          string            `json:"-"`
	Name        string            `json:"name"`
	Client      string            `json:"client"`
	ClientID    string            `json:"clientId,omitempty"`
	Description string            `json:"description"`
	Deadline    string            `json:"deadline"`
	CompanyID   string            `json:"companyId,omitempty"`
	Type        string            `json:"type"`
	FileURL     string            `json:"fileUrl,omitempty"`
	Progress    progress.Progress `json:"progress"`
	CreatedAt   time.Time         `json:"createdAt,omitempty"`
}

// Client is an entry of the company's client directory.
type Client struct {
	ID   string `json:"-"`
	Name string `json:"name"`
}
