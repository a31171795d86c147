// Package channel manages the outbound provider routes: registration,
// the model index, live metrics, adaptive weighted selection, and the
// background health loop.
package channel

import (
	"errors"
	"fmt"
)

// Status of a channel. Only active channels are ever selected; probes
// pause for maintenance.
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusError       Status = "error"
	StatusMaintenance Status = "maintenance"
)

var (
	ErrNoChannelAvailable = errors.New("no channel available for model")
	ErrChannelNotFound    = errors.New("channel not found")
)

// Channel is one tenant-scoped outbound route. Credentials are held in
// cleartext for the lifetime of the process; mutation replaces the whole
// Channel atomically, so a loaded Channel is immutable.
type Channel struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenant_id"`
	Name         string            `json:"name"`
	ProviderType string            `json:"provider_type"`
	BaseURL      string            `json:"base_url,omitempty"`
	Credentials  map[string]string `json:"-"`
	Models       []string          `json:"models"`
	Status       Status            `json:"status"`
	Priority     int               `json:"priority"`
	Weight       int               `json:"weight"`
	MaxRPM       int               `json:"max_rpm"`
}

// Validate checks the static bounds from the data model.
func (c *Channel) Validate() error {
	if c.Name == "" {
		return errors.New("channel name is required")
	}
	if c.TenantID == "" {
		return errors.New("channel tenant is required")
	}
	if len(c.Models) == 0 {
		return errors.New("channel must declare at least one model")
	}
	if c.Priority < 0 || c.Priority > 100 {
		return fmt.Errorf("priority %d out of range [0,100]", c.Priority)
	}
	if c.Weight < 1 || c.Weight > 1000 {
		return fmt.Errorf("weight %d out of range [1,1000]", c.Weight)
	}
	return nil
}

// SupportsModel reports whether the channel declares the model.
func (c *Channel) SupportsModel(model string) bool {
	for _, m := range c.Models {
		if m == model {
			return true
		}
	}
	return false
}

func (c *Channel) clone() *Channel {
	dup := *c
	dup.Models = append([]string(nil), c.Models...)
	dup.Credentials = make(map[string]string, len(c.Credentials))
	for k, v := range c.Credentials {
		dup.Credentials[k] = v
	}
	return &dup
}
