package messaging

import (
	"github.com/fisaks/obdgw/internal/state"
)

type CatalogMessage struct {
	Entries []EntrySummary `json:"entries"`
}

type EntrySummary struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Unit           string `json:"unit,omitempty"`
	Description    string `json:"description,omitempty"`
	Diagnostic     bool   `json:"diagnostic,omitempty"`
	Visible        bool   `json:"visible"`
	Enabled        bool   `json:"enabled"`
	UpdateInterval int64  `json:"updateInterval"`
}

// Catalog publishes the registry layout retained on <prefix>/catalog so
// consumers can interpret the state topics.
type Catalog struct {
	registry *state.Registry
	topic    string
}

func NewCatalog(registry *state.Registry, broker Broker) *Catalog {
	return &Catalog{registry: registry, topic: broker.Topic("catalog")}
}

func (c *Catalog) Build() CatalogMessage {
	entries := c.registry.GetStates(state.All)
	msg := CatalogMessage{Entries: make([]EntrySummary, 0, len(entries))}
	for _, e := range entries {
		snap := e.Snapshot()
		msg.Entries = append(msg.Entries, EntrySummary{
			Name:           snap.Name,
			Type:           snap.Kind.String(),
			Unit:           snap.Unit,
			Description:    snap.Description,
			Diagnostic:     snap.Diagnostic,
			Visible:        snap.Visible,
			Enabled:        snap.Enabled,
			UpdateInterval: snap.UpdateInterval,
		})
	}
	return msg
}

func (c *Catalog) OnConnectPublish() ([]PublishRequest, error) {
	return []PublishRequest{{
		Topic:   c.topic,
		Qos:     AtLeastOnce,
		Retain:  true,
		Payload: c.Build(),
	}}, nil
}
