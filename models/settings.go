package models

import "fmt"

// ConnectionSettings are the user-editable, non-secret connection settings.
// The type has no credential fields so they can never reach storage.
type ConnectionSettings struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Scheme          string `json:"scheme,omitempty"`
	Path            string `json:"path,omitempty"`
	Topic           string `json:"topic,omitempty"`
	HistoryLimit    int    `json:"historyLimit"`
	ReconnectPolicy string `json:"reconnectPolicy,omitempty"`
}

func (s ConnectionSettings) Validate() error {
	if err := (BrokerConfig{Host: s.Host, Port: s.Port}).Validate(); err != nil {
		return err
	}
	if s.HistoryLimit < 0 {
		return fmt.Errorf("history limit must not be negative")
	}
	return nil
}
