package models

import (
	"fmt"
	"time"
)

// AlertConfig is a stored strategy alert definition. The signal engine
// evaluates enabled configs against closed bars.
type AlertConfig struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	Strategy  string    `json:"strategy"`
	Enabled   bool      `json:"enabled"`
	Config    JSONB     `json:"config"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields required to evaluate the alert.
func (a *AlertConfig) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("alert config missing name")
	}
	if a.Symbol == "" {
		return fmt.Errorf("alert config %q missing symbol", a.Name)
	}
	if a.Interval == "" {
		return fmt.Errorf("alert config %q missing interval", a.Name)
	}
	if a.Strategy == "" {
		return fmt.Errorf("alert config %q missing strategy", a.Name)
	}
	return nil
}

// Signal is one strategy firing, appended when an enabled alert's
// conditions match a closed bar.
type Signal struct {
	ID         string    `json:"id"`
	AlertID    string    `json:"alert_id"`
	Symbol     string    `json:"symbol"`
	Interval   string    `json:"interval"`
	SignalType string    `json:"signal_type"`
	Payload    JSONB     `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// StrategyMetadata describes one strategy the adapter can evaluate,
// including the parameter schema clients render configuration forms from.
type StrategyMetadata struct {
	StrategyID  string    `json:"strategy_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Params      JSONB     `json:"params"`
	UpdatedAt   time.Time `json:"updated_at"`
}
