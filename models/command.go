package models

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdRefresh    CommandType = "refresh"
	CmdFlushCache CommandType = "flush_cache"
	CmdPause      CommandType = "pause"
	CmdResume     CommandType = "resume"
	CmdSweep      CommandType = "sweep"
	CmdArchive    CommandType = "archive"
)

type Command struct {
	ID          int64           `json:"id" db:"id"`
	Command     CommandType     `json:"command" db:"command"`
	Params      json.RawMessage `json:"params" db:"params"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at" db:"processed_at"`
}

type CommandParams struct {
	Region     string `json:"region,omitempty"`
	Category   string `json:"category,omitempty"`
	SearchTerm string `json:"search,omitempty"`
	Pages      string `json:"pages,omitempty"`
	Force      bool   `json:"force,omitempty"`
}

func (c *Command) ParseParams() (*CommandParams, error) {
	var params CommandParams
	if len(c.Params) == 0 {
		return &params, nil
	}
	if err := json.Unmarshal(c.Params, &params); err != nil {
		return nil, err
	}
	return &params, nil
}
