package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	// RawSupplyRate is the fixed delivery rate of one raw-material supply
	// line, in items per minute.
	RawSupplyRate float64 `yaml:"raw_supply_rate"`

	DeriveQueue     int `yaml:"derive_queue"`
	CommandQueue    int `yaml:"command_queue"`
	EventQueue      int `yaml:"event_queue"`
	ArchiveEverySec int `yaml:"archive_every_sec"`

	WS WSLimits `yaml:"ws"`
}

type WSLimits struct {
	ReadDeadlineSec      int `yaml:"read_deadline_sec"`
	WriteDeadlineSec     int `yaml:"write_deadline_sec"`
	HandshakeDeadlineSec int `yaml:"handshake_deadline_sec"`
	MaxOutQueue          int `yaml:"max_out_queue"`
}

func Defaults() Tuning {
	return Tuning{
		RawSupplyRate:   30,
		DeriveQueue:     16,
		CommandQueue:    256,
		EventQueue:      64,
		ArchiveEverySec: 300,
		WS: WSLimits{
			ReadDeadlineSec:      60,
			WriteDeadlineSec:     5,
			HandshakeDeadlineSec: 5,
			MaxOutQueue:          64,
		},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if t.RawSupplyRate <= 0 {
		t.RawSupplyRate = 30
	}
	return t, nil
}
