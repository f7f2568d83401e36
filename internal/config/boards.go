package config

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed boards.yaml
var boardsYAML []byte

// Board holds the constants that differ between supported boards.
type Board struct {
	Name            string  `yaml:"name"`
	FullName        string  `yaml:"full_name"`
	StatusChip      string  `yaml:"status_chip"`
	StatusPin       int     `yaml:"status_pin"`
	StatusActiveLow bool    `yaml:"status_active_low"`
	StatusIsStrap   bool    `yaml:"status_is_strap"` // pin is sampled at boot
	TxPowerDBm      float64 `yaml:"tx_power_dbm"`
	PowerReduced    bool    `yaml:"power_reduced"`
	CPUMHz          int     `yaml:"cpu_mhz"`
	Notes           string  `yaml:"notes"`
}

type boardFile struct {
	Boards map[string]Board `yaml:"boards"`
}

var (
	boardsOnce sync.Once
	boards     map[string]Board
	boardsErr  error
)

func loadBoards() (map[string]Board, error) {
	boardsOnce.Do(func() {
		boards, boardsErr = parseBoards(boardsYAML)
	})
	return boards, boardsErr
}

func parseBoards(data []byte) (map[string]Board, error) {
	var f boardFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse board table: %w", err)
	}
	for key, b := range f.Boards {
		if b.TxPowerDBm <= 0 || b.TxPowerDBm > 30 {
			return nil, fmt.Errorf("board %s: tx_power_dbm %.1f out of range", key, b.TxPowerDBm)
		}
		if b.Name == "" {
			b.Name = key
			f.Boards[key] = b
		}
	}
	return f.Boards, nil
}

// LookupBoard returns the profile for key.
func LookupBoard(key string) (Board, error) {
	all, err := loadBoards()
	if err != nil {
		return Board{}, err
	}
	b, ok := all[key]
	if !ok {
		return Board{}, fmt.Errorf("unknown board %q (known: %v)", key, BoardNames())
	}
	return b, nil
}

func BoardNames() []string {
	all, _ := loadBoards()
	names := make([]string, 0, len(all))
	for k := range all {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
